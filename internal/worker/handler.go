// Package worker bridges Kafka into the workflow substrate: it consumes
// carrier delivery confirmations and converts them into signals for the
// shipping workflows waiting on them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/fulfillment"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// SignalRouter is the slice of the runner the handler needs.
type SignalRouter interface {
	DeliverSignal(ctx context.Context, key, name string, payload []byte) error
}

type DeliveryHandler struct {
	runner SignalRouter
	logger *slog.Logger
}

func NewDeliveryHandler(runner SignalRouter, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{runner: runner, logger: logger}
}

// Handle routes one delivery confirmation to the shipping workflow keyed
// by the order. Confirmations for unknown or already-finished workflows
// are logged and dropped; returning an error here would wedge the
// partition on a message that can never succeed.
func (h *DeliveryHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.DeliveryConfirmedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal delivery confirmed event: %w", err)
	}
	if event.OrderID == "" {
		h.logger.Warn("dropping delivery confirmation without order id")
		return nil
	}

	key := fulfillment.ShippingKey(event.OrderID)
	err := h.runner.DeliverSignal(ctx, key, fulfillment.SignalDeliveryConfirmed, payload)
	switch {
	case errors.Is(err, workflow.ErrRunNotFound):
		h.logger.Warn("no shipping workflow for delivery confirmation", "order_id", event.OrderID)
		return nil
	case errors.Is(err, workflow.ErrRunNotActive):
		h.logger.Warn("shipping workflow already finished", "order_id", event.OrderID)
		return nil
	case err != nil:
		h.logger.Error("failed to signal shipping workflow", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("signal shipping workflow for order %s: %w", event.OrderID, err)
	}

	h.logger.Info("delivery confirmation routed", "order_id", event.OrderID, "tracking_number", event.TrackingNumber)
	return nil
}
