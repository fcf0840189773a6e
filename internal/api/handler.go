// Package api exposes the order-fulfillment HTTP surface: starting order
// workflows, delivering signals to them, and answering status queries.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/fulfillment"
	"github.com/CodeWizarz/FUZE/internal/telemetry"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

type Handler struct {
	runner *workflow.Runner
	status *fulfillment.StatusAggregator
	logger *slog.Logger
}

func NewHandler(runner *workflow.Runner, status *fulfillment.StatusAggregator, logger *slog.Logger) *Handler {
	return &Handler{
		runner: runner,
		status: status,
		logger: logger,
	}
}

// Routes registers the endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders/{id}/start", telemetry.WithHTTPRoute(h.HandleStart))
	mux.HandleFunc("POST /orders/{id}/signals/approve", telemetry.WithHTTPRoute(h.HandleApprove))
	mux.HandleFunc("POST /orders/{id}/signals/update-address", telemetry.WithHTTPRoute(h.HandleUpdateAddress))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(h.HandleCancel))
	mux.HandleFunc("GET /orders/{id}/status", telemetry.WithHTTPRoute(h.HandleStatus))
}

type startOrderRequest struct {
	Address      domain.Address `json:"address"`
	AmountCents  int64          `json:"amount_cents"`
	PaymentToken string         `json:"payment_token"`
}

func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req startOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Address) == 0 {
		h.writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	input, err := json.Marshal(fulfillment.OrderInput{
		OrderID:      id,
		Address:      req.Address,
		AmountCents:  req.AmountCents,
		PaymentToken: req.PaymentToken,
	})
	if err != nil {
		h.logger.Error("failed to encode workflow input", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	run, err := h.runner.Start(r.Context(), fulfillment.OrderWorkflowName, id, input)
	if err != nil {
		if errors.Is(err, workflow.ErrDuplicateRun) {
			h.writeError(w, http.StatusConflict, "order workflow already running")
			return
		}
		h.logger.Error("failed to start order workflow", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order workflow started", "order_id", id, "run_id", run.ID)
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"order_id": id,
		"run_id":   run.ID,
	})
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.deliverSignal(w, r, fulfillment.SignalApprove, nil)
}

type updateAddressRequest struct {
	NewAddress domain.Address `json:"new_address"`
}

func (h *Handler) HandleUpdateAddress(w http.ResponseWriter, r *http.Request) {
	var req updateAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewAddress) == 0 {
		h.writeError(w, http.StatusBadRequest, "new_address is required")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid address payload")
		return
	}
	h.deliverSignal(w, r, fulfillment.SignalUpdateAddress, payload)
}

func (h *Handler) deliverSignal(w http.ResponseWriter, r *http.Request, name string, payload []byte) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	err := h.runner.DeliverSignal(r.Context(), id, name, payload)
	switch {
	case errors.Is(err, workflow.ErrRunNotFound):
		h.writeError(w, http.StatusNotFound, "order workflow not found")
		return
	case errors.Is(err, workflow.ErrRunNotActive):
		h.writeError(w, http.StatusConflict, "order workflow already finished")
		return
	case err != nil:
		h.logger.Error("failed to deliver signal", "error", err, "order_id", id, "signal", name)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("signal delivered", "order_id", id, "signal", name)
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"order_id": id,
		"signal":   name,
	})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	err := h.runner.RequestCancel(r.Context(), id)
	switch {
	case errors.Is(err, workflow.ErrRunNotFound):
		h.writeError(w, http.StatusNotFound, "order workflow not found")
		return
	case err != nil:
		h.logger.Error("failed to request cancellation", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("cancellation requested", "order_id", id)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	status, err := h.status.OrderStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("failed to aggregate order status", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
