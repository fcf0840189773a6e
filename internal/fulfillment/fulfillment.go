// Package fulfillment implements the order-fulfillment state machines on
// top of the workflow substrate: the parent order workflow (validate, await
// approval, charge, ship) and the child shipping workflow (package,
// dispatch, await delivery), plus the activities they execute and the
// status aggregator that answers "what is happening now" queries.
package fulfillment

import (
	"context"
	"log/slog"
	"time"

	"github.com/CodeWizarz/FUZE/internal/activity"
	"github.com/CodeWizarz/FUZE/internal/backoff"
	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// Workflow and signal names. The order workflow is keyed by the order id;
// its shipping child is keyed by "ship_" + order id.
const (
	OrderWorkflowName    = "order-fulfillment"
	ShippingWorkflowName = "shipping"

	SignalApprove           = "approve"
	SignalUpdateAddress     = "update-address"
	SignalDeliveryConfirmed = "delivery-confirmed"
)

// ShippingKey derives the child workflow instance key for an order.
func ShippingKey(orderID string) string { return "ship_" + orderID }

// PaymentToken derives the default idempotency token for an order's charge
// when the caller did not supply one. Deterministic, so every retry and
// every replay of the charge step uses the same token.
func PaymentToken(orderID string) string { return "pay_" + orderID }

// OrderInput starts an order workflow.
type OrderInput struct {
	OrderID      string         `json:"order_id"`
	Address      domain.Address `json:"address"`
	AmountCents  int64          `json:"amount_cents,omitempty"`
	PaymentToken string         `json:"payment_token,omitempty"`
}

// OrderResult is the terminal output of a completed order workflow.
type OrderResult struct {
	PaymentID      string `json:"payment_id"`
	TrackingNumber string `json:"tracking_number"`
}

// ShippingInput starts a shipping child workflow.
type ShippingInput struct {
	OrderID string `json:"order_id"`
}

// ShippingResult is the terminal output of a completed shipping workflow.
type ShippingResult struct {
	BoxID          string `json:"box_id"`
	TrackingNumber string `json:"tracking_number"`
}

// OrderStore is the subset of the order repository the workflows use.
type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, step string) error
	SetError(ctx context.Context, id string, status domain.OrderStatus, reason string) error
	UpdateAddress(ctx context.Context, id string, address domain.Address) error
}

// PaymentStore is the subset of the payment repository the workflows use.
type PaymentStore interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	Create(ctx context.Context, p *domain.Payment) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// EventStore is the subset of the event repository the workflows use.
type EventStore interface {
	Append(ctx context.Context, orderID string, kind domain.EventKind, payload map[string]any) error
	Recent(ctx context.Context, orderID string, limit int) ([]domain.Event, error)
}

// Publisher emits lifecycle events to the message bus. Optional; a nil
// publisher disables publishing.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Config carries the tunable retry and wait policies. Zero attempt ceilings
// mean unbounded retry; whether a prolonged outage should eventually fail
// the order is an operational decision expressed here, not hard-coded.
type Config struct {
	ApprovalTimeout time.Duration
	DeliveryTimeout time.Duration

	ReceiveMaxAttempts  int
	ValidateMaxAttempts int
	ChargeMaxAttempts   int
	PackageMaxAttempts  int
	BookMaxAttempts     int
}

// DefaultConfig mirrors the shipped retry policies: validation and carrier
// calls are bounded, order persistence and charging retry without ceiling
// because the idempotency ledger makes repeated attempts harmless.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:     24 * time.Hour,
		ReceiveMaxAttempts:  0,
		ValidateMaxAttempts: 5,
		ChargeMaxAttempts:   0,
		PackageMaxAttempts:  10,
		BookMaxAttempts:     5,
	}
}

// Service wires the workflows to their collaborators.
type Service struct {
	orders   OrderStore
	payments PaymentStore
	events   EventStore
	exec     *activity.Executor
	gateway  PaymentGateway
	carrier  Carrier
	producer Publisher
	logger   *slog.Logger
	cfg      Config
}

func NewService(
	orderStore OrderStore,
	paymentStore PaymentStore,
	eventStore EventStore,
	exec *activity.Executor,
	gateway PaymentGateway,
	carrier Carrier,
	producer Publisher,
	logger *slog.Logger,
	cfg Config,
) *Service {
	return &Service{
		orders:   orderStore,
		payments: paymentStore,
		events:   eventStore,
		exec:     exec,
		gateway:  gateway,
		carrier:  carrier,
		producer: producer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Register adds both workflow definitions to the registry.
func (s *Service) Register(reg *workflow.Registry) {
	workflow.Register(reg, workflow.NewDefinition(OrderWorkflowName, s.orderWorkflow))
	workflow.Register(reg, workflow.NewDefinition(ShippingWorkflowName, s.shippingWorkflow))
}

func (s *Service) policy(maxAttempts int) activity.RetryPolicy {
	return activity.RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     backoff.NewExponentialWithJitter(time.Second, time.Minute),
		Retryable:   domain.IsTransient,
	}
}

func (s *Service) publish(ctx context.Context, orderID string, event any) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, orderID, event); err != nil {
		s.logger.Error("failed to publish lifecycle event", "order_id", orderID, "error", err)
	}
}
