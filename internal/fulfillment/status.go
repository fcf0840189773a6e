package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// LiveQuerier exposes the in-flight view of a running workflow instance.
type LiveQuerier interface {
	LiveState(ctx context.Context, key string) (*workflow.LiveState, bool)
}

// OrderStatus merges the durable record of an order with the live view of
// its workflow run, when one is in flight on this process.
type OrderStatus struct {
	OrderID   string             `json:"order_id"`
	Status    domain.OrderStatus `json:"status"`
	LastError string             `json:"last_error,omitempty"`
	Address   domain.Address     `json:"address"`
	UpdatedAt time.Time          `json:"updated_at"`

	Payments []domain.Payment `json:"payments,omitempty"`
	Events   []domain.Event   `json:"events,omitempty"`

	Run  *RunStatus  `json:"run,omitempty"`
	Live *LiveStatus `json:"live,omitempty"`
}

// RunStatus is the durable half of the workflow view.
type RunStatus struct {
	RunID       string            `json:"run_id"`
	State       workflow.RunState `json:"state"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// LiveStatus is the in-flight half, present only while the run executes.
type LiveStatus struct {
	CurrentStep    string `json:"current_step"`
	PendingSignals int    `json:"pending_signals"`
}

// StatusAggregator answers status queries by joining the order row, its
// payments and recent events, the durable workflow run, and the runner's
// live state. The live half is best effort; if the run executes elsewhere
// or the runner cannot answer, the durable half stands alone.
type StatusAggregator struct {
	orders   OrderStore
	payments PaymentStore
	events   EventStore
	store    workflow.Store
	live     LiveQuerier
}

func NewStatusAggregator(orders OrderStore, payments PaymentStore, events EventStore, store workflow.Store, live LiveQuerier) *StatusAggregator {
	return &StatusAggregator{
		orders:   orders,
		payments: payments,
		events:   events,
		store:    store,
		live:     live,
	}
}

// OrderStatus returns the merged view for one order. Returns
// domain.ErrOrderNotFound when neither an order row nor a workflow run
// exists for the id.
func (a *StatusAggregator) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	order, err := a.orders.GetByID(ctx, orderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, fmt.Errorf("load order: %w", err)
	}

	run, runErr := a.store.GetRunByKey(ctx, orderID)
	if runErr != nil && !errors.Is(runErr, workflow.ErrRunNotFound) {
		return nil, fmt.Errorf("load workflow run: %w", runErr)
	}

	if order == nil && run == nil {
		return nil, domain.ErrOrderNotFound
	}

	status := &OrderStatus{OrderID: orderID}
	if order != nil {
		status.Status = order.Status
		status.LastError = order.LastError
		status.Address = order.Address
		status.UpdatedAt = order.UpdatedAt

		if payments, err := a.payments.ListByOrder(ctx, orderID); err == nil {
			status.Payments = payments
		}
		if events, err := a.events.Recent(ctx, orderID, 20); err == nil {
			status.Events = events
		}
	}

	if run != nil {
		status.Run = &RunStatus{
			RunID:       run.ID,
			State:       run.State,
			Error:       run.Error,
			StartedAt:   run.StartedAt,
			CompletedAt: run.CompletedAt,
		}
		if run.State == workflow.RunStateRunning && a.live != nil {
			if ls, ok := a.live.LiveState(ctx, orderID); ok {
				status.Live = &LiveStatus{
					CurrentStep:    ls.CurrentStep,
					PendingSignals: ls.PendingSignals,
				}
			}
		}
	}
	return status, nil
}
