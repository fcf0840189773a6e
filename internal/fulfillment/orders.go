package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// orderWorkflow is the parent state machine:
//
//	Received → AwaitingApproval → Charging → Shipping → Completed
//
// with Failed(reason) reachable from any non-terminal state on a terminal
// error and Cancelled on cooperative cancellation. Each transition is a
// checkpointed step, so a resumed run replays to the exact suspension point
// without repeating side effects.
func (s *Service) orderWorkflow(wf *workflow.Workflow, in OrderInput) (OrderResult, error) {
	result, err := s.runOrder(wf, in)
	if err != nil {
		s.recordOrderOutcome(wf.Context(), in.OrderID, err)
		return OrderResult{}, err
	}
	return result, nil
}

func (s *Service) runOrder(wf *workflow.Workflow, in OrderInput) (OrderResult, error) {
	orderID := in.OrderID

	// Received: persist the order row before anything else, so the durable
	// record exists even if this process dies immediately after.
	if err := wf.Step("order-received", func(ctx context.Context) error {
		_, err := s.exec.Run(ctx, s.orderReceivedActivity(in))
		return err
	}); err != nil {
		return OrderResult{}, err
	}

	if err := wf.Step("validate-order", func(ctx context.Context) error {
		_, err := s.exec.Run(ctx, s.validateOrderActivity(orderID))
		return err
	}); err != nil {
		return OrderResult{}, err
	}

	// AwaitingApproval: suspend until a human approves. The loop consumes
	// address updates delivered while waiting; each iteration checkpoints
	// under its own step name so replay is deterministic.
	for i := 0; ; i++ {
		sig, err := wf.WaitForAnySignal(
			fmt.Sprintf("await-approval#%d", i),
			[]string{SignalApprove, SignalUpdateAddress},
			s.cfg.ApprovalTimeout,
		)
		if errors.Is(err, workflow.ErrWaitTimeout) {
			return OrderResult{}, &domain.TerminalError{Reason: "approval_timeout"}
		}
		if err != nil {
			return OrderResult{}, err
		}

		if sig.Name == SignalApprove {
			break
		}

		// Address updates are only honored before charging begins; this
		// wait point is always before charging, so apply unconditionally.
		var update struct {
			NewAddress domain.Address `json:"new_address"`
		}
		if jsonErr := json.Unmarshal(sig.Payload, &update); jsonErr != nil {
			s.logger.Warn("discarding malformed address update", "order_id", orderID, "error", jsonErr)
			continue
		}
		if stepErr := wf.Step(fmt.Sprintf("update-address#%d", i), func(ctx context.Context) error {
			return s.orders.UpdateAddress(ctx, orderID, update.NewAddress)
		}); stepErr != nil {
			return OrderResult{}, stepErr
		}
	}

	// Charging: idempotent on the payment token, so the unbounded-by-default
	// retry policy can never double-charge.
	token := in.PaymentToken
	if token == "" {
		token = PaymentToken(orderID)
	}
	amount := in.AmountCents
	if amount <= 0 {
		amount = 1000
	}

	paymentID, err := workflow.StepWithResult(wf, "charge-payment", func(ctx context.Context) (string, error) {
		out, execErr := s.exec.Run(ctx, s.chargePaymentActivity(orderID, token, amount))
		if execErr != nil {
			return "", execErr
		}
		return string(out), nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	// Shipping: a child workflow owns carrier interaction. The parent
	// suspends on its terminal state; a cancellation request against the
	// parent is forwarded to the child, which always observes it first.
	shipping, err := workflow.RunChild[ShippingResult](
		wf, ShippingWorkflowName, ShippingKey(orderID), ShippingInput{OrderID: orderID})
	if err != nil {
		var childErr *workflow.ErrChildFailed
		if errors.As(err, &childErr) {
			return OrderResult{}, &domain.TerminalError{Reason: "shipping_failed", Err: err}
		}
		return OrderResult{}, err
	}

	if err := wf.Step("complete-order", func(ctx context.Context) error {
		if updErr := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCompleted, "completed"); updErr != nil {
			return updErr
		}
		if evErr := s.events.Append(ctx, orderID, domain.EventOrderCompleted, map[string]any{
			"tracking_number": shipping.TrackingNumber,
		}); evErr != nil {
			s.logger.Warn("failed to append completion event", "order_id", orderID, "error", evErr)
		}
		s.publish(ctx, orderID, map[string]any{
			"order_id": orderID,
			"status":   string(domain.OrderStatusCompleted),
			"tracking": shipping.TrackingNumber,
		})
		return nil
	}); err != nil {
		return OrderResult{}, err
	}

	return OrderResult{PaymentID: paymentID, TrackingNumber: shipping.TrackingNumber}, nil
}

// recordOrderOutcome persists the terminal failure or cancellation on the
// order row so status queries keep returning the reason after the run is
// archived. Idempotent; best-effort because the run's own terminal state is
// already durable in the workflow store.
func (s *Service) recordOrderOutcome(ctx context.Context, orderID string, cause error) {
	var (
		status domain.OrderStatus
		kind   domain.EventKind
		reason string
	)
	switch {
	case errors.Is(cause, workflow.ErrCancelled):
		status, kind, reason = domain.OrderStatusCancelled, domain.EventOrderCancelled, "cancelled"
	default:
		status, kind, reason = domain.OrderStatusFailed, domain.EventOrderFailed, failureReason(cause)
	}

	if err := s.orders.SetError(ctx, orderID, status, reason); err != nil {
		s.logger.Error("failed to record terminal order state",
			"order_id", orderID, "status", string(status), "error", err)
	}
	if err := s.events.Append(ctx, orderID, kind, map[string]any{"reason": reason}); err != nil {
		s.logger.Warn("failed to append terminal event", "order_id", orderID, "error", err)
	}
	s.publish(ctx, orderID, map[string]any{
		"order_id": orderID,
		"status":   string(status),
		"reason":   reason,
	})
}

// failureReason maps the error taxonomy onto the stable reason strings
// surfaced by status queries.
func failureReason(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return "validation"
	}
	var te *domain.TerminalError
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}
