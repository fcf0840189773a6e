package fulfillment

import (
	"context"
	"errors"

	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// shippingWorkflow is the child state machine:
//
//	Dispatching → InTransit → Delivered
//
// with Failed and Cancelled as terminal alternatives. Cancellation is
// cooperative: it is honored between steps, never mid-carrier-call. A
// physical shipment cannot be forcibly aborted, so a cancel request that
// arrives after booking waits for the current step to finish.
func (s *Service) shippingWorkflow(wf *workflow.Workflow, in ShippingInput) (ShippingResult, error) {
	orderID := in.OrderID

	boxID, err := workflow.StepWithResult(wf, "prepare-package", func(ctx context.Context) (string, error) {
		out, execErr := s.exec.Run(ctx, s.preparePackageActivity(orderID))
		if execErr != nil {
			return "", execErr
		}
		return string(out), nil
	})
	if err != nil {
		return ShippingResult{}, err
	}

	tracking, err := workflow.StepWithResult(wf, "book-carrier", func(ctx context.Context) (string, error) {
		out, execErr := s.exec.Run(ctx, s.bookCarrierActivity(orderID, boxID))
		if execErr != nil {
			return "", execErr
		}
		return string(out), nil
	})
	if err != nil {
		return ShippingResult{}, err
	}

	// InTransit: suspend until the carrier integration confirms delivery.
	// The confirmation arrives as a signal fed by the shipping.delivered
	// topic consumer; it may land before this wait point is reached and is
	// buffered until consumed.
	_, err = wf.WaitForSignal("await-delivery", SignalDeliveryConfirmed, s.cfg.DeliveryTimeout)
	if errors.Is(err, workflow.ErrWaitTimeout) {
		return ShippingResult{}, &domain.TerminalError{Reason: "delivery_timeout"}
	}
	if err != nil {
		return ShippingResult{}, err
	}

	if err := wf.Step("record-delivered", func(ctx context.Context) error {
		return s.events.Append(ctx, orderID, domain.EventOrderDelivered, map[string]any{
			"tracking_number": tracking,
		})
	}); err != nil {
		return ShippingResult{}, err
	}

	return ShippingResult{BoxID: boxID, TrackingNumber: tracking}, nil
}
