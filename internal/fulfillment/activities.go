package fulfillment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/CodeWizarz/FUZE/internal/activity"
	"github.com/CodeWizarz/FUZE/internal/domain"
)

// The activity constructors below return fully-configured invocation
// requests for the executor. Each activity persists its effect and an audit
// event; every one is safe to re-execute, because the workflow layer only
// retries an activity whose completion was never checkpointed.

func (s *Service) orderReceivedActivity(in OrderInput) activity.Activity {
	return activity.Activity{
		Name:    "order-received",
		OrderID: in.OrderID,
		Policy:  s.policy(s.cfg.ReceiveMaxAttempts),
		Fn: func(ctx context.Context) ([]byte, error) {
			now := time.Now().UTC()
			order := &domain.Order{
				ID:          in.OrderID,
				Address:     in.Address,
				Status:      domain.OrderStatusCreated,
				CurrentStep: "order_received",
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.orders.Create(ctx, order); err != nil {
				return nil, err
			}
			if err := s.events.Append(ctx, in.OrderID, domain.EventOrderCreated, map[string]any{
				"address": in.Address,
			}); err != nil {
				return nil, err
			}
			s.logger.Info("order received", "order_id", in.OrderID)
			return []byte("created"), nil
		},
	}
}

func (s *Service) validateOrderActivity(orderID string) activity.Activity {
	return activity.Activity{
		Name:    "validate-order",
		OrderID: orderID,
		Policy:  s.policy(s.cfg.ValidateMaxAttempts),
		Fn: func(ctx context.Context) ([]byte, error) {
			order, err := s.orders.GetByID(ctx, orderID)
			if err != nil {
				return nil, err
			}

			if _, ok := order.Address["zip_code"]; !ok {
				reason := "missing zip_code"
				if evErr := s.events.Append(ctx, orderID, domain.EventValidationFailed, map[string]any{
					"reason": reason,
				}); evErr != nil {
					s.logger.Warn("failed to append validation event", "order_id", orderID, "error", evErr)
				}
				return nil, &domain.ValidationError{Reason: reason}
			}

			if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusValidated, "validation_complete"); err != nil {
				return nil, err
			}
			if err := s.events.Append(ctx, orderID, domain.EventValidationSuccess, nil); err != nil {
				return nil, err
			}
			return []byte("valid"), nil
		},
	}
}

// chargePaymentActivity charges the customer exactly once per token. The
// token routes the invocation through the idempotency ledger, and the
// unique payments.idempotency_key column is the durable backstop.
func (s *Service) chargePaymentActivity(orderID, token string, amountCents int64) activity.Activity {
	return activity.Activity{
		Name:    "charge-payment",
		OrderID: orderID,
		Token:   token,
		Policy:  s.policy(s.cfg.ChargeMaxAttempts),
		Fn: func(ctx context.Context) ([]byte, error) {
			// A recorded payment for this token means a prior attempt got
			// past the gateway but died before the ledger record; return
			// its outcome instead of charging again.
			if existing, err := s.payments.GetByIdempotencyKey(ctx, token); err != nil {
				return nil, err
			} else if existing != nil {
				if existing.Status == domain.PaymentStatusDeclined {
					return nil, &domain.TerminalError{Reason: "payment_declined", Err: domain.ErrPaymentDeclined}
				}
				return []byte(existing.ID), nil
			}

			if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCharging, "processing_payment"); err != nil {
				return nil, err
			}

			outcome, err := s.gateway.Charge(ctx, token, orderID, amountCents)
			if err != nil {
				return nil, err
			}

			payment := &domain.Payment{
				ID:             uuid.New().String(),
				OrderID:        orderID,
				AmountCents:    amountCents,
				IdempotencyKey: token,
				CreatedAt:      time.Now().UTC(),
			}

			if outcome.Declined {
				payment.Status = domain.PaymentStatusDeclined
				if createErr := s.payments.Create(ctx, payment); createErr != nil {
					return nil, createErr
				}
				if evErr := s.events.Append(ctx, orderID, domain.EventPaymentDeclined, map[string]any{
					"reason": outcome.Reason,
				}); evErr != nil {
					s.logger.Warn("failed to append decline event", "order_id", orderID, "error", evErr)
				}
				return nil, &domain.TerminalError{Reason: "payment_declined", Err: domain.ErrPaymentDeclined}
			}

			payment.Status = domain.PaymentStatusSucceeded
			if err := s.payments.Create(ctx, payment); err != nil {
				return nil, err
			}
			if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusPaid, "payment_complete"); err != nil {
				return nil, err
			}
			if err := s.events.Append(ctx, orderID, domain.EventPaymentProcessed, map[string]any{
				"amount_cents": amountCents,
				"payment_id":   payment.ID,
			}); err != nil {
				return nil, err
			}

			s.logger.Info("payment charged", "order_id", orderID, "payment_id", payment.ID, "amount_cents", amountCents)
			return []byte(payment.ID), nil
		},
	}
}

func (s *Service) preparePackageActivity(orderID string) activity.Activity {
	return activity.Activity{
		Name:    "prepare-package",
		OrderID: orderID,
		Policy:  s.policy(s.cfg.PackageMaxAttempts),
		Fn: func(ctx context.Context) ([]byte, error) {
			if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusPackaging, "warehouse_processing"); err != nil {
				return nil, err
			}

			boxID := "box_" + uuid.New().String()[:8]

			if err := s.events.Append(ctx, orderID, domain.EventPackagePrepared, map[string]any{
				"box_id": boxID,
			}); err != nil {
				return nil, err
			}
			return []byte(boxID), nil
		},
	}
}

// bookCarrierActivity books the shipment at most once per order. Booking
// is the one external call with no natural idempotency on the provider
// side, so the ledger token is what closes the crash window between a
// successful booking and its checkpoint.
func (s *Service) bookCarrierActivity(orderID, boxID string) activity.Activity {
	return activity.Activity{
		Name:    "book-carrier",
		OrderID: orderID,
		Token:   "book_" + orderID,
		Policy:  s.policy(s.cfg.BookMaxAttempts),
		Fn: func(ctx context.Context) ([]byte, error) {
			tracking, err := s.carrier.Book(ctx, orderID, boxID)
			if err != nil {
				return nil, err
			}

			if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusShipped, "in_transit"); err != nil {
				return nil, err
			}
			if err := s.events.Append(ctx, orderID, domain.EventOrderShipped, map[string]any{
				"tracking_number": tracking,
				"box_id":          boxID,
			}); err != nil {
				return nil, err
			}
			s.publish(ctx, orderID, map[string]any{
				"order_id": orderID,
				"status":   string(domain.OrderStatusShipped),
				"tracking": tracking,
			})

			s.logger.Info("carrier booked", "order_id", orderID, "tracking_number", tracking)
			return []byte(tracking), nil
		},
	}
}
