// Package orders persists the durable fulfillment facts: order rows,
// payment rows, and the append-only event log.
package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CodeWizarz/FUZE/internal/domain"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order row. Idempotent on order id: re-executing the
// insert for an existing order is a no-op, so the order-received activity
// can be retried safely.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	address, err := json.Marshal(order.Address)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (id, address, status, current_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, order.ID, address, order.Status, order.CurrentStep, order.CreatedAt)
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order := &domain.Order{}
	var address []byte
	var currentStep, lastError sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, address, status, current_step, last_error, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &address, &order.Status, &currentStep, &lastError, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.Transient(err)
	}

	if len(address) > 0 {
		if err := json.Unmarshal(address, &order.Address); err != nil {
			return nil, fmt.Errorf("unmarshal address: %w", err)
		}
	}
	order.CurrentStep = currentStep.String
	order.LastError = lastError.String
	return order, nil
}

// UpdateStatus advances the order's lifecycle status and step. Terminal
// statuses are immutable: an update against one affects zero rows and is
// reported as a conflict rather than silently overwriting the outcome.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, step string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, current_step = $2, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5, $6)
	`, status, step, id,
		domain.OrderStatusCompleted, domain.OrderStatusFailed, domain.OrderStatusCancelled)
	if err != nil {
		return domain.Transient(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Transient(err)
	}
	if affected == 0 {
		return fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	return nil
}

// SetError records a terminal failure reason alongside the status change.
func (r *OrderRepository) SetError(ctx context.Context, id string, status domain.OrderStatus, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, status, reason, id)
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

// UpdateAddress replaces the shipping address. Only valid before charging;
// the workflow enforces that window.
func (r *OrderRepository) UpdateAddress(ctx context.Context, id string, address domain.Address) error {
	data, err := json.Marshal(address)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE orders SET address = $1, updated_at = NOW()
		WHERE id = $2
	`, data, id)
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// GetByIdempotencyKey returns the recorded payment for a key, or nil when
// no charge with that key has been recorded.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	p := &domain.Payment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount_cents, status, idempotency_key, created_at
		FROM payments
		WHERE idempotency_key = $1
	`, key).Scan(&p.ID, &p.OrderID, &p.AmountCents, &p.Status, &p.IdempotencyKey, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, domain.Transient(err)
	}
	return p, nil
}

// Create records a charge outcome. The unique constraint on
// idempotency_key backs the at-most-one-successful-charge invariant.
func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount_cents, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.OrderID, p.AmountCents, p.Status, p.IdempotencyKey, p.CreatedAt)
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

// ListByOrder returns all payments recorded for the order, oldest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, amount_cents, status, idempotency_key, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, domain.Transient(err)
	}
	defer func() { _ = rows.Close() }()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.AmountCents, &p.Status, &p.IdempotencyKey, &p.CreatedAt); err != nil {
			return nil, domain.Transient(err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(err)
	}
	return payments, nil
}

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append writes one event log entry. The log is append-only; there is no
// update or delete path.
func (r *EventRepository) Append(ctx context.Context, orderID string, kind domain.EventKind, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO events (id, order_id, kind, payload, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), orderID, kind, data, time.Now().UTC())
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

// Recent returns the latest events for the order, newest first.
func (r *EventRepository) Recent(ctx context.Context, orderID string, limit int) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, kind, payload, ts
		FROM events
		WHERE order_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, orderID, limit)
	if err != nil {
		return nil, domain.Transient(err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Kind, &payload, &e.Timestamp); err != nil {
			return nil, domain.Transient(err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(err)
	}
	return events, nil
}
