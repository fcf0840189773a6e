package domain

import "time"

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusValidated OrderStatus = "validated"
	OrderStatusCharging  OrderStatus = "charging"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusPackaging OrderStatus = "packaging"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// Address is the shipping destination. Carried as a free-form document;
// validation only requires a zip code.
type Address map[string]any

type Order struct {
	ID          string      `json:"id"`
	Address     Address     `json:"address"`
	Status      OrderStatus `json:"status"`
	CurrentStep string      `json:"current_step,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusDeclined  PaymentStatus = "declined"
)

// Payment records a single charge outcome. The idempotency key is unique:
// at most one successful charge is ever recorded per key, and repeated
// attempts with the same key return the recorded outcome.
type Payment struct {
	ID             string        `json:"id"`
	OrderID        string        `json:"order_id"`
	AmountCents    int64         `json:"amount_cents"`
	Status         PaymentStatus `json:"status"`
	IdempotencyKey string        `json:"idempotency_key"`
	CreatedAt      time.Time     `json:"created_at"`
}
