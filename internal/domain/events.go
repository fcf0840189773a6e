package domain

import "time"

type EventKind string

const (
	EventOrderCreated      EventKind = "ORDER_CREATED"
	EventValidationSuccess EventKind = "VALIDATION_SUCCESS"
	EventValidationFailed  EventKind = "VALIDATION_FAILED"
	EventPaymentProcessed  EventKind = "PAYMENT_PROCESSED"
	EventPaymentDeclined   EventKind = "PAYMENT_DECLINED"
	EventPackagePrepared   EventKind = "PACKAGE_PREPARED"
	EventOrderShipped      EventKind = "ORDER_SHIPPED"
	EventOrderDelivered    EventKind = "ORDER_DELIVERED"
	EventOrderCompleted    EventKind = "ORDER_COMPLETED"
	EventOrderFailed       EventKind = "ORDER_FAILED"
	EventOrderCancelled    EventKind = "ORDER_CANCELLED"
	EventActivityAttempt   EventKind = "ACTIVITY_ATTEMPT"
)

// Event is an append-only audit log entry. Events are written by activities
// as a side effect of workflow progress and are never mutated or deleted.
type Event struct {
	ID        string         `json:"id"`
	OrderID   string         `json:"order_id"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeliveryConfirmedEvent is the message published to the shipping.delivered
// topic by the carrier integration once a shipment reaches its destination.
type DeliveryConfirmedEvent struct {
	OrderID        string    `json:"order_id"`
	TrackingNumber string    `json:"tracking_number"`
	Timestamp      time.Time `json:"timestamp"`
}
