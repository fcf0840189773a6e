// Package messaging wraps segmentio/kafka-go with trace-context
// propagation. The producer injects the current span into message headers;
// the consumer extracts it so delivery confirmations join the order's
// trace.
package messaging

// Topics used by the fulfillment pipeline. Lifecycle events fan out on
// TopicOrderEvents; TopicShippingDelivered carries carrier delivery
// confirmations back into the shipping workflow.
const (
	TopicOrderEvents       = "order.events"
	TopicShippingDelivered = "shipping.delivered"
)
