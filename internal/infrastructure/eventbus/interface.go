package eventbus

import (
	"context"

	"booking-saga/internal/domain/events"
)

// Message headers carried by every published event
const (
	HeaderEventID         = "event_id"
	HeaderEventType       = "event_type"
	HeaderOccurredOn      = "occurred_on"
	HeaderRedeliveryCount = "x-redelivery-count"
	HeaderFirstFailureAt  = "x-first-failure-at"
	HeaderRetryGroup      = "x-retry-group"
)

type EventHandler func(ctx context.Context, event events.Event) error

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	// Publish serializes an event and returns once the broker acknowledged the enqueue
	Publish(ctx context.Context, topic string, event events.Event) error
	// PublishRaw writes an already serialized message, used by the outbox dispatcher
	PublishRaw(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
	// Subscribe subscribes to events from a topic (auto-generates consumer group ID)
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	// SubscribeWithGroupID subscribes to events from a topic with a specific consumer group ID
	SubscribeWithGroupID(ctx context.Context, topic, groupID string, handler EventHandler) error
	// Close closes the event bus
	Close() error
}
