package saga

import (
	"booking-saga/internal/common/configs"
	"booking-saga/internal/domain/events"
)

// routes maps every event type to the topic it is published on
var routes = map[string]string{
	events.TypeBookingCreated:               configs.TopicBookingEvents,
	events.TypeBookingConfirmed:             configs.TopicBookingEvents,
	events.TypeBookingCancelled:             configs.TopicBookingEvents,
	events.TypeBookingCancellationRequested: configs.TopicSagaReplies,

	events.TypeReserveInventory: configs.TopicInventoryCommands,
	events.TypeReleaseInventory: configs.TopicInventoryCommands,
	events.TypeCapturePayment:   configs.TopicPaymentCommands,
	events.TypeRefundPayment:    configs.TopicPaymentCommands,

	events.TypeInventoryReserved:          configs.TopicSagaReplies,
	events.TypeInventoryReservationFailed: configs.TopicSagaReplies,
	events.TypeInventoryReleased:          configs.TopicSagaReplies,
	events.TypePaymentConfirmed:           configs.TopicSagaReplies,
	events.TypePaymentFailed:              configs.TopicSagaReplies,
	events.TypePaymentRefunded:            configs.TopicSagaReplies,
}

func TopicFor(eventType string) (string, bool) {
	topic, ok := routes[eventType]
	return topic, ok
}

// ConsumedTopics are the topics the orchestrator subscribes to
func ConsumedTopics() []string {
	return []string{configs.TopicBookingEvents, configs.TopicSagaReplies}
}
