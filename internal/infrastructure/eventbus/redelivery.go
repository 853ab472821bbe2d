package eventbus

import (
	"context"
	"time"

	"booking-saga/internal/common/logger"
)

// DelayedMessage is a message to be written back to its topic after Delay
type DelayedMessage struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
	Delay   time.Duration
}

// RedeliveryScheduler re-enqueues a failed message after a delay.
// The outbox store is the durable implementation.
type RedeliveryScheduler interface {
	ScheduleDelivery(ctx context.Context, msg DelayedMessage) error
}

type rawPublisher interface {
	PublishRaw(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// TimerScheduler redelivers from an in-process timer. Pending redeliveries are
// lost if the process exits, so it is only the fallback when no outbox is wired.
type TimerScheduler struct {
	publisher rawPublisher
	logger    logger.Logger
}

func NewTimerScheduler(publisher rawPublisher, l logger.Logger) *TimerScheduler {
	return &TimerScheduler{publisher: publisher, logger: l}
}

func (s *TimerScheduler) ScheduleDelivery(_ context.Context, msg DelayedMessage) error {
	time.AfterFunc(msg.Delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := s.publisher.PublishRaw(ctx, msg.Topic, msg.Key, msg.Payload, msg.Headers); err != nil {
			s.logger.Error("Failed to redeliver message",
				logger.Field{Key: "topic", Value: msg.Topic},
				logger.Field{Key: "key", Value: msg.Key},
				logger.Field{Key: "error", Value: err},
			)
		}
	})
	return nil
}
