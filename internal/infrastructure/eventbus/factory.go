package eventbus

import (
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/infrastructure/dlq"
)

// Option configures the Kafka event bus
type Option func(*kafkaBus)

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(b *kafkaBus) {
		b.policy = policy
	}
}

func WithDeadLetterQueue(d dlq.DLQ) Option {
	return func(b *kafkaBus) {
		b.dlq = d
	}
}

// WithRedeliveryScheduler replaces the in-process timer with a durable scheduler
func WithRedeliveryScheduler(s RedeliveryScheduler) Option {
	return func(b *kafkaBus) {
		b.scheduler = s
	}
}

func WithConsumerWorkers(n int) Option {
	return func(b *kafkaBus) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(b *kafkaBus) {
		b.logger = l.With(logger.Field{Key: "component", Value: "eventbus"})
	}
}

func withClock(now func() time.Time) Option {
	return func(b *kafkaBus) {
		b.now = now
	}
}

func withSleep(sleep sleepFunc) Option {
	return func(b *kafkaBus) {
		b.sleep = sleep
	}
}

// NewEventBus creates a Kafka backed EventBus from the service configuration
func NewEventBus(kafkaCfg configs.KafkaConfig, retryCfg configs.RetryConfig, opts ...Option) EventBus {
	base := []Option{
		WithConsumerWorkers(kafkaCfg.ConsumerWorkers),
		WithRetryPolicy(RetryPolicyFromConfig(retryCfg)),
	}
	return newKafkaBus(kafkaCfg.Brokers, append(base, opts...)...)
}
