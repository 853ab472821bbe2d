package outbox

import (
	"context"
	"errors"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
)

var ErrDispatcherNotConfigured = errors.New("outbox: dispatcher missing dependencies")

// Publisher writes already serialized messages to the broker
type Publisher interface {
	PublishRaw(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

type messageStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error
}

// Dispatcher relays committed outbox rows to the event bus
type Dispatcher struct {
	store     messageStore
	publisher Publisher
	logger    logger.Logger
	interval  time.Duration
	batchSize int
	backoff   []time.Duration
	now       func() time.Time
}

func NewDispatcher(store messageStore, publisher Publisher, cfg configs.OutboxConfig, l logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    l.With(logger.Field{Key: "component", Value: "outbox-dispatcher"}),
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		backoff:   []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, time.Minute},
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.store == nil || d.publisher == nil {
		return ErrDispatcherNotConfigured
	}

	ticker := time.NewTicker(d.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Outbox dispatch failed", logger.Field{Key: "error", Value: err})
			}
		}
	}
}

// DispatchOnce publishes one batch and returns how many messages were sent
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.store.ClaimBatch(ctx, d.limit())
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, m := range msgs {
		headers, err := m.Headers()
		if err != nil {
			d.fail(ctx, m, err)
			continue
		}

		if err := d.publisher.PublishRaw(ctx, m.Topic, m.Key, m.Payload, headers); err != nil {
			d.fail(ctx, m, err)
			continue
		}

		if err := d.store.MarkProcessed(ctx, m.ID); err != nil {
			// published but not marked: the lease expires and the message goes out again
			d.logger.Error("Failed to mark outbox message processed",
				logger.Field{Key: "message_id", Value: m.ID},
				logger.Field{Key: "error", Value: err},
			)
			continue
		}
		sent++
	}

	return sent, nil
}

func (d *Dispatcher) fail(ctx context.Context, m Message, cause error) {
	d.logger.Warn("Outbox publish failed",
		logger.Field{Key: "message_id", Value: m.ID},
		logger.Field{Key: "topic", Value: m.Topic},
		logger.Field{Key: "attempts", Value: m.Attempts + 1},
		logger.Field{Key: "error", Value: cause},
	)
	if err := d.store.MarkFailed(ctx, m.ID, d.nextRetry(m.Attempts), cause.Error()); err != nil {
		d.logger.Error("Failed to mark outbox message failed",
			logger.Field{Key: "message_id", Value: m.ID},
			logger.Field{Key: "error", Value: err},
		)
	}
}

func (d *Dispatcher) nextRetry(attempts int) time.Time {
	if attempts < len(d.backoff) {
		return d.now().Add(d.backoff[attempts])
	}
	return d.now().Add(d.backoff[len(d.backoff)-1])
}

func (d *Dispatcher) pollInterval() time.Duration {
	if d.interval <= 0 {
		return 500 * time.Millisecond
	}
	return d.interval
}

func (d *Dispatcher) limit() int {
	if d.batchSize <= 0 {
		return 50
	}
	return d.batchSize
}
