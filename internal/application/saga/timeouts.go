package saga

import (
	"context"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/domain/saga"
	"booking-saga/internal/infrastructure/sagastore"
)

type eventHandler interface {
	HandleEvent(ctx context.Context, event events.Event) error
}

type timeoutRule struct {
	state     saga.SagaState
	after     time.Duration
	eventType string
}

// TimeoutWatcher raises timeout events for sagas stuck waiting on a collaborator
type TimeoutWatcher struct {
	repo      sagastore.Repository
	handler   eventHandler
	rules     []timeoutRule
	interval  time.Duration
	batchSize int
	logger    logger.Logger
	now       func() time.Time
}

func NewTimeoutWatcher(repo sagastore.Repository, handler eventHandler, cfg configs.SagaConfig, l logger.Logger) *TimeoutWatcher {
	return &TimeoutWatcher{
		repo:    repo,
		handler: handler,
		rules: []timeoutRule{
			{state: saga.SagaStarted, after: cfg.ReservationTimeout, eventType: events.TypeInventoryReservationTimedOut},
			{state: saga.SagaPaymentPending, after: cfg.PaymentTimeout, eventType: events.TypePaymentCaptureTimedOut},
		},
		interval:  cfg.ScanInterval,
		batchSize: cfg.ScanBatchSize,
		logger:    l.With(logger.Field{Key: "component", Value: "saga-timeout-watcher"}),
		now:       time.Now,
	}
}

func (w *TimeoutWatcher) Run(ctx context.Context) error {
	interval := w.interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.ScanOnce(ctx); err != nil {
				w.logger.Error("Timeout scan failed", logger.Field{Key: "error", Value: err})
			}
		}
	}
}

// ScanOnce feeds one timeout event per stale saga through the orchestrator and
// returns how many were applied. The event id is stable per saga, so a saga
// found again before its timeout commits is deduplicated downstream.
func (w *TimeoutWatcher) ScanOnce(ctx context.Context) (int, error) {
	now := w.now().UTC()
	raised := 0

	for _, rule := range w.rules {
		if rule.after <= 0 {
			continue
		}

		stale, err := w.repo.FindStale(ctx, rule.state, now.Add(-rule.after), w.batchSize)
		if err != nil {
			return raised, err
		}

		for _, s := range stale {
			deadline := s.UpdatedAt().Add(rule.after)
			event := events.NewTimeout(rule.eventType, s.CorrelationID(), s.BookingID(), deadline)

			if err := w.handler.HandleEvent(ctx, event); err != nil {
				w.logger.Error("Failed to apply timeout",
					logger.Field{Key: "correlation_id", Value: s.CorrelationID()},
					logger.Field{Key: "event_type", Value: rule.eventType},
					logger.Field{Key: "error", Value: err},
				)
				continue
			}

			w.logger.Warn("Saga timed out",
				logger.Field{Key: "correlation_id", Value: s.CorrelationID()},
				logger.Field{Key: "state", Value: string(rule.state)},
				logger.Field{Key: "deadline", Value: deadline.Format(time.RFC3339)},
			)
			raised++
		}
	}
	return raised, nil
}
