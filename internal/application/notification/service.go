package notification

import (
	"context"
	"fmt"

	"booking-saga/internal/common/logger"
	commonmetrics "booking-saga/internal/common/metrics"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/dlq"
	"booking-saga/internal/infrastructure/errors"
)

const (
	MetricBookingsConfirmed   = "bookings_confirmed_total"
	MetricBookingsCancelled   = "bookings_cancelled_total"
	MetricNotificationsSent   = "notifications_sent_total"
	MetricNotificationsFailed = "notifications_failed_total"
	MetricDLQEvents           = "dlq_events_total"
	MetricDLQPersistFailures  = "dlq_persist_failures_total"
)

type Notification struct {
	BookingID  string
	CustomerID string
	TenantID   string
	Subject    string
	Body       string
}

// Sender delivers a notification to the customer
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// ErrorLogStore is the error_logs table as seen by the dead-letter monitor
type ErrorLogStore interface {
	PersistDLQEvent(ctx context.Context, e dlq.DLQEvent) (*errors.ErrorLog, error)
	GetUnresolvedErrors(ctx context.Context, limit int) ([]errors.ErrorLog, error)
	MarkAsResolved(ctx context.Context, errorID string) error
}

// Service sends booking outcome notifications and records dead letters
type Service struct {
	sender   Sender
	dbErrors ErrorLogStore
	metrics  commonmetrics.Collector
	logger   logger.Logger
}

func NewService(sender Sender, dbErrors ErrorLogStore, m commonmetrics.Collector, l logger.Logger) *Service {
	return &Service{
		sender:   sender,
		dbErrors: dbErrors,
		metrics:  m,
		logger:   l.With(logger.Field{Key: "component", Value: "notification-service"}),
	}
}

// HandleEvent never fails: a notification that cannot be sent is logged and dropped
func (s *Service) HandleEvent(ctx context.Context, event events.Event) error {
	switch event.Type() {
	case events.TypeBookingConfirmed:
		return s.HandleBookingConfirmed(ctx, event)
	case events.TypeBookingCancelled:
		return s.HandleBookingCancelled(ctx, event)
	default:
		return nil
	}
}

func (s *Service) HandleBookingConfirmed(ctx context.Context, event events.Event) error {
	s.metrics.IncrementCounter(MetricBookingsConfirmed)

	data, ok := event.Data().(events.BookingConfirmedData)
	if !ok {
		s.logger.Error("Unexpected BookingConfirmed payload", logger.Field{Key: "data_type", Value: fmt.Sprintf("%T", event.Data())})
		return nil
	}

	s.dispatch(ctx, event, Notification{
		BookingID:  data.BookingID,
		CustomerID: data.CustomerID,
		TenantID:   data.TenantID,
		Subject:    "Your booking is confirmed",
		Body:       fmt.Sprintf("Booking %s is confirmed. Payment reference %s.", data.BookingID, data.PaymentID),
	})
	return nil
}

func (s *Service) HandleBookingCancelled(ctx context.Context, event events.Event) error {
	s.metrics.IncrementCounter(MetricBookingsCancelled)

	data, ok := event.Data().(events.BookingCancelledData)
	if !ok {
		s.logger.Error("Unexpected BookingCancelled payload", logger.Field{Key: "data_type", Value: fmt.Sprintf("%T", event.Data())})
		return nil
	}

	s.dispatch(ctx, event, Notification{
		BookingID:  data.BookingID,
		CustomerID: data.CustomerID,
		TenantID:   data.TenantID,
		Subject:    "Your booking was cancelled",
		Body:       fmt.Sprintf("Booking %s was cancelled: %s.", data.BookingID, data.Reason),
	})
	return nil
}

func (s *Service) dispatch(ctx context.Context, event events.Event, n Notification) {
	if err := s.sender.Send(ctx, n); err != nil {
		s.metrics.IncrementCounter(MetricNotificationsFailed)
		s.logger.Error("Failed to send notification",
			logger.Field{Key: "booking_id", Value: n.BookingID},
			logger.Field{Key: "event_type", Value: event.Type()},
			logger.Field{Key: "error", Value: err},
		)
		return
	}
	s.metrics.IncrementCounter(MetricNotificationsSent)
}

func (s *Service) HandleDLQEvent(ctx context.Context, dlqEvent dlq.DLQEvent) error {
	errorType := errors.ClassifyErrorType(dlqEvent.FailureReason)
	s.metrics.IncrementCounter(MetricDLQEvents)
	s.metrics.IncrementCounter("dlq_events_" + dlqEvent.OriginalTopic + "_total")

	s.logger.Warn("Processing DLQ event",
		logger.Field{Key: "dlq_event_id", Value: dlqEvent.DLQEventID},
		logger.Field{Key: "queue", Value: dlqEvent.Queue()},
		logger.Field{Key: "error_type", Value: errorType},
		logger.Field{Key: "failure_reason", Value: dlqEvent.FailureReason},
	)

	if s.dbErrors == nil {
		return nil
	}
	entry, err := s.dbErrors.PersistDLQEvent(ctx, dlqEvent)
	if err != nil {
		s.metrics.IncrementCounter(MetricDLQPersistFailures)
		s.logger.Error("Failed to persist DLQ event to error_logs",
			logger.Field{Key: "error", Value: err},
			logger.Field{Key: "dlq_event_id", Value: dlqEvent.DLQEventID},
		)
		return nil
	}

	s.logger.Info("DLQ event persisted to error_logs",
		logger.Field{Key: "dlq_event_id", Value: dlqEvent.DLQEventID},
		logger.Field{Key: "error_id", Value: entry.ErrorID},
		logger.Field{Key: "booking_id", Value: entry.BookingID},
	)
	return nil
}

func (s *Service) UnresolvedErrors(ctx context.Context, limit int) ([]errors.ErrorLog, error) {
	return s.dbErrors.GetUnresolvedErrors(ctx, limit)
}

func (s *Service) ResolveError(ctx context.Context, errorID string) error {
	return s.dbErrors.MarkAsResolved(ctx, errorID)
}

func (s *Service) Metrics() map[string]int64 {
	return s.metrics.Snapshot()
}

// LogSender writes notifications to the service log instead of a mail provider
type LogSender struct {
	logger logger.Logger
}

func NewLogSender(l logger.Logger) *LogSender {
	return &LogSender{logger: l}
}

func (ls *LogSender) Send(_ context.Context, n Notification) error {
	ls.logger.Info("Notification sent",
		logger.Field{Key: "booking_id", Value: n.BookingID},
		logger.Field{Key: "customer_id", Value: n.CustomerID},
		logger.Field{Key: "subject", Value: n.Subject},
	)
	return nil
}
