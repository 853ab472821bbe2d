package notification

import (
	"context"
	"errors"
	"testing"

	"booking-saga/internal/common/logger"
	commonmetrics "booking-saga/internal/common/metrics"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/dlq"
	errorlogs "booking-saga/internal/infrastructure/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, n Notification) error {
	return m.Called(ctx, n).Error(0)
}

type MockErrorLogStore struct {
	mock.Mock
}

func (m *MockErrorLogStore) PersistDLQEvent(ctx context.Context, e dlq.DLQEvent) (*errorlogs.ErrorLog, error) {
	args := m.Called(ctx, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*errorlogs.ErrorLog), args.Error(1)
}

func (m *MockErrorLogStore) GetUnresolvedErrors(ctx context.Context, limit int) ([]errorlogs.ErrorLog, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]errorlogs.ErrorLog), args.Error(1)
}

func (m *MockErrorLogStore) MarkAsResolved(ctx context.Context, errorID string) error {
	return m.Called(ctx, errorID).Error(0)
}

func confirmed() events.Event {
	return events.NewBaseEvent("evt-1", events.TypeBookingConfirmed, "corr-1", events.BookingConfirmedData{
		BookingID: "B1", PaymentID: "pay-1", CustomerID: "cust-1",
	}, events.EventMetadata{})
}

func TestService_HandleBookingConfirmed(t *testing.T) {
	ctx := context.Background()

	t.Run("Sends notification", func(t *testing.T) {
		sender := new(MockSender)
		mc := commonmetrics.NewInMemoryCollector()
		svc := NewService(sender, nil, mc, logger.NewNopLogger())

		sender.On("Send", ctx, mock.MatchedBy(func(n Notification) bool {
			return n.BookingID == "B1" && n.CustomerID == "cust-1"
		})).Return(nil)

		assert.NoError(t, svc.HandleEvent(ctx, confirmed()))
		assert.Equal(t, int64(1), mc.GetCounter(MetricBookingsConfirmed))
		assert.Equal(t, int64(1), mc.GetCounter(MetricNotificationsSent))
		sender.AssertExpectations(t)
	})

	t.Run("Send failure is swallowed", func(t *testing.T) {
		sender := new(MockSender)
		mc := commonmetrics.NewInMemoryCollector()
		svc := NewService(sender, nil, mc, logger.NewNopLogger())

		sender.On("Send", ctx, mock.Anything).Return(errors.New("smtp down"))

		assert.NoError(t, svc.HandleEvent(ctx, confirmed()))
		assert.Equal(t, int64(1), mc.GetCounter(MetricNotificationsFailed))
	})
}

func TestService_HandleBookingCancelled(t *testing.T) {
	ctx := context.Background()
	sender := new(MockSender)
	mc := commonmetrics.NewInMemoryCollector()
	svc := NewService(sender, nil, mc, logger.NewNopLogger())

	sender.On("Send", ctx, mock.MatchedBy(func(n Notification) bool {
		return n.BookingID == "B2" && n.Body == "Booking B2 was cancelled: payment failed."
	})).Return(nil)

	cancelled := events.NewBaseEvent("evt-2", events.TypeBookingCancelled, "corr-2", events.BookingCancelledData{
		BookingID: "B2", Reason: "payment failed",
	}, events.EventMetadata{})

	assert.NoError(t, svc.HandleEvent(ctx, cancelled))
	assert.Equal(t, int64(1), mc.GetCounter(MetricBookingsCancelled))
	sender.AssertExpectations(t)
}

func TestService_HandleDLQEvent(t *testing.T) {
	ctx := context.Background()
	dead := dlq.DLQEvent{DLQEventID: "dlq_1", FailureReason: "saga not found", OriginalTopic: "booking.saga.replies.v1"}

	t.Run("Persists and counts", func(t *testing.T) {
		store := new(MockErrorLogStore)
		mc := commonmetrics.NewInMemoryCollector()
		svc := NewService(new(MockSender), store, mc, logger.NewNopLogger())

		store.On("PersistDLQEvent", ctx, dead).Return(&errorlogs.ErrorLog{ErrorID: "err-1"}, nil)

		assert.NoError(t, svc.HandleDLQEvent(ctx, dead))
		assert.Equal(t, int64(1), mc.GetCounter(MetricDLQEvents))
		assert.Equal(t, int64(1), mc.GetCounter("dlq_events_booking.saga.replies.v1_total"))
		store.AssertExpectations(t)
	})

	t.Run("Persist failure is counted", func(t *testing.T) {
		store := new(MockErrorLogStore)
		mc := commonmetrics.NewInMemoryCollector()
		svc := NewService(new(MockSender), store, mc, logger.NewNopLogger())

		store.On("PersistDLQEvent", ctx, dead).Return(nil, errors.New("db down"))

		assert.NoError(t, svc.HandleDLQEvent(ctx, dead))
		assert.Equal(t, int64(1), mc.GetCounter(MetricDLQPersistFailures))
	})
}
