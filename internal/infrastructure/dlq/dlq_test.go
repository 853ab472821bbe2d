package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failedCapture(t *testing.T) (events.Event, []byte) {
	t.Helper()
	event := events.NewReply(events.TypeCapturePayment, "corr-1", events.CapturePaymentData{
		BookingID:      "B1",
		Amount:         100,
		Currency:       "USD",
		IdempotencyKey: "corr-1:capture",
	}, nil)
	payload, err := events.Marshal(event)
	require.NoError(t, err)
	return event, payload
}

func TestToMessage_TagsQueueTTLAndMode(t *testing.T) {
	event, payload := failedCapture(t)
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	msg := toMessage(DLQEvent{
		OriginalEvent:  event,
		Payload:        payload,
		Key:            "corr-1",
		Headers:        map[string]string{"event_type": events.TypeCapturePayment},
		FailureReason:  "gateway unavailable",
		FailureCount:   7,
		FirstFailureAt: first,
		LastAttemptAt:  first.Add(50 * time.Minute),
		ConsumerGroup:  "payment-service",
		OriginalTopic:  configs.TopicPaymentCommands,
	})

	assert.Equal(t, "payment.commands.v1_error", msg.Topic)
	assert.Equal(t, []byte("corr-1"), msg.Key)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "86400000", headers[HeaderMessageTTL])
	assert.Equal(t, "lazy", headers[HeaderQueueMode])
	assert.Equal(t, "7", headers[HeaderFailureCount])
	assert.Equal(t, events.TypeCapturePayment, headers["event_type"])
	assert.NotEmpty(t, headers[HeaderDLQEventID])

	back := fromMessage(msg)
	assert.Equal(t, "gateway unavailable", back.FailureReason)
	assert.Equal(t, 7, back.FailureCount)
	assert.Equal(t, configs.TopicPaymentCommands, back.OriginalTopic)
	assert.True(t, first.Equal(back.FirstFailureAt))
	assert.Equal(t, map[string]string{"event_type": events.TypeCapturePayment}, back.Headers)
	require.NotNil(t, back.OriginalEvent)
	assert.Equal(t, event.ID(), back.OriginalEvent.ID())
}

func TestFromMessage_KeepsUndecodablePayload(t *testing.T) {
	msg := toMessage(DLQEvent{Payload: []byte("not json"), OriginalTopic: configs.TopicSagaReplies})

	back := fromMessage(msg)
	assert.Nil(t, back.OriginalEvent)
	assert.Equal(t, []byte("not json"), back.Payload)
}

func TestMemoryDLQ_DeliversToQueueSubscribers(t *testing.T) {
	d := NewMemoryDLQ()
	ctx := context.Background()

	var got []DLQEvent
	require.NoError(t, d.Subscribe(ctx, configs.TopicPaymentCommands, "monitor", func(_ context.Context, e DLQEvent) error {
		got = append(got, e)
		return nil
	}))

	event, payload := failedCapture(t)
	require.NoError(t, d.Publish(ctx, DLQEvent{OriginalEvent: event, Payload: payload, OriginalTopic: configs.TopicPaymentCommands}))
	require.NoError(t, d.Publish(ctx, DLQEvent{Payload: payload, OriginalTopic: configs.TopicInventoryCommands}))

	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].DLQEventID)
	assert.Len(t, d.GetEvents(), 2)

	require.NoError(t, d.Close())
	assert.Error(t, d.Publish(ctx, DLQEvent{OriginalTopic: configs.TopicPaymentCommands}))
}

func TestKafkaDLQ_HandlerFailureIsRetriedInPlace(t *testing.T) {
	d := NewKafkaDLQ([]string{"localhost:9092"}, logger.NewNopLogger())
	var backoffs []time.Duration
	d.sleep = func(_ context.Context, wait time.Duration) error {
		backoffs = append(backoffs, wait)
		return nil
	}

	calls := 0
	err := d.handle(context.Background(), func(context.Context, DLQEvent) error {
		calls++
		if calls < 3 {
			return errors.New("error log store down")
		}
		return nil
	}, DLQEvent{DLQEventID: "dlq-1"})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, backoffs)
}

func TestKafkaDLQ_HandlerGivesUpOnShutdown(t *testing.T) {
	d := NewKafkaDLQ([]string{"localhost:9092"}, logger.NewNopLogger())
	d.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	err := d.handle(context.Background(), func(context.Context, DLQEvent) error {
		return errors.New("error log store down")
	}, DLQEvent{DLQEventID: "dlq-1"})

	assert.ErrorIs(t, err, context.Canceled)
}
