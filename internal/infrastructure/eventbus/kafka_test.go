package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/dlq"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDLQ struct {
	mock.Mock
}

func (m *MockDLQ) Publish(ctx context.Context, event dlq.DLQEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDLQ) Subscribe(ctx context.Context, queue, groupID string, handler dlq.DLQHandler) error {
	return nil
}

func (m *MockDLQ) Close() error {
	return nil
}

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) ScheduleDelivery(ctx context.Context, msg DelayedMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBus(scheduler RedeliveryScheduler, deadLetters dlq.DLQ) *kafkaBus {
	return newKafkaBus([]string{"localhost:9092"},
		WithRedeliveryScheduler(scheduler),
		WithDeadLetterQueue(deadLetters),
		withSleep(func(context.Context, time.Duration) error { return nil }),
		withClock(func() time.Time { return fixedNow }),
	)
}

func testMessage(t *testing.T, headers map[string]string) kafka.Message {
	t.Helper()
	event := testEvent()
	payload, err := events.Marshal(event)
	require.NoError(t, err)

	h := EventHeaders(event)
	for k, v := range headers {
		h[k] = v
	}
	return kafka.Message{
		Topic:     configs.TopicSagaReplies,
		Key:       []byte(event.CorrelationID()),
		Value:     payload,
		Headers:   toKafkaHeaders(h),
		Partition: 3,
		Offset:    42,
	}
}

func failing(err error) EventHandler {
	return func(context.Context, events.Event) error { return err }
}

func TestHandleMessage_SuccessNeitherSchedulesNorDeadLetters(t *testing.T) {
	scheduler := new(MockScheduler)
	deadLetters := dlq.NewMemoryDLQ()
	bus := newTestBus(scheduler, deadLetters)

	var got events.Event
	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), func(_ context.Context, e events.Event) error {
		got = e
		return nil
	}, logger.NewNopLogger()))

	require.NotNil(t, got)
	assert.Equal(t, events.TypeInventoryReserved, got.Type())
	assert.Empty(t, deadLetters.GetEvents())
	scheduler.AssertNotCalled(t, "ScheduleDelivery", mock.Anything, mock.Anything)
}

func TestHandleMessage_SchedulesFirstRedelivery(t *testing.T) {
	scheduler := new(MockScheduler)
	deadLetters := dlq.NewMemoryDLQ()
	bus := newTestBus(scheduler, deadLetters)

	scheduler.On("ScheduleDelivery", mock.Anything, mock.MatchedBy(func(msg DelayedMessage) bool {
		return msg.Topic == configs.TopicSagaReplies &&
			msg.Key == "corr-1" &&
			msg.Delay == 5*time.Minute &&
			msg.Headers[HeaderRedeliveryCount] == "1" &&
			msg.Headers[HeaderFirstFailureAt] == fixedNow.Format(time.RFC3339Nano) &&
			msg.Headers[HeaderEventType] == events.TypeInventoryReserved
	})).Return(nil).Once()

	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), failing(errors.New("db down")), logger.NewNopLogger()))

	scheduler.AssertExpectations(t)
	assert.Empty(t, deadLetters.GetEvents())
}

func TestHandleMessage_EscalatesRedeliveryDelay(t *testing.T) {
	scheduler := new(MockScheduler)
	bus := newTestBus(scheduler, dlq.NewMemoryDLQ())

	scheduler.On("ScheduleDelivery", mock.Anything, mock.MatchedBy(func(msg DelayedMessage) bool {
		return msg.Delay == 30*time.Minute && msg.Headers[HeaderRedeliveryCount] == "3"
	})).Return(nil).Once()

	msg := testMessage(t, map[string]string{HeaderRedeliveryCount: "2"})
	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", msg, failing(errors.New("db down")), logger.NewNopLogger()))

	scheduler.AssertExpectations(t)
}

func TestHandleMessage_DeadLettersAfterLastRedelivery(t *testing.T) {
	scheduler := new(MockScheduler)
	deadLetters := dlq.NewMemoryDLQ()
	bus := newTestBus(scheduler, deadLetters)

	first := fixedNow.Add(-50 * time.Minute).Format(time.RFC3339Nano)
	msg := testMessage(t, map[string]string{HeaderRedeliveryCount: "3", HeaderFirstFailureAt: first})
	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", msg, failing(errors.New("db down")), logger.NewNopLogger()))

	scheduler.AssertNotCalled(t, "ScheduleDelivery", mock.Anything, mock.Anything)
	dead := deadLetters.GetEvents()
	require.Len(t, dead, 1)
	assert.Equal(t, "booking.saga.replies.v1_error", dead[0].Queue())
	assert.Equal(t, 16, dead[0].FailureCount)
	assert.Equal(t, "db down", dead[0].FailureReason)
	assert.Equal(t, "orchestrator", dead[0].ConsumerGroup)
	assert.Equal(t, 3, dead[0].OriginalPartition)
	assert.Equal(t, int64(42), dead[0].OriginalOffset)
	assert.True(t, fixedNow.Add(-50*time.Minute).Equal(dead[0].FirstFailureAt))
	require.NotNil(t, dead[0].OriginalEvent)
	assert.Equal(t, "corr-1", dead[0].OriginalEvent.CorrelationID())
}

func TestHandleMessage_PermanentErrorGoesStraightToDeadLetter(t *testing.T) {
	scheduler := new(MockScheduler)
	deadLetters := dlq.NewMemoryDLQ()
	bus := newTestBus(scheduler, deadLetters)

	calls := 0
	handler := func(context.Context, events.Event) error {
		calls++
		return Permanent(errors.New("saga not found"))
	}
	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), handler, logger.NewNopLogger()))

	assert.Equal(t, 1, calls)
	scheduler.AssertNotCalled(t, "ScheduleDelivery", mock.Anything, mock.Anything)
	dead := deadLetters.GetEvents()
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].FailureCount)
}

func TestHandleMessage_SchedulerFailureFallsBackToDeadLetter(t *testing.T) {
	scheduler := new(MockScheduler)
	deadLetters := dlq.NewMemoryDLQ()
	bus := newTestBus(scheduler, deadLetters)

	scheduler.On("ScheduleDelivery", mock.Anything, mock.Anything).Return(errors.New("outbox unavailable"))

	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), failing(errors.New("db down")), logger.NewNopLogger()))

	assert.Len(t, deadLetters.GetEvents(), 1)
}

func TestHandleMessage_UndecodablePayloadIsDeadLettered(t *testing.T) {
	deadLetters := dlq.NewMemoryDLQ()
	bus := newTestBus(new(MockScheduler), deadLetters)

	called := false
	msg := kafka.Message{Topic: configs.TopicPaymentCommands, Value: []byte("{broken")}
	require.NoError(t, bus.handleMessage(context.Background(), "payment-service", msg, func(context.Context, events.Event) error {
		called = true
		return nil
	}, logger.NewNopLogger()))

	assert.False(t, called)
	dead := deadLetters.GetEvents()
	require.Len(t, dead, 1)
	assert.Nil(t, dead[0].OriginalEvent)
	assert.Equal(t, []byte("{broken"), dead[0].Payload)
}

func TestHandleMessage_RedeliveryTargetsFailingGroup(t *testing.T) {
	scheduler := new(MockScheduler)
	deadLetters := dlq.NewMemoryDLQ()
	bus := newTestBus(scheduler, deadLetters)

	scheduler.On("ScheduleDelivery", mock.Anything, mock.MatchedBy(func(m DelayedMessage) bool {
		return m.Headers[HeaderRetryGroup] == "orchestrator"
	})).Return(nil).Once()
	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), failing(errors.New("db down")), logger.NewNopLogger()))
	scheduler.AssertExpectations(t)

	redelivery := testMessage(t, map[string]string{HeaderRedeliveryCount: "1", HeaderRetryGroup: "orchestrator"})
	called := false
	require.NoError(t, bus.handleMessage(context.Background(), "notification-service", redelivery, func(context.Context, events.Event) error {
		called = true
		return nil
	}, logger.NewNopLogger()))
	assert.False(t, called, "other groups skip a redelivery meant for orchestrator")

	require.NoError(t, bus.handleMessage(context.Background(), "orchestrator", redelivery, func(context.Context, events.Event) error {
		called = true
		return nil
	}, logger.NewNopLogger()))
	assert.True(t, called)
}

func TestHandleMessage_DeadLetterPublishIsRetriedUntilStored(t *testing.T) {
	deadLetters := new(MockDLQ)
	deadLetters.On("Publish", mock.Anything, mock.Anything).Return(errors.New("write timeout")).Twice()
	deadLetters.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	var backoffs []time.Duration
	bus := newKafkaBus([]string{"localhost:9092"},
		WithRedeliveryScheduler(new(MockScheduler)),
		WithDeadLetterQueue(deadLetters),
		withSleep(func(_ context.Context, d time.Duration) error {
			backoffs = append(backoffs, d)
			return nil
		}),
	)

	err := bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), failing(Permanent(errors.New("bad payload"))), logger.NewNopLogger())
	require.NoError(t, err)

	deadLetters.AssertNumberOfCalls(t, "Publish", 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, backoffs)
}

func TestHandleMessage_UnwritableDeadLetterQueueIsReported(t *testing.T) {
	deadLetters := new(MockDLQ)
	deadLetters.On("Publish", mock.Anything, mock.Anything).Return(errors.New("write timeout"))

	bus := newKafkaBus([]string{"localhost:9092"},
		WithRedeliveryScheduler(new(MockScheduler)),
		WithDeadLetterQueue(deadLetters),
		withSleep(func(context.Context, time.Duration) error { return context.Canceled }),
	)

	err := bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), failing(Permanent(errors.New("bad payload"))), logger.NewNopLogger())
	require.Error(t, err)
	assert.ErrorContains(t, err, "write timeout")
	deadLetters.AssertNumberOfCalls(t, "Publish", 1)
}

func TestHandleMessage_MissingDeadLetterQueueIsReported(t *testing.T) {
	bus := newKafkaBus([]string{"localhost:9092"},
		WithRedeliveryScheduler(new(MockScheduler)),
		withSleep(func(context.Context, time.Duration) error { return nil }),
	)

	err := bus.handleMessage(context.Background(), "orchestrator", testMessage(t, nil), failing(Permanent(errors.New("bad payload"))), logger.NewNopLogger())
	assert.ErrorIs(t, err, ErrNoDeadLetterQueue)
}

func TestKeyBalancer_SameKeySamePartition(t *testing.T) {
	partitions := []int{0, 1, 2, 3, 4, 5}
	b := KeyBalancer{}

	first := b.Balance(kafka.Message{Key: []byte("corr-1")}, partitions...)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, b.Balance(kafka.Message{Key: []byte("corr-1")}, partitions...))
	}

	p, err := PartitionFor("corr-1", len(partitions))
	require.NoError(t, err)
	assert.Equal(t, partitions[p], first)

	_, err = PartitionFor("corr-1", 0)
	assert.Error(t, err)
}

func TestTopicSpecs_IncludesDeadLetterTopics(t *testing.T) {
	specs := TopicSpecs([]string{configs.TopicPaymentCommands}, 12, 1)

	require.Contains(t, specs, configs.TopicPaymentCommands)
	require.Contains(t, specs, "payment.commands.v1_error")
	assert.Equal(t, int32(12), specs[configs.TopicPaymentCommands].NumPartitions)
	assert.Equal(t, "86400000", *specs["payment.commands.v1_error"].ConfigEntries["retention.ms"])
}
