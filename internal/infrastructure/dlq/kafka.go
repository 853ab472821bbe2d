package dlq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/events"

	"github.com/segmentio/kafka-go"
)

// Headers describing why and where a message was dead-lettered
const (
	HeaderMessageTTL        = "x-message-ttl"
	HeaderQueueMode         = "x-queue-mode"
	HeaderDLQEventID        = "x-dlq-event-id"
	HeaderFailureReason     = "x-failure-reason"
	HeaderFailureCount      = "x-failure-count"
	HeaderFirstFailureAt    = "x-first-failure-at"
	HeaderLastAttemptAt     = "x-last-attempt-at"
	HeaderConsumerGroup     = "x-consumer-group"
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
)

const (
	writeTimeout      = 10 * time.Second
	readTimeout       = 10 * time.Second
	handlerBackoff    = time.Second
	maxHandlerBackoff = 30 * time.Second
)

// KafkaDLQ writes dead letters to <queue>_error topics
type KafkaDLQ struct {
	brokers []string
	logger  logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	writer  *kafka.Writer
	readers []*kafka.Reader
	mu      sync.Mutex
	wg      sync.WaitGroup
	running bool
}

func NewKafkaDLQ(brokers []string, l logger.Logger) *KafkaDLQ {
	return &KafkaDLQ{
		brokers: brokers,
		logger:  l.With(logger.Field{Key: "component", Value: "dlq"}),
		sleep:   sleepContext,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			WriteTimeout: writeTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		running: true,
	}
}

func (d *KafkaDLQ) Publish(ctx context.Context, event DLQEvent) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return fmt.Errorf("DLQ is closed")
	}

	msg := toMessage(event)

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := d.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to write dead letter to %s: %w", msg.Topic, err)
	}

	d.logger.Warn("Message dead-lettered",
		logger.Field{Key: "queue", Value: msg.Topic},
		logger.Field{Key: "key", Value: string(msg.Key)},
		logger.Field{Key: "failure_count", Value: event.FailureCount},
		logger.Field{Key: "reason", Value: event.FailureReason},
	)
	return nil
}

func (d *KafkaDLQ) Subscribe(ctx context.Context, queue, groupID string, handler DLQHandler) error {
	topic := configs.DeadLetterQueue(queue)
	if groupID == "" {
		groupID = "dlq-monitor-" + topic
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     d.brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		_ = reader.Close()
		return fmt.Errorf("DLQ is closed")
	}
	d.readers = append(d.readers, reader)
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.consume(ctx, reader, handler)
	}()
	return nil
}

func (d *KafkaDLQ) consume(ctx context.Context, reader *kafka.Reader, handler DLQHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		msg, err := reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			d.logger.Error("Error fetching dead letter", logger.Field{Key: "error", Value: err})
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if err := d.handle(ctx, handler, fromMessage(msg)); err != nil {
			// stopped before the handler succeeded; the offset stays uncommitted
			return
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			d.logger.Error("Error committing dead letter", logger.Field{Key: "error", Value: err})
		}
	}
}

// handle runs handler on one dead letter until it succeeds, backing off between
// failures. Later dead letters of the partition wait behind it.
func (d *KafkaDLQ) handle(ctx context.Context, handler DLQHandler, event DLQEvent) error {
	backoff := handlerBackoff
	for {
		err := handler(ctx, event)
		if err == nil {
			return nil
		}
		d.logger.Error("Error handling dead letter",
			logger.Field{Key: "dlq_event_id", Value: event.DLQEventID},
			logger.Field{Key: "backoff", Value: backoff.String()},
			logger.Field{Key: "error", Value: err},
		)
		if sleepErr := d.sleep(ctx, backoff); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
		backoff = min(backoff*2, maxHandlerBackoff)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *KafkaDLQ) Close() error {
	d.mu.Lock()
	d.running = false
	readers := d.readers
	d.readers = nil
	d.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.wg.Wait()

	if err := d.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func toMessage(event DLQEvent) kafka.Message {
	if event.DLQEventID == "" {
		id := event.Headers["event_id"]
		if event.OriginalEvent != nil {
			id = event.OriginalEvent.ID()
		}
		event.DLQEventID = newDLQEventID(id)
	}

	headers := make(map[string]string, len(event.Headers)+11)
	for k, v := range event.Headers {
		headers[k] = v
	}
	headers[HeaderMessageTTL] = strconv.Itoa(configs.DeadLetterMessageTTLMs)
	headers[HeaderQueueMode] = configs.DeadLetterQueueMode
	headers[HeaderDLQEventID] = event.DLQEventID
	headers[HeaderFailureReason] = event.FailureReason
	headers[HeaderFailureCount] = strconv.Itoa(event.FailureCount)
	headers[HeaderFirstFailureAt] = event.FirstFailureAt.UTC().Format(time.RFC3339Nano)
	headers[HeaderLastAttemptAt] = event.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	headers[HeaderConsumerGroup] = event.ConsumerGroup
	headers[HeaderOriginalTopic] = event.OriginalTopic
	headers[HeaderOriginalPartition] = strconv.Itoa(event.OriginalPartition)
	headers[HeaderOriginalOffset] = strconv.FormatInt(event.OriginalOffset, 10)

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kh := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(headers[k])})
	}

	return kafka.Message{
		Topic:   event.Queue(),
		Key:     []byte(event.Key),
		Value:   event.Payload,
		Headers: kh,
		Time:    event.LastAttemptAt,
	}
}

func fromMessage(msg kafka.Message) DLQEvent {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	event := DLQEvent{
		DLQEventID:    headers[HeaderDLQEventID],
		Payload:       msg.Value,
		Key:           string(msg.Key),
		Headers:       make(map[string]string),
		FailureReason: headers[HeaderFailureReason],
		ConsumerGroup: headers[HeaderConsumerGroup],
		OriginalTopic: headers[HeaderOriginalTopic],
	}
	event.FailureCount, _ = strconv.Atoi(headers[HeaderFailureCount])
	event.OriginalPartition, _ = strconv.Atoi(headers[HeaderOriginalPartition])
	event.OriginalOffset, _ = strconv.ParseInt(headers[HeaderOriginalOffset], 10, 64)
	event.FirstFailureAt, _ = time.Parse(time.RFC3339Nano, headers[HeaderFirstFailureAt])
	event.LastAttemptAt, _ = time.Parse(time.RFC3339Nano, headers[HeaderLastAttemptAt])

	for k, v := range headers {
		if !isDeadLetterHeader(k) {
			event.Headers[k] = v
		}
	}

	if decoded, err := events.Unmarshal(msg.Value); err == nil {
		event.OriginalEvent = decoded
	}
	return event
}

func isDeadLetterHeader(key string) bool {
	switch key {
	case HeaderMessageTTL, HeaderQueueMode, HeaderDLQEventID, HeaderFailureReason, HeaderFailureCount,
		HeaderFirstFailureAt, HeaderLastAttemptAt, HeaderConsumerGroup, HeaderOriginalTopic,
		HeaderOriginalPartition, HeaderOriginalOffset:
		return true
	}
	return false
}
