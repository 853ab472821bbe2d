package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/dlq"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBrokerAddress   = "localhost:19092"
	defaultConsumerWorkers = 4
	readTimeout            = 10 * time.Second
	writeTimeout           = 10 * time.Second
	deadLetterBackoff      = time.Second
	maxDeadLetterBackoff   = 30 * time.Second
)

// ErrNoDeadLetterQueue is returned when a message must be dead-lettered but the
// bus was built without a dead-letter queue
var ErrNoDeadLetterQueue = errors.New("no dead-letter queue configured")

// kafkaBus implements the EventBus interface
type kafkaBus struct {
	brokers   []string
	workers   int
	policy    RetryPolicy
	dlq       dlq.DLQ
	scheduler RedeliveryScheduler
	logger    logger.Logger
	sleep     sleepFunc
	now       func() time.Time

	writers   map[string]*kafka.Writer
	readers   []*kafka.Reader
	writersMu sync.RWMutex
	readersMu sync.Mutex
	wg        sync.WaitGroup
	running   bool
	mu        sync.RWMutex
}

func newKafkaBus(brokers []string, opts ...Option) *kafkaBus {
	if len(brokers) == 0 {
		brokers = []string{defaultBrokerAddress}
	}

	bus := &kafkaBus{
		brokers: brokers,
		workers: defaultConsumerWorkers,
		policy:  DefaultRetryPolicy(),
		logger:  logger.NewNopLogger(),
		sleep:   sleepContext,
		now:     time.Now,
		writers: make(map[string]*kafka.Writer),
		running: true,
	}
	for _, opt := range opts {
		opt(bus)
	}
	if bus.scheduler == nil {
		bus.scheduler = NewTimerScheduler(bus, bus.logger)
	}
	return bus
}

// Publish publishes an event to a topic keyed by its correlation id
func (b *kafkaBus) Publish(ctx context.Context, topic string, event events.Event) error {
	payload, err := events.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.PublishRaw(ctx, topic, event.CorrelationID(), payload, EventHeaders(event))
}

// EventHeaders returns the identifying headers written with every event
func EventHeaders(event events.Event) map[string]string {
	return map[string]string{
		HeaderEventID:    event.ID(),
		HeaderEventType:  event.Type(),
		HeaderOccurredOn: event.OccurredOn().UTC().Format(time.RFC3339Nano),
	}
}

func (b *kafkaBus) PublishRaw(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.RUnlock()

	writer := b.getOrCreateWriter(topic)

	message := kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: toKafkaHeaders(headers),
		Time:    b.now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := writer.WriteMessages(writeCtx, message); err != nil {
		return fmt.Errorf("failed to write message to topic %s: %w", topic, err)
	}

	return nil
}

// Subscribe subscribes to events from a topic
func (b *kafkaBus) Subscribe(ctx context.Context, topic string, handler EventHandler) error {
	return b.SubscribeWithGroupID(ctx, topic, "", handler)
}

// SubscribeWithGroupID starts a pool of readers in one consumer group. Partitions
// are spread over the pool so different sagas are handled concurrently while
// messages of one saga stay on one reader.
func (b *kafkaBus) SubscribeWithGroupID(ctx context.Context, topic, groupID string, handler EventHandler) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return fmt.Errorf("event bus is closed")
	}

	if groupID == "" {
		groupID = fmt.Sprintf("consumer-%s-%d", topic, time.Now().Unix())
	}

	for i := 0; i < b.workers; i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     b.brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     1 * time.Second,
			StartOffset: kafka.FirstOffset,
		})

		b.readersMu.Lock()
		b.readers = append(b.readers, reader)
		b.readersMu.Unlock()

		b.wg.Add(1)
		go func(worker int) {
			defer b.wg.Done()
			b.consumeEvents(ctx, reader, topic, groupID, handler, b.logger.With(
				logger.Field{Key: "topic", Value: topic},
				logger.Field{Key: "group_id", Value: groupID},
				logger.Field{Key: "worker", Value: worker},
			))
		}(i)
	}

	return nil
}

// consumeEvents fetches messages and commits each one after it was handled,
// redelivered or dead-lettered. A message that could not be dead-lettered is
// never committed: the worker stops and the partition resumes from it after a
// restart or rebalance.
func (b *kafkaBus) consumeEvents(ctx context.Context, reader *kafka.Reader, topic, groupID string, handler EventHandler, log logger.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		message, err := reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			log.Error("Error fetching message", logger.Field{Key: "error", Value: err})
			time.Sleep(100 * time.Millisecond)
			continue
		}

		message.Topic = topic
		if err := b.handleMessage(ctx, groupID, message, handler, log); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Message left uncommitted, stopping worker",
				logger.Field{Key: "partition", Value: message.Partition},
				logger.Field{Key: "offset", Value: message.Offset},
				logger.Field{Key: "error", Value: err},
			)
			return
		}

		if err := reader.CommitMessages(ctx, message); err != nil {
			log.Error("Error committing message", logger.Field{Key: "error", Value: err})
		}
	}
}

// handleMessage applies the retry policy to one delivery. Failures end either in
// a scheduled redelivery or in the dead-letter queue; an error means the message
// reached neither and must not be committed.
func (b *kafkaBus) handleMessage(ctx context.Context, groupID string, message kafka.Message, handler EventHandler, log logger.Logger) error {
	headers := fromKafkaHeaders(message.Headers)
	if target := headers[HeaderRetryGroup]; target != "" && target != groupID {
		// another group's redelivery; this group handled the original already
		return nil
	}

	event, err := events.Unmarshal(message.Value)
	if err != nil {
		log.Error("Error unmarshaling event", logger.Field{Key: "error", Value: err})
		return b.deadLetter(ctx, groupID, message, headers, nil, 1, fmt.Errorf("undecodable message: %w", err), log)
	}

	log = log.With(
		logger.Field{Key: "event_id", Value: event.ID()},
		logger.Field{Key: "event_type", Value: event.Type()},
		logger.Field{Key: "correlation_id", Value: event.CorrelationID()},
	)

	attempts, err := runWithRetry(ctx, b.policy, b.sleep, handler, event)
	if err == nil {
		return nil
	}

	redeliveries, _ := strconv.Atoi(headers[HeaderRedeliveryCount])
	totalAttempts := redeliveries*(b.policy.ImmediateRetries+1) + attempts

	if IsPermanent(err) {
		log.Warn("Permanent handler failure", logger.Field{Key: "error", Value: err})
		return b.deadLetter(ctx, groupID, message, headers, event, totalAttempts, err, log)
	}

	if ctx.Err() != nil {
		// shutting down mid-retry; the message is redelivered on restart
		return ctx.Err()
	}

	delay, ok := b.policy.NextRedelivery(redeliveries)
	if !ok {
		return b.deadLetter(ctx, groupID, message, headers, event, totalAttempts, err, log)
	}

	next := copyHeaders(headers)
	next[HeaderRedeliveryCount] = strconv.Itoa(redeliveries + 1)
	next[HeaderRetryGroup] = groupID
	if next[HeaderFirstFailureAt] == "" {
		next[HeaderFirstFailureAt] = b.now().UTC().Format(time.RFC3339Nano)
	}

	scheduleErr := b.scheduler.ScheduleDelivery(ctx, DelayedMessage{
		Topic:   message.Topic,
		Key:     string(message.Key),
		Payload: message.Value,
		Headers: next,
		Delay:   delay,
	})
	if scheduleErr != nil {
		log.Error("Failed to schedule redelivery", logger.Field{Key: "error", Value: scheduleErr})
		return b.deadLetter(ctx, groupID, message, headers, event, totalAttempts, err, log)
	}

	log.Warn("Handler failed, redelivery scheduled",
		logger.Field{Key: "attempts", Value: totalAttempts},
		logger.Field{Key: "redelivery", Value: redeliveries + 1},
		logger.Field{Key: "delay", Value: delay.String()},
		logger.Field{Key: "error", Value: err},
	)
	return nil
}

// deadLetter publishes to the dead-letter queue, backing off between failed
// attempts until it succeeds or ctx is cancelled
func (b *kafkaBus) deadLetter(ctx context.Context, groupID string, message kafka.Message, headers map[string]string, event events.Event, attempts int, cause error, log logger.Logger) error {
	if b.dlq == nil {
		log.Error("Cannot dead-letter message", logger.Field{Key: "error", Value: cause})
		return ErrNoDeadLetterQueue
	}

	now := b.now().UTC()
	firstFailure := now
	if ts, err := time.Parse(time.RFC3339Nano, headers[HeaderFirstFailureAt]); err == nil {
		firstFailure = ts
	}

	dead := dlq.DLQEvent{
		OriginalEvent:     event,
		Payload:           message.Value,
		Key:               string(message.Key),
		Headers:           headers,
		FailureReason:     cause.Error(),
		FailureCount:      attempts,
		FirstFailureAt:    firstFailure,
		LastAttemptAt:     now,
		ConsumerGroup:     groupID,
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
	}

	backoff := deadLetterBackoff
	for {
		err := b.dlq.Publish(ctx, dead)
		if err == nil {
			return nil
		}
		log.Error("Failed to dead-letter message",
			logger.Field{Key: "error", Value: err},
			logger.Field{Key: "cause", Value: cause},
			logger.Field{Key: "backoff", Value: backoff.String()},
		)
		if sleepErr := b.sleep(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("dead-letter publish abandoned: %w", errors.Join(err, sleepErr))
		}
		backoff = min(backoff*2, maxDeadLetterBackoff)
	}
}

// getOrCreateWriter gets or creates a writer for a topic
func (b *kafkaBus) getOrCreateWriter(topic string) *kafka.Writer {
	b.writersMu.RLock()
	if writer, exists := b.writers[topic]; exists {
		b.writersMu.RUnlock()
		return writer
	}
	b.writersMu.RUnlock()

	b.writersMu.Lock()
	defer b.writersMu.Unlock()

	if writer, exists := b.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(b.brokers...),
		Topic:        topic,
		Balancer:     KeyBalancer{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireAll,
	}

	b.writers[topic] = writer
	return writer
}

// Close stops every consumer and closes all connections
func (b *kafkaBus) Close() error {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	var errs []error

	b.readersMu.Lock()
	for _, reader := range b.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader for topic %s: %w", reader.Config().Topic, err))
		}
	}
	b.readers = nil
	b.readersMu.Unlock()

	b.wg.Wait()

	b.writersMu.Lock()
	for topic, writer := range b.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close writer for topic %s: %w", topic, err))
		}
	}
	b.writersMu.Unlock()

	return errors.Join(errs...)
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
