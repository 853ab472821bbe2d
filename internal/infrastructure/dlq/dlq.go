package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/domain/events"
)

// DLQEvent is a message that exhausted every retry. OriginalEvent is nil when the
// payload could not be decoded; Payload always holds the original bytes.
type DLQEvent struct {
	DLQEventID        string
	OriginalEvent     events.Event
	Payload           []byte
	Key               string
	Headers           map[string]string
	FailureReason     string
	FailureCount      int
	FirstFailureAt    time.Time
	LastAttemptAt     time.Time
	ConsumerGroup     string
	OriginalTopic     string
	OriginalPartition int
	OriginalOffset    int64
}

// Queue is the dead-letter queue the event lands in
func (e DLQEvent) Queue() string {
	return configs.DeadLetterQueue(e.OriginalTopic)
}

type DLQHandler func(ctx context.Context, event DLQEvent) error

type DLQ interface {
	// Publish routes a failed message to <OriginalTopic>_error
	Publish(ctx context.Context, event DLQEvent) error
	// Subscribe consumes the dead-letter queue of a logical queue
	Subscribe(ctx context.Context, queue, groupID string, handler DLQHandler) error
	Close() error
}

func newDLQEventID(originalEventID string) string {
	return fmt.Sprintf("dlq_%d_%s", time.Now().UnixNano(), originalEventID)
}

// MemoryDLQ keeps dead letters in memory and fans them out to subscribers of the
// matching queue. Used by tests and single-process wiring.
type MemoryDLQ struct {
	mu        sync.RWMutex
	events    []DLQEvent
	consumers map[string][]DLQHandler
	running   bool
	maxEvents int
}

func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{
		events:    make([]DLQEvent, 0),
		consumers: make(map[string][]DLQHandler),
		running:   true,
		maxEvents: 10000,
	}
}

func (d *MemoryDLQ) Publish(ctx context.Context, event DLQEvent) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("DLQ is closed")
	}

	if event.DLQEventID == "" {
		id := ""
		if event.OriginalEvent != nil {
			id = event.OriginalEvent.ID()
		}
		event.DLQEventID = newDLQEventID(id)
	}

	if len(d.events) >= d.maxEvents {
		d.events = d.events[d.maxEvents/10:]
	}
	d.events = append(d.events, event)
	consumers := append([]DLQHandler(nil), d.consumers[event.Queue()]...)
	d.mu.Unlock()

	for _, handler := range consumers {
		// handler errors stay inside the dead-letter consumer
		_ = handler(ctx, event)
	}

	return nil
}

func (d *MemoryDLQ) Subscribe(_ context.Context, queue, _ string, handler DLQHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := configs.DeadLetterQueue(queue)
	d.consumers[key] = append(d.consumers[key], handler)
	return nil
}

// GetEvents returns a copy of every dead letter received so far
func (d *MemoryDLQ) GetEvents() []DLQEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	eventsCopy := make([]DLQEvent, len(d.events))
	copy(eventsCopy, d.events)
	return eventsCopy
}

func (d *MemoryDLQ) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running = false
	return nil
}
