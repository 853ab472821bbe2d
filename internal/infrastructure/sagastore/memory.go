package sagastore

import (
	"context"
	"sort"
	"sync"
	"time"

	"booking-saga/internal/domain/saga"
	"booking-saga/internal/infrastructure/outbox"
)

// MemoryStore is a Repository kept in process memory with the same commit
// semantics as PostgresStore. Used by tests and local wiring.
type MemoryStore struct {
	mu        sync.Mutex
	sagas     map[string]saga.Snapshot
	processed map[string]bool
	journal   map[string][]JournalEntry
	outbox    []outbox.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:     make(map[string]saga.Snapshot),
		processed: make(map[string]bool),
		journal:   make(map[string][]JournalEntry),
	}
}

func (m *MemoryStore) Load(_ context.Context, correlationID string) (*saga.BookingSaga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.sagas[correlationID]
	if !ok {
		return nil, saga.ErrSagaNotFound
	}
	return saga.Restore(snap), nil
}

func (m *MemoryStore) FindByBookingID(_ context.Context, bookingID string) (*saga.BookingSaga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range m.sagas {
		if snap.Facts.BookingID == bookingID {
			return saga.Restore(snap), nil
		}
	}
	return nil, saga.ErrSagaNotFound
}

func (m *MemoryStore) IsProcessed(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[idempotencyKey], nil
}

func (m *MemoryStore) Commit(_ context.Context, uow UnitOfWork) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed[uow.IdempotencyKey] {
		return ErrAlreadyProcessed
	}

	snap := uow.Saga.Snapshot()
	current, exists := m.sagas[snap.CorrelationID]
	if uow.Created && exists {
		return ErrVersionConflict
	}
	if uow.Created {
		for _, other := range m.sagas {
			if other.Facts.BookingID == snap.Facts.BookingID {
				return ErrDuplicateBooking
			}
		}
	}
	if !uow.Created && (!exists || current.Version != uow.ExpectedVersion) {
		return ErrVersionConflict
	}

	snap.Version = uow.ExpectedVersion + 1
	m.sagas[snap.CorrelationID] = snap
	m.processed[uow.IdempotencyKey] = true
	m.journal[snap.CorrelationID] = append(m.journal[snap.CorrelationID], JournalEntry{
		Event:      uow.Trigger,
		EventID:    uow.Trigger.ID(),
		EventType:  uow.Trigger.Type(),
		FromState:  uow.PreviousState,
		ToState:    snap.CurrentState,
		Effects:    len(uow.Outbox),
		RecordedAt: time.Now().UTC(),
	})
	m.outbox = append(m.outbox, uow.Outbox...)
	return nil
}

func (m *MemoryStore) FindStale(_ context.Context, state saga.SagaState, updatedBefore time.Time, limit int) ([]*saga.BookingSaga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []saga.Snapshot
	for _, snap := range m.sagas {
		if snap.CurrentState == state && snap.UpdatedAt.Before(updatedBefore) {
			matches = append(matches, snap)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.Before(matches[j].UpdatedAt) })

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*saga.BookingSaga, 0, len(matches))
	for _, snap := range matches {
		out = append(out, saga.Restore(snap))
	}
	return out, nil
}

func (m *MemoryStore) LoadEvents(_ context.Context, correlationID string) ([]JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JournalEntry(nil), m.journal[correlationID]...), nil
}

// Outbox returns every message committed so far, in commit order
func (m *MemoryStore) Outbox() []outbox.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Message(nil), m.outbox...)
}
