package sagastore

import (
	"context"
	"errors"
	"time"

	"booking-saga/internal/domain/events"
	"booking-saga/internal/domain/saga"
	"booking-saga/internal/infrastructure/outbox"
)

var (
	ErrVersionConflict  = errors.New("saga version conflict")
	ErrAlreadyProcessed = errors.New("event already processed")
	// ErrDuplicateBooking means another saga already owns the booking id
	ErrDuplicateBooking = errors.New("booking id already in use")
)

// UnitOfWork is everything one applied event changes, committed atomically
type UnitOfWork struct {
	Saga            *saga.BookingSaga
	PreviousState   saga.SagaState
	ExpectedVersion int
	Created         bool
	Trigger         events.Event
	IdempotencyKey  string
	Outbox          []outbox.Message
}

// JournalEntry is one applied event in a saga's history
type JournalEntry struct {
	Event      events.Event
	EventID    string
	EventType  string
	FromState  saga.SagaState
	ToState    saga.SagaState
	Effects    int
	RecordedAt time.Time
}

// Repository persists sagas with optimistic concurrency on version
type Repository interface {
	Load(ctx context.Context, correlationID string) (*saga.BookingSaga, error)
	// FindByBookingID returns saga.ErrSagaNotFound when no saga owns bookingID
	FindByBookingID(ctx context.Context, bookingID string) (*saga.BookingSaga, error)
	IsProcessed(ctx context.Context, idempotencyKey string) (bool, error)
	Commit(ctx context.Context, uow UnitOfWork) error
	FindStale(ctx context.Context, state saga.SagaState, updatedBefore time.Time, limit int) ([]*saga.BookingSaga, error)
	LoadEvents(ctx context.Context, correlationID string) ([]JournalEntry, error)
}
