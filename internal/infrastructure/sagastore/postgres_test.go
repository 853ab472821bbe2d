package sagastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/domain/saga"
	"booking-saga/internal/infrastructure/outbox"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := sqlx.NewDb(raw, "sqlmock")
	store := NewPostgresStore(db, outbox.NewStore(db))
	store.now = func() time.Time { return now }
	return store, mock
}

func createdUnit(t *testing.T) UnitOfWork {
	t.Helper()
	created := events.NewBookingCreated("corr-1", events.BookingCreatedData{
		BookingID:         "B1",
		PackageID:         "pkg-1",
		NumberOfTravelers: 2,
		Amount:            100,
	}, events.EventMetadata{})

	out, err := saga.Transition(nil, created, now)
	require.NoError(t, err)

	msg, err := outbox.NewEventMessage(configs.TopicInventoryCommands, out.Effects[0], now)
	require.NoError(t, err)

	return UnitOfWork{
		Saga:           out.Saga,
		Created:        true,
		Trigger:        created,
		IdempotencyKey: saga.ProcessedKey(created),
		Outbox:         []outbox.Message{msg},
	}
}

func sagaRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"correlation_id", "booking_id", "tenant_id", "customer_id", "package_id", "number_of_travelers",
		"amount", "currency", "current_state", "payment_id", "inventory_reserved", "inventory_released",
		"payment_processed", "payment_refunded", "failure_reason", "version", "created_at", "updated_at",
		"completed_at", "failed_at",
	})
}

func TestPostgresStore_Commit(t *testing.T) {
	t.Run("Creates saga with marker, journal and outbox", func(t *testing.T) {
		store, mock := newMockStore(t)
		uow := createdUnit(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).
			WithArgs("corr-1:"+events.TypeBookingCreated, uow.Trigger.ID(), "corr-1", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO booking_sagas`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO saga_events`).
			WithArgs(uow.Trigger.ID(), "corr-1", events.TypeBookingCreated, sqlmock.AnyArg(), "", string(saga.SagaStarted), int64(1), now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO outbox_messages`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.Commit(context.Background(), uow))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate idempotency key rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.Commit(context.Background(), createdUnit(t))
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Stale version rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		uow := createdUnit(t)
		uow.Created = false
		uow.ExpectedVersion = 3

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE booking_sagas`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.Commit(context.Background(), uow)
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Taken booking id rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO booking_sagas`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_booking_sagas_booking"})
		mock.ExpectRollback()

		err := store.Commit(context.Background(), createdUnit(t))
		assert.ErrorIs(t, err, ErrDuplicateBooking)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Other unique violation is not a duplicate booking", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO booking_sagas`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "booking_sagas_pkey"})
		mock.ExpectRollback()

		err := store.Commit(context.Background(), createdUnit(t))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDuplicateBooking)
	})

	t.Run("Database error", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_events`).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := store.Commit(context.Background(), createdUnit(t))
		assert.ErrorContains(t, err, "failed to mark event processed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Load(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM booking_sagas WHERE correlation_id`).
			WithArgs("corr-1").
			WillReturnRows(sagaRows().AddRow(
				"corr-1", "B1", "tenant-1", "cust-1", "pkg-1", 2,
				100.0, "USD", "PAYMENT_PENDING", nil, true, false,
				false, false, nil, 2, now, now,
				nil, nil,
			))

		s, err := store.Load(context.Background(), "corr-1")
		require.NoError(t, err)
		assert.Equal(t, saga.SagaPaymentPending, s.CurrentState())
		assert.Equal(t, 2, s.Version())
		assert.True(t, s.InventoryReserved())
		assert.Empty(t, s.PaymentID())
		assert.Equal(t, "B1", s.BookingID())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not found", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM booking_sagas`).WithArgs("missing").WillReturnRows(sagaRows())

		_, err := store.Load(context.Background(), "missing")
		assert.ErrorIs(t, err, saga.ErrSagaNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_IsProcessed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("corr-1:" + events.TypeInventoryReserved).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.IsProcessed(context.Background(), "corr-1:"+events.TypeInventoryReserved)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindStale(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := now.Add(-5 * time.Minute)

	mock.ExpectQuery(`SELECT .* FROM booking_sagas\s+WHERE current_state`).
		WithArgs(string(saga.SagaPaymentPending), cutoff, int64(10)).
		WillReturnRows(sagaRows().AddRow(
			"corr-9", "B9", "", "", "pkg-1", 1,
			50.0, "USD", "PAYMENT_PENDING", nil, true, false,
			false, false, nil, 2, now.Add(-time.Hour), now.Add(-10*time.Minute),
			nil, nil,
		))

	stale, err := store.FindStale(context.Background(), saga.SagaPaymentPending, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "corr-9", stale[0].CorrelationID())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadEvents(t *testing.T) {
	store, mock := newMockStore(t)

	trigger := events.NewReply(events.TypeInventoryReserved, "corr-1", events.InventoryReservedData{BookingID: "B1"}, nil)
	payload, err := events.Marshal(trigger)
	require.NoError(t, err)

	mock.ExpectQuery(`FROM saga_events`).
		WithArgs("corr-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "payload", "from_state", "to_state", "effects", "recorded_at"}).
			AddRow(trigger.ID(), trigger.Type(), payload, "STARTED", "PAYMENT_PENDING", 1, now))

	entries, err := store.LoadEvents(context.Background(), "corr-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, saga.SagaStarted, entries[0].FromState)
	assert.Equal(t, saga.SagaPaymentPending, entries[0].ToState)
	require.NotNil(t, entries[0].Event)
	assert.Equal(t, "B1", events.BookingIDOf(entries[0].Event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByBookingID(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM booking_sagas WHERE booking_id = \$1`).
			WithArgs("B1").
			WillReturnRows(sagaRows().AddRow(
				"corr-1", "B1", "", "cust-1", "pkg-1", 2,
				100.0, "USD", "STARTED", nil, false, false,
				false, false, nil, 1, now, now,
				nil, nil,
			))

		s, err := store.FindByBookingID(context.Background(), "B1")
		require.NoError(t, err)
		assert.Equal(t, "corr-1", s.CorrelationID())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not found", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`FROM booking_sagas WHERE booking_id`).WithArgs("B2").WillReturnRows(sagaRows())

		_, err := store.FindByBookingID(context.Background(), "B2")
		assert.ErrorIs(t, err, saga.ErrSagaNotFound)
	})
}

func TestMemoryStore_RejectsTakenBookingID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Commit(ctx, createdUnit(t)))

	again := events.NewBookingCreated("corr-2", events.BookingCreatedData{
		BookingID:         "B1",
		PackageID:         "pkg-1",
		NumberOfTravelers: 1,
		Amount:            20,
	}, events.EventMetadata{})
	out, err := saga.Transition(nil, again, now)
	require.NoError(t, err)

	err = store.Commit(ctx, UnitOfWork{Saga: out.Saga, Created: true, Trigger: again, IdempotencyKey: saga.ProcessedKey(again)})
	assert.ErrorIs(t, err, ErrDuplicateBooking)

	found, err := store.FindByBookingID(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "corr-1", found.CorrelationID())
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	uow := createdUnit(t)

	require.NoError(t, store.Commit(ctx, uow))
	assert.ErrorIs(t, store.Commit(ctx, uow), ErrAlreadyProcessed)

	loaded, err := store.Load(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version())

	reserved := events.NewReply(events.TypeInventoryReserved, "corr-1", events.InventoryReservedData{BookingID: "B1"}, nil)
	out, err := saga.Transition(loaded, reserved, now)
	require.NoError(t, err)

	stale := UnitOfWork{Saga: out.Saga, ExpectedVersion: 0, Trigger: reserved, IdempotencyKey: saga.ProcessedKey(reserved)}
	assert.ErrorIs(t, store.Commit(ctx, stale), ErrVersionConflict)

	fresh := stale
	fresh.ExpectedVersion = 1
	require.NoError(t, store.Commit(ctx, fresh))

	history, err := store.LoadEvents(ctx, "corr-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Len(t, store.Outbox(), 1)
}
