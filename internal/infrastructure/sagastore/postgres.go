package sagastore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"booking-saga/internal/domain/events"
	"booking-saga/internal/domain/saga"
	"booking-saga/internal/infrastructure/database"
	"booking-saga/internal/infrastructure/outbox"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

const sagaColumns = `
	correlation_id, booking_id, tenant_id, customer_id, package_id, number_of_travelers,
	amount, currency, current_state, payment_id, inventory_reserved, inventory_released,
	payment_processed, payment_refunded, failure_reason, version, created_at, updated_at,
	completed_at, failed_at`

const (
	uniqueViolation     = "23505"
	bookingIDConstraint = "idx_booking_sagas_booking"
)

const (
	selectSagaQuery          = `SELECT ` + sagaColumns + ` FROM booking_sagas WHERE correlation_id = $1`
	selectSagaByBookingQuery = `SELECT ` + sagaColumns + ` FROM booking_sagas WHERE booking_id = $1`

	selectStaleQuery = `SELECT ` + sagaColumns + ` FROM booking_sagas
		WHERE current_state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`

	isProcessedQuery = `SELECT EXISTS (SELECT 1 FROM processed_events WHERE idempotency_key = $1)`

	markProcessedQuery = `
		INSERT INTO processed_events (idempotency_key, event_id, correlation_id, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`

	insertSagaQuery = `
		INSERT INTO booking_sagas (` + sagaColumns + `)
		VALUES (:correlation_id, :booking_id, :tenant_id, :customer_id, :package_id, :number_of_travelers,
			:amount, :currency, :current_state, :payment_id, :inventory_reserved, :inventory_released,
			:payment_processed, :payment_refunded, :failure_reason, :version, :created_at, :updated_at,
			:completed_at, :failed_at)
		ON CONFLICT (correlation_id) DO NOTHING`

	updateSagaQuery = `
		UPDATE booking_sagas SET
			current_state = :current_state,
			payment_id = :payment_id,
			inventory_reserved = :inventory_reserved,
			inventory_released = :inventory_released,
			payment_processed = :payment_processed,
			payment_refunded = :payment_refunded,
			failure_reason = :failure_reason,
			version = :version,
			updated_at = :updated_at,
			completed_at = :completed_at,
			failed_at = :failed_at
		WHERE correlation_id = :correlation_id AND version = :expected_version`

	insertJournalQuery = `
		INSERT INTO saga_events (event_id, correlation_id, event_type, payload, from_state, to_state, effects, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`

	selectJournalQuery = `
		SELECT event_id, event_type, payload, from_state, to_state, effects, recorded_at
		FROM saga_events
		WHERE correlation_id = $1
		ORDER BY sequence_number ASC`
)

type sagaRow struct {
	CorrelationID     string         `db:"correlation_id"`
	BookingID         string         `db:"booking_id"`
	TenantID          string         `db:"tenant_id"`
	CustomerID        string         `db:"customer_id"`
	PackageID         string         `db:"package_id"`
	NumberOfTravelers int            `db:"number_of_travelers"`
	Amount            float64        `db:"amount"`
	Currency          string         `db:"currency"`
	CurrentState      string         `db:"current_state"`
	PaymentID         sql.NullString `db:"payment_id"`
	InventoryReserved bool           `db:"inventory_reserved"`
	InventoryReleased bool           `db:"inventory_released"`
	PaymentProcessed  bool           `db:"payment_processed"`
	PaymentRefunded   bool           `db:"payment_refunded"`
	FailureReason     sql.NullString `db:"failure_reason"`
	Version           int            `db:"version"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	CompletedAt       *time.Time     `db:"completed_at"`
	FailedAt          *time.Time     `db:"failed_at"`
	ExpectedVersion   int            `db:"expected_version"`
}

func toRow(s *saga.BookingSaga, version, expected int) sagaRow {
	snap := s.Snapshot()
	return sagaRow{
		CorrelationID:     snap.CorrelationID,
		BookingID:         snap.Facts.BookingID,
		TenantID:          snap.Facts.TenantID,
		CustomerID:        snap.Facts.CustomerID,
		PackageID:         snap.Facts.PackageID,
		NumberOfTravelers: snap.Facts.NumberOfTravelers,
		Amount:            snap.Facts.Amount,
		Currency:          snap.Facts.Currency,
		CurrentState:      string(snap.CurrentState),
		PaymentID:         sql.NullString{String: snap.PaymentID, Valid: snap.PaymentID != ""},
		InventoryReserved: snap.InventoryReserved,
		InventoryReleased: snap.InventoryReleased,
		PaymentProcessed:  snap.PaymentProcessed,
		PaymentRefunded:   snap.PaymentRefunded,
		FailureReason:     sql.NullString{String: snap.FailureReason, Valid: snap.FailureReason != ""},
		Version:           version,
		CreatedAt:         snap.CreatedAt,
		UpdatedAt:         snap.UpdatedAt,
		CompletedAt:       snap.CompletedAt,
		FailedAt:          snap.FailedAt,
		ExpectedVersion:   expected,
	}
}

func (r sagaRow) toSaga() *saga.BookingSaga {
	return saga.Restore(saga.Snapshot{
		CorrelationID: r.CorrelationID,
		Facts: saga.BookingFacts{
			BookingID:         r.BookingID,
			TenantID:          r.TenantID,
			CustomerID:        r.CustomerID,
			PackageID:         r.PackageID,
			NumberOfTravelers: r.NumberOfTravelers,
			Amount:            r.Amount,
			Currency:          r.Currency,
		},
		CurrentState:      saga.SagaState(r.CurrentState),
		PaymentID:         r.PaymentID.String,
		InventoryReserved: r.InventoryReserved,
		InventoryReleased: r.InventoryReleased,
		PaymentProcessed:  r.PaymentProcessed,
		PaymentRefunded:   r.PaymentRefunded,
		FailureReason:     r.FailureReason.String,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		CompletedAt:       r.CompletedAt,
		FailedAt:          r.FailedAt,
	})
}

type journalRow struct {
	EventID    string    `db:"event_id"`
	EventType  string    `db:"event_type"`
	Payload    []byte    `db:"payload"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Effects    int       `db:"effects"`
	RecordedAt time.Time `db:"recorded_at"`
}

// PostgresStore keeps sagas, processed idempotency keys and the saga journal
// in one database so a transition commits as a single transaction.
type PostgresStore struct {
	db     *sqlx.DB
	outbox *outbox.Store
	now    func() time.Time
}

func NewPostgresStore(db *sqlx.DB, ob *outbox.Store) *PostgresStore {
	return &PostgresStore{db: db, outbox: ob, now: time.Now}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, schema)
}

func (s *PostgresStore) Load(ctx context.Context, correlationID string) (*saga.BookingSaga, error) {
	var row sagaRow
	if err := s.db.GetContext(ctx, &row, selectSagaQuery, correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to load saga %s: %w", correlationID, err)
	}
	return row.toSaga(), nil
}

func (s *PostgresStore) FindByBookingID(ctx context.Context, bookingID string) (*saga.BookingSaga, error) {
	var row sagaRow
	if err := s.db.GetContext(ctx, &row, selectSagaByBookingQuery, bookingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to load saga for booking %s: %w", bookingID, err)
	}
	return row.toSaga(), nil
}

func (s *PostgresStore) IsProcessed(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, isProcessedQuery, idempotencyKey); err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// Commit writes the processed marker, the saga (compare-and-swap on version),
// the journal entry and the outbox rows in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, uow UnitOfWork) error {
	if uow.Saga == nil || uow.Trigger == nil {
		return fmt.Errorf("incomplete unit of work")
	}

	return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, markProcessedQuery,
			uow.IdempotencyKey, uow.Trigger.ID(), uow.Trigger.CorrelationID(), s.now().UTC())
		if err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyProcessed
		}

		if err := s.writeSaga(ctx, tx, uow); err != nil {
			return err
		}

		payload, err := events.Marshal(uow.Trigger)
		if err != nil {
			return fmt.Errorf("failed to marshal journal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertJournalQuery,
			uow.Trigger.ID(),
			uow.Saga.CorrelationID(),
			uow.Trigger.Type(),
			payload,
			string(uow.PreviousState),
			string(uow.Saga.CurrentState()),
			len(uow.Outbox),
			s.now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to append saga journal: %w", err)
		}

		if len(uow.Outbox) > 0 {
			if err := s.outbox.InsertTx(ctx, tx, uow.Outbox...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) writeSaga(ctx context.Context, tx *sqlx.Tx, uow UnitOfWork) error {
	query := updateSagaQuery
	if uow.Created {
		query = insertSagaQuery
	}

	res, err := tx.NamedExecContext(ctx, query, toRow(uow.Saga, uow.ExpectedVersion+1, uow.ExpectedVersion))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == bookingIDConstraint {
			return fmt.Errorf("booking %s: %w", uow.Saga.BookingID(), ErrDuplicateBooking)
		}
		return fmt.Errorf("failed to save saga: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save saga: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) FindStale(ctx context.Context, state saga.SagaState, updatedBefore time.Time, limit int) ([]*saga.BookingSaga, error) {
	var rows []sagaRow
	if err := s.db.SelectContext(ctx, &rows, selectStaleQuery, string(state), updatedBefore.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to query stale sagas: %w", err)
	}

	out := make([]*saga.BookingSaga, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSaga())
	}
	return out, nil
}

func (s *PostgresStore) LoadEvents(ctx context.Context, correlationID string) ([]JournalEntry, error) {
	var rows []journalRow
	if err := s.db.SelectContext(ctx, &rows, selectJournalQuery, correlationID); err != nil {
		return nil, fmt.Errorf("failed to query saga journal: %w", err)
	}

	entries := make([]JournalEntry, 0, len(rows))
	for _, r := range rows {
		entry := JournalEntry{
			EventID:    r.EventID,
			EventType:  r.EventType,
			FromState:  saga.SagaState(r.FromState),
			ToState:    saga.SagaState(r.ToState),
			Effects:    r.Effects,
			RecordedAt: r.RecordedAt,
		}
		if event, err := events.Unmarshal(r.Payload); err == nil {
			entry.Event = event
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
