package errors

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/database"
	"booking-saga/internal/infrastructure/dlq"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

var ErrErrorLogNotFound = stderrors.New("error log not found")

// Error types assigned to dead letters
const (
	TypeGatewayDeclined    = "GATEWAY_DECLINED"
	TypeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	TypeTimeout            = "TIMEOUT"
	TypeSchemaValidation   = "SCHEMA_VALIDATION"
	TypeUnknownSaga        = "UNKNOWN_SAGA"
	TypeConcurrency        = "CONCURRENCY"
	TypeUnknown            = "UNKNOWN"
)

const (
	errorLogColumns = `error_id, dlq_event_id, correlation_id, booking_id, event_type, error_type, error_reason,
		original_topic, consumer_group, failure_count, original_event, first_occurred_at, last_occurred_at,
		resolved, resolved_at, created_at`

	insertErrorLogQuery = `
		INSERT INTO error_logs (` + errorLogColumns + `)
		VALUES (:error_id, :dlq_event_id, :correlation_id, :booking_id, :event_type, :error_type, :error_reason,
			:original_topic, :consumer_group, :failure_count, :original_event, :first_occurred_at, :last_occurred_at,
			:resolved, :resolved_at, :created_at)
		ON CONFLICT (dlq_event_id) DO NOTHING`

	selectUnresolvedErrorsQuery = `
		SELECT ` + errorLogColumns + `
		FROM error_logs
		WHERE resolved = FALSE
		ORDER BY created_at DESC
		LIMIT $1`

	updateErrorResolvedQuery = `
		UPDATE error_logs
		SET resolved = TRUE, resolved_at = $2
		WHERE error_id = $1 AND resolved = FALSE`
)

type ErrorLog struct {
	ErrorID         string       `db:"error_id" json:"error_id"`
	DLQEventID      string       `db:"dlq_event_id" json:"dlq_event_id"`
	CorrelationID   string       `db:"correlation_id" json:"correlation_id"`
	BookingID       string       `db:"booking_id" json:"booking_id"`
	EventType       string       `db:"event_type" json:"event_type"`
	ErrorType       string       `db:"error_type" json:"error_type"`
	ErrorReason     string       `db:"error_reason" json:"error_reason"`
	OriginalTopic   string       `db:"original_topic" json:"original_topic"`
	ConsumerGroup   string       `db:"consumer_group" json:"consumer_group"`
	FailureCount    int          `db:"failure_count" json:"failure_count"`
	OriginalEvent   string       `db:"original_event" json:"original_event,omitempty"`
	FirstOccurredAt time.Time    `db:"first_occurred_at" json:"first_occurred_at"`
	LastOccurredAt  time.Time    `db:"last_occurred_at" json:"last_occurred_at"`
	Resolved        bool         `db:"resolved" json:"resolved"`
	ResolvedAt      sql.NullTime `db:"resolved_at" json:"-"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

type DBErrors struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewDBErrors(db *sqlx.DB) *DBErrors {
	return &DBErrors{db: db, now: time.Now}
}

func (dbe *DBErrors) EnsureSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, dbe.db, schema)
}

// PersistDLQEvent stores a dead letter once; a redelivered dead letter with the
// same id is ignored.
func (dbe *DBErrors) PersistDLQEvent(ctx context.Context, e dlq.DLQEvent) (*ErrorLog, error) {
	entry := NewErrorLog(e, dbe.now().UTC())

	if _, err := dbe.db.NamedExecContext(ctx, insertErrorLogQuery, entry); err != nil {
		return nil, fmt.Errorf("failed to persist DLQ event to error_logs: %w", err)
	}
	return entry, nil
}

func (dbe *DBErrors) GetUnresolvedErrors(ctx context.Context, limit int) ([]ErrorLog, error) {
	if limit <= 0 {
		limit = 100
	}

	var logs []ErrorLog
	if err := dbe.db.SelectContext(ctx, &logs, selectUnresolvedErrorsQuery, limit); err != nil {
		return nil, fmt.Errorf("failed to query unresolved errors: %w", err)
	}
	return logs, nil
}

func (dbe *DBErrors) MarkAsResolved(ctx context.Context, errorID string) error {
	res, err := dbe.db.ExecContext(ctx, updateErrorResolvedQuery, errorID, dbe.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark error as resolved: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrErrorLogNotFound
	}
	return nil
}

// NewErrorLog maps a dead letter onto an error_logs row
func NewErrorLog(e dlq.DLQEvent, now time.Time) *ErrorLog {
	entry := &ErrorLog{
		ErrorID:         uuid.New().String(),
		DLQEventID:      e.DLQEventID,
		ErrorType:       ClassifyErrorType(e.FailureReason),
		ErrorReason:     e.FailureReason,
		OriginalTopic:   e.OriginalTopic,
		ConsumerGroup:   e.ConsumerGroup,
		FailureCount:    e.FailureCount,
		OriginalEvent:   string(e.Payload),
		FirstOccurredAt: e.FirstFailureAt,
		LastOccurredAt:  e.LastAttemptAt,
		CreatedAt:       now,
	}
	if entry.FirstOccurredAt.IsZero() {
		entry.FirstOccurredAt = now
	}
	if entry.LastOccurredAt.IsZero() {
		entry.LastOccurredAt = now
	}

	if e.OriginalEvent != nil {
		entry.CorrelationID = e.OriginalEvent.CorrelationID()
		entry.BookingID = events.BookingIDOf(e.OriginalEvent)
		entry.EventType = e.OriginalEvent.Type()
	}
	return entry
}

// ClassifyErrorType buckets a failure reason by the error text it carries
func ClassifyErrorType(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "declined"):
		return TypeGatewayDeclined
	case strings.Contains(r, "gateway unavailable"):
		return TypeGatewayUnavailable
	case strings.Contains(r, "deadline exceeded"), strings.Contains(r, "timeout"), strings.Contains(r, "timed out"):
		return TypeTimeout
	case strings.Contains(r, "invalid event data"), strings.Contains(r, "decode"), strings.Contains(r, "unmarshal"):
		return TypeSchemaValidation
	case strings.Contains(r, "saga not found"):
		return TypeUnknownSaga
	case strings.Contains(r, "version conflict"):
		return TypeConcurrency
	default:
		return TypeUnknown
	}
}
