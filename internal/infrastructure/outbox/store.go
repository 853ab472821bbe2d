package outbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/database"
	"booking-saga/internal/infrastructure/eventbus"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

// claimLease keeps a claimed row invisible to other dispatchers while it is published
const claimLease = 30 * time.Second

const (
	insertMessageQuery = `
		INSERT INTO outbox_messages (id, topic, message_key, event_type, payload, headers, available_at)
		VALUES (:id, :topic, :message_key, :event_type, :payload, :headers, :available_at)
		ON CONFLICT (id) DO NOTHING
	`

	claimBatchQuery = `
		UPDATE outbox_messages
		SET available_at = $2
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE processed_at IS NULL AND available_at <= $1
			ORDER BY available_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, message_key, event_type, payload, headers, available_at, attempts
	`

	markProcessedQuery = `UPDATE outbox_messages SET processed_at = $2, last_error = NULL WHERE id = $1`

	markFailedQuery = `
		UPDATE outbox_messages
		SET attempts = attempts + 1, available_at = $2, last_error = $3
		WHERE id = $1
	`
)

// Message is one row waiting to be published
type Message struct {
	ID          string    `db:"id"`
	Topic       string    `db:"topic"`
	Key         string    `db:"message_key"`
	EventType   string    `db:"event_type"`
	Payload     []byte    `db:"payload"`
	HeadersJSON []byte    `db:"headers"`
	AvailableAt time.Time `db:"available_at"`
	Attempts    int       `db:"attempts"`
}

// Headers decodes the stored message headers
func (m Message) Headers() (map[string]string, error) {
	headers := map[string]string{}
	if len(m.HeadersJSON) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(m.HeadersJSON, &headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers of %s: %w", m.ID, err)
	}
	return headers, nil
}

func newMessage(id, topic, key, eventType string, payload []byte, headers map[string]string, availableAt time.Time) (Message, error) {
	encoded, err := json.Marshal(headers)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode headers: %w", err)
	}
	return Message{
		ID:          id,
		Topic:       topic,
		Key:         key,
		EventType:   eventType,
		Payload:     payload,
		HeadersJSON: encoded,
		AvailableAt: availableAt.UTC(),
	}, nil
}

// NewEventMessage serializes an event for topic. The row id is the event id, so
// re-inserting the same effect is a no-op.
func NewEventMessage(topic string, event events.Event, now time.Time) (Message, error) {
	payload, err := events.Marshal(event)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return newMessage(event.ID(), topic, event.CorrelationID(), event.Type(), payload, eventbus.EventHeaders(event), now)
}

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, schema)
}

// InsertTx writes messages inside the caller's transaction
func (s *Store) InsertTx(ctx context.Context, tx *sqlx.Tx, msgs ...Message) error {
	for _, m := range msgs {
		if _, err := tx.NamedExecContext(ctx, insertMessageQuery, m); err != nil {
			return fmt.Errorf("failed to insert outbox message %s: %w", m.ID, err)
		}
	}
	return nil
}

// ClaimBatch leases up to limit due messages. Rows locked by another dispatcher are skipped.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]Message, error) {
	now := s.now().UTC()

	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs, claimBatchQuery, now, now.Add(claimLease), limit); err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	return msgs, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, markProcessedQuery, id, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to mark outbox message %s processed: %w", id, err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error {
	if _, err := s.db.ExecContext(ctx, markFailedQuery, id, next.UTC(), errMsg); err != nil {
		return fmt.Errorf("failed to mark outbox message %s failed: %w", id, err)
	}
	return nil
}

// ScheduleDelivery stores a delayed redelivery; the dispatcher publishes it once due
func (s *Store) ScheduleDelivery(ctx context.Context, msg eventbus.DelayedMessage) error {
	m, err := newMessage(uuid.New().String(), msg.Topic, msg.Key, msg.Headers[eventbus.HeaderEventType],
		msg.Payload, msg.Headers, s.now().Add(msg.Delay))
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertMessageQuery, m); err != nil {
		return fmt.Errorf("failed to schedule redelivery: %w", err)
	}
	return nil
}
