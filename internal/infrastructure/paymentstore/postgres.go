package paymentstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"booking-saga/internal/domain/payment"
	"booking-saga/internal/infrastructure/database"

	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

const (
	paymentColumns = `payment_id, idempotency_key, booking_id, customer_id, amount, currency, status,
		gateway_reference, failure_reason, refund_key, created_at, updated_at`

	insertPaymentQuery = `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (:payment_id, :idempotency_key, :booking_id, :customer_id, :amount, :currency, :status,
			:gateway_reference, :failure_reason, :refund_key, :created_at, :updated_at)
		ON CONFLICT (idempotency_key) DO NOTHING`

	updatePaymentQuery = `
		UPDATE payments
		SET status = :status, refund_key = :refund_key, updated_at = :updated_at
		WHERE payment_id = :payment_id`

	selectByIDQuery  = `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`
	selectByKeyQuery = `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`
)

type paymentRow struct {
	PaymentID        string         `db:"payment_id"`
	IdempotencyKey   string         `db:"idempotency_key"`
	BookingID        string         `db:"booking_id"`
	CustomerID       string         `db:"customer_id"`
	Amount           float64        `db:"amount"`
	Currency         string         `db:"currency"`
	Status           string         `db:"status"`
	GatewayReference sql.NullString `db:"gateway_reference"`
	FailureReason    sql.NullString `db:"failure_reason"`
	RefundKey        sql.NullString `db:"refund_key"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func toRow(p *payment.Payment) paymentRow {
	return paymentRow{
		PaymentID:        p.PaymentID,
		IdempotencyKey:   p.IdempotencyKey,
		BookingID:        p.BookingID,
		CustomerID:       p.CustomerID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Status:           string(p.Status),
		GatewayReference: nullable(p.GatewayReference),
		FailureReason:    nullable(p.FailureReason),
		RefundKey:        nullable(p.RefundKey),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func (r paymentRow) toDomain() *payment.Payment {
	return &payment.Payment{
		PaymentID:        r.PaymentID,
		IdempotencyKey:   r.IdempotencyKey,
		BookingID:        r.BookingID,
		CustomerID:       r.CustomerID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		Status:           payment.Status(r.Status),
		GatewayReference: r.GatewayReference.String,
		FailureReason:    r.FailureReason.String,
		RefundKey:        r.RefundKey.String,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, schema)
}

func (s *PostgresStore) Save(ctx context.Context, p *payment.Payment) (*payment.Payment, error) {
	res, err := s.db.NamedExecContext(ctx, insertPaymentQuery, toRow(p))
	if err != nil {
		return nil, fmt.Errorf("failed to save payment %s: %w", p.PaymentID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.FindByKey(ctx, p.IdempotencyKey)
	}
	return p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *payment.Payment) error {
	res, err := s.db.NamedExecContext(ctx, updatePaymentQuery, toRow(p))
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", p.PaymentID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return payment.ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, paymentID string) (*payment.Payment, error) {
	return s.selectOne(ctx, selectByIDQuery, paymentID)
}

func (s *PostgresStore) FindByKey(ctx context.Context, key string) (*payment.Payment, error) {
	return s.selectOne(ctx, selectByKeyQuery, key)
}

func (s *PostgresStore) selectOne(ctx context.Context, query, arg string) (*payment.Payment, error) {
	var row paymentRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to load payment %s: %w", arg, err)
	}
	return row.toDomain(), nil
}
