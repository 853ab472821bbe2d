package paymentstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"booking-saga/internal/domain/payment"

	"github.com/DATA-DOG/go-sqlmock"
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
	return NewPostgresStore(sqlx.NewDb(raw, "sqlmock")), mock
}

func paymentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"payment_id", "idempotency_key", "booking_id", "customer_id", "amount", "currency", "status",
		"gateway_reference", "failure_reason", "refund_key", "created_at", "updated_at",
	})
}

func captured() *payment.Payment {
	return payment.NewCaptured("pay-1", payment.CaptureRequest{
		Key: "corr-1:capture", BookingID: "B1", CustomerID: "cust-1", Amount: 100, Currency: "USD",
	}, "gw-1", now)
}

func TestPostgresStore_Save(t *testing.T) {
	t.Run("Inserts new payment", func(t *testing.T) {
		store, mock := newMockStore(t)
		p := captured()

		mock.ExpectExec(`INSERT INTO payments`).
			WithArgs("pay-1", "corr-1:capture", "B1", "cust-1", 100.0, "USD", "CAPTURED", "gw-1", nil, nil, now, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		saved, err := store.Save(context.Background(), p)
		require.NoError(t, err)
		assert.Same(t, p, saved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Existing key returns stored payment", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec(`INSERT INTO payments`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM payments WHERE idempotency_key`).
			WithArgs("corr-1:capture").
			WillReturnRows(paymentRows().AddRow("pay-0", "corr-1:capture", "B1", "cust-1", 100.0, "USD", "CAPTURED", "gw-0", nil, nil, now, now))

		saved, err := store.Save(context.Background(), captured())
		require.NoError(t, err)
		assert.Equal(t, "pay-0", saved.PaymentID)
		assert.Equal(t, "gw-0", saved.GatewayReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Database error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO payments`).WillReturnError(errors.New("connection reset"))

		_, err := store.Save(context.Background(), captured())
		assert.ErrorContains(t, err, "failed to save payment pay-1")
	})
}

func TestPostgresStore_Update(t *testing.T) {
	store, mock := newMockStore(t)
	p := captured()
	p.MarkRefunded("corr-1:refund", now)

	mock.ExpectExec(`UPDATE payments`).
		WithArgs("REFUNDED", "corr-1:refund", now, "pay-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Update(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM payments WHERE payment_id`).
			WithArgs("pay-1").
			WillReturnRows(paymentRows().AddRow("pay-1", "corr-1:capture", "B1", "cust-1", 100.0, "USD", "DECLINED", nil, "card declined", nil, now, now))

		p, err := store.Get(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Equal(t, payment.StatusDeclined, p.Status)
		assert.Equal(t, "card declined", p.FailureReason)
		assert.Empty(t, p.GatewayReference)
	})

	t.Run("Not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM payments`).WithArgs("missing").WillReturnRows(paymentRows())

		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
	})
}

func TestMemoryStore_SaveIsIdempotentByKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Save(ctx, captured())
	require.NoError(t, err)

	again := captured()
	again.PaymentID = "pay-2"
	second, err := store.Save(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, second.PaymentID)

	byKey, err := store.FindByKey(ctx, "corr-1:capture")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", byKey.PaymentID)
}
