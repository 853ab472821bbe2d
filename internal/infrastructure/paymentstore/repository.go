package paymentstore

import (
	"context"

	"booking-saga/internal/domain/payment"
)

type Repository interface {
	// Save inserts p unless a payment with the same idempotency key exists,
	// in which case the stored payment is returned instead.
	Save(ctx context.Context, p *payment.Payment) (*payment.Payment, error)
	Update(ctx context.Context, p *payment.Payment) error
	Get(ctx context.Context, paymentID string) (*payment.Payment, error)
	FindByKey(ctx context.Context, key string) (*payment.Payment, error)
}
