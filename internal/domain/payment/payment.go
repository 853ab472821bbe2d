package payment

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNotRefundable   = errors.New("payment is not refundable")
	ErrRefundTooLarge  = errors.New("refund exceeds captured amount")
)

type Status string

const (
	StatusCaptured Status = "CAPTURED"
	StatusDeclined Status = "DECLINED"
	StatusRefunded Status = "REFUNDED"
)

// Payment is the outcome of one capture attempt, keyed by the saga's
// capture idempotency key. Declines are stored too so a redelivered
// command gets the same answer.
type Payment struct {
	PaymentID        string
	IdempotencyKey   string
	BookingID        string
	CustomerID       string
	Amount           float64
	Currency         string
	Status           Status
	GatewayReference string
	FailureReason    string
	RefundKey        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type CaptureRequest struct {
	Key        string
	BookingID  string
	CustomerID string
	Amount     float64
	Currency   string
}

func NewCaptured(id string, req CaptureRequest, reference string, now time.Time) *Payment {
	return &Payment{
		PaymentID:        id,
		IdempotencyKey:   req.Key,
		BookingID:        req.BookingID,
		CustomerID:       req.CustomerID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           StatusCaptured,
		GatewayReference: reference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func NewDeclined(id string, req CaptureRequest, reason string, now time.Time) *Payment {
	p := NewCaptured(id, req, "", now)
	p.Status = StatusDeclined
	p.FailureReason = reason
	return p
}

// CanRefund reports whether a refund of amount is due. A payment that is
// already refunded returns false without an error.
func (p *Payment) CanRefund(amount float64) (bool, error) {
	switch p.Status {
	case StatusRefunded:
		return false, nil
	case StatusDeclined:
		return false, fmt.Errorf("%w: payment %s was declined", ErrNotRefundable, p.PaymentID)
	}
	if amount > p.Amount {
		return false, fmt.Errorf("%w: %.2f > %.2f", ErrRefundTooLarge, amount, p.Amount)
	}
	return true, nil
}

func (p *Payment) MarkRefunded(key string, now time.Time) {
	p.Status = StatusRefunded
	p.RefundKey = key
	p.UpdatedAt = now
}
