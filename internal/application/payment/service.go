package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/payment"
	"booking-saga/internal/infrastructure/eventbus"
	"booking-saga/internal/infrastructure/gateway"
	"booking-saga/internal/infrastructure/paymentstore"

	"github.com/google/uuid"
)

type CaptureResult struct {
	PaymentID string
	Status    payment.Status
	Reason    string
}

type RefundResult struct {
	PaymentID string
	Status    payment.Status
	Amount    float64
}

type Service struct {
	store    paymentstore.Repository
	gateway  gateway.Gateway
	eventBus eventbus.EventBus
	logger   logger.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewService(store paymentstore.Repository, g gateway.Gateway, eb eventbus.EventBus, attemptTimeout time.Duration, l logger.Logger) *Service {
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	return &Service{
		store:    store,
		gateway:  g,
		eventBus: eb,
		logger:   l.With(logger.Field{Key: "component", Value: "payment-service"}),
		timeout:  attemptTimeout,
		now:      time.Now,
	}
}

// CapturePayment charges the customer once per key. A decline is recorded and
// reported in the result; gateway outages and timeouts return an error so the
// command is redelivered.
func (s *Service) CapturePayment(ctx context.Context, req payment.CaptureRequest) (*CaptureResult, error) {
	existing, err := s.store.FindByKey(ctx, req.Key)
	switch {
	case err == nil:
		s.logger.Info("Capture already handled",
			logger.Field{Key: "key", Value: req.Key},
			logger.Field{Key: "payment_id", Value: existing.PaymentID},
			logger.Field{Key: "status", Value: string(existing.Status)},
		)
		return captureResult(existing), nil
	case !errors.Is(err, payment.ErrPaymentNotFound):
		return nil, fmt.Errorf("failed to look up capture %s: %w", req.Key, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.gateway.Capture(attemptCtx, gateway.CaptureRequest{
		IdempotencyKey: req.Key,
		BookingID:      req.BookingID,
		CustomerID:     req.CustomerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
	})

	now := s.now().UTC()
	var p *payment.Payment
	switch {
	case err == nil:
		p = payment.NewCaptured(uuid.New().String(), req, resp.Reference, now)
	case errors.Is(err, gateway.ErrDeclined):
		p = payment.NewDeclined(uuid.New().String(), req, err.Error(), now)
	default:
		s.logger.Warn("Gateway capture attempt failed",
			logger.Field{Key: "key", Value: req.Key},
			logger.Field{Key: "booking_id", Value: req.BookingID},
			logger.Field{Key: "error", Value: err},
		)
		return nil, fmt.Errorf("gateway capture %s: %w", req.Key, err)
	}

	saved, err := s.store.Save(ctx, p)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Capture processed",
		logger.Field{Key: "key", Value: req.Key},
		logger.Field{Key: "payment_id", Value: saved.PaymentID},
		logger.Field{Key: "status", Value: string(saved.Status)},
	)
	return captureResult(saved), nil
}

// RefundPayment returns amount of a captured payment. Refunding a payment
// that is already refunded succeeds without calling the gateway.
func (s *Service) RefundPayment(ctx context.Context, paymentID string, amount float64, key string) (*RefundResult, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	due, err := p.CanRefund(amount)
	if err != nil {
		return nil, err
	}
	if !due {
		return &RefundResult{PaymentID: p.PaymentID, Status: p.Status, Amount: amount}, nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.gateway.Refund(attemptCtx, gateway.RefundRequest{
		IdempotencyKey: key,
		Reference:      p.GatewayReference,
		Amount:         amount,
	}); err != nil {
		return nil, fmt.Errorf("gateway refund %s: %w", paymentID, err)
	}

	p.MarkRefunded(key, s.now().UTC())
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("Payment refunded",
		logger.Field{Key: "payment_id", Value: paymentID},
		logger.Field{Key: "amount", Value: amount},
	)
	return &RefundResult{PaymentID: p.PaymentID, Status: p.Status, Amount: amount}, nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID string) (*payment.Payment, error) {
	return s.store.Get(ctx, paymentID)
}

func captureResult(p *payment.Payment) *CaptureResult {
	return &CaptureResult{PaymentID: p.PaymentID, Status: p.Status, Reason: p.FailureReason}
}
