package payment

import (
	"context"
	"errors"
	"fmt"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/domain/payment"
	"booking-saga/internal/infrastructure/eventbus"
)

// HandleEvent is the bus handler for the payment command topic
func (s *Service) HandleEvent(ctx context.Context, event events.Event) error {
	switch event.Type() {
	case events.TypeCapturePayment:
		return s.HandleCapturePayment(ctx, event)
	case events.TypeRefundPayment:
		return s.HandleRefundPayment(ctx, event)
	default:
		s.logger.Debug("Ignoring event", logger.Field{Key: "event_type", Value: event.Type()})
		return nil
	}
}

func (s *Service) HandleCapturePayment(ctx context.Context, event events.Event) error {
	cmd, ok := event.Data().(events.CapturePaymentData)
	if !ok {
		return eventbus.Permanent(fmt.Errorf("invalid event data type, expected CapturePaymentData, got %T", event.Data()))
	}

	result, err := s.CapturePayment(ctx, payment.CaptureRequest{
		Key:        cmd.IdempotencyKey,
		BookingID:  cmd.BookingID,
		CustomerID: cmd.CustomerID,
		Amount:     cmd.Amount,
		Currency:   cmd.Currency,
	})
	if err != nil {
		return err
	}

	var reply events.Event
	if result.Status == payment.StatusDeclined {
		reply = events.NewReply(events.TypePaymentFailed, event.CorrelationID(), events.PaymentFailedData{
			BookingID: cmd.BookingID,
			PaymentID: result.PaymentID,
			Reason:    result.Reason,
		}, event)
	} else {
		reply = events.NewReply(events.TypePaymentConfirmed, event.CorrelationID(), events.PaymentConfirmedData{
			BookingID: cmd.BookingID,
			PaymentID: result.PaymentID,
			Amount:    cmd.Amount,
		}, event)
	}

	if err := s.eventBus.Publish(ctx, configs.TopicSagaReplies, reply); err != nil {
		return fmt.Errorf("failed to publish %s: %w", reply.Type(), err)
	}
	return nil
}

func (s *Service) HandleRefundPayment(ctx context.Context, event events.Event) error {
	cmd, ok := event.Data().(events.RefundPaymentData)
	if !ok {
		return eventbus.Permanent(fmt.Errorf("invalid event data type, expected RefundPaymentData, got %T", event.Data()))
	}

	result, err := s.RefundPayment(ctx, cmd.PaymentID, cmd.Amount, cmd.IdempotencyKey)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) ||
			errors.Is(err, payment.ErrNotRefundable) ||
			errors.Is(err, payment.ErrRefundTooLarge) {
			return eventbus.Permanent(err)
		}
		return err
	}

	reply := events.NewReply(events.TypePaymentRefunded, event.CorrelationID(), events.PaymentRefundedData{
		BookingID: cmd.BookingID,
		PaymentID: result.PaymentID,
		Amount:    result.Amount,
	}, event)

	if err := s.eventBus.Publish(ctx, configs.TopicSagaReplies, reply); err != nil {
		return fmt.Errorf("failed to publish %s: %w", reply.Type(), err)
	}
	return nil
}
