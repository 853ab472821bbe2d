package saga

import (
	"fmt"
	"time"

	"booking-saga/internal/domain/events"
)

// Failure reasons carried by BookingCancelledEvent
const (
	ReasonPaymentFailed          = "payment failed"
	ReasonInventoryUnavailable   = "inventory unavailable"
	ReasonReservationTimedOut    = "inventory reservation timed out"
	ReasonPaymentCaptureTimedOut = "payment capture timed out"
	ReasonCancelledByRequest     = "cancelled by request"
)

// Collaborator steps used to derive idempotency keys
const (
	StepReserve = "reserve"
	StepRelease = "release"
	StepCapture = "capture"
	StepRefund  = "refund"
)

// Outcome is the result of applying one event: the next saga value and the
// events that must be published alongside it.
type Outcome struct {
	Saga    *BookingSaga
	Effects []events.Event
}

type transitionFunc func(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error)

// transitions is the dispatch table (current state, event type) -> handler
var transitions = map[SagaState]map[string]transitionFunc{
	SagaStarted: {
		events.TypeInventoryReserved:            onInventoryReserved,
		events.TypeInventoryReservationFailed:   onInventoryReservationFailed,
		events.TypeInventoryReservationTimedOut: compensateWith(ReasonReservationTimedOut),
		events.TypeBookingCancellationRequested: onCancellationRequested,
	},
	SagaPaymentPending: {
		events.TypePaymentConfirmed:             onPaymentConfirmed,
		events.TypePaymentFailed:                compensateWith(ReasonPaymentFailed),
		events.TypePaymentCaptureTimedOut:       compensateWith(ReasonPaymentCaptureTimedOut),
		events.TypeBookingCancellationRequested: onCancellationRequested,
	},
	SagaCompensating: {
		events.TypeInventoryReleased: onInventoryReleased,
		events.TypeInventoryReserved: onLateInventoryReserved,
		events.TypePaymentConfirmed:  onLatePaymentConfirmed,
		events.TypePaymentRefunded:   onPaymentRefunded,
	},
	SagaFailed: {
		events.TypePaymentConfirmed: onLatePaymentConfirmed,
		events.TypePaymentRefunded:  onPaymentRefunded,
	},
	SagaCompensated: {
		events.TypePaymentConfirmed: onLatePaymentConfirmed,
		events.TypePaymentRefunded:  onPaymentRefunded,
	},
}

// ProcessedKey is the idempotency key recorded once an event has been applied
func ProcessedKey(event events.Event) string {
	return events.IdempotencyKey(event.CorrelationID(), event.Type())
}

// Transition applies event to current and returns the next saga and its effects.
// current is nil when no saga exists yet for the event's correlation id.
// The input saga is never modified.
func Transition(current *BookingSaga, event events.Event, now time.Time) (Outcome, error) {
	now = now.UTC()

	if current == nil {
		if event.Type() != events.TypeBookingCreated {
			return Outcome{}, ErrSagaNotFound
		}
		return start(event, now)
	}

	if event.CorrelationID() != current.correlationID {
		return Outcome{}, fmt.Errorf("event %s belongs to saga %s, not %s: %w",
			event.ID(), event.CorrelationID(), current.correlationID, ErrEventNotApplicable)
	}

	handler, ok := transitions[current.currentState][event.Type()]
	if !ok {
		return Outcome{}, fmt.Errorf("%s in state %s: %w", event.Type(), current.currentState, ErrEventNotApplicable)
	}

	next := current.clone()
	effects, err := handler(next, event, now)
	if err != nil {
		return Outcome{}, err
	}
	next.updatedAt = now

	return Outcome{Saga: next, Effects: effects}, nil
}

func start(event events.Event, now time.Time) (Outcome, error) {
	data, err := payload[events.BookingCreatedData](event)
	if err != nil {
		return Outcome{}, err
	}

	s := NewBookingSaga(event.CorrelationID(), BookingFacts{
		BookingID:         data.BookingID,
		TenantID:          data.TenantID,
		CustomerID:        data.CustomerID,
		PackageID:         data.PackageID,
		NumberOfTravelers: data.NumberOfTravelers,
		Amount:            data.Amount,
		Currency:          data.Currency,
	}, now)

	reserve := events.ReserveInventoryData{
		BookingID:      s.facts.BookingID,
		PackageID:      s.facts.PackageID,
		Quantity:       s.facts.NumberOfTravelers,
		IdempotencyKey: events.IdempotencyKey(s.correlationID, StepReserve),
	}
	return Outcome{Saga: s, Effects: []events.Event{s.effect(events.TypeReserveInventory, reserve, event, now)}}, nil
}

func onInventoryReserved(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
	s.inventoryReserved = true
	if err := s.transitionTo(SagaPaymentPending, now); err != nil {
		return nil, err
	}

	capture := events.CapturePaymentData{
		BookingID:      s.facts.BookingID,
		CustomerID:     s.facts.CustomerID,
		Amount:         s.facts.Amount,
		Currency:       s.facts.Currency,
		IdempotencyKey: events.IdempotencyKey(s.correlationID, StepCapture),
	}
	return []events.Event{s.effect(events.TypeCapturePayment, capture, event, now)}, nil
}

func onInventoryReservationFailed(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
	reason := ReasonInventoryUnavailable
	if data, err := payload[events.InventoryReservationFailedData](event); err == nil && data.Reason != "" {
		reason = ReasonInventoryUnavailable + ": " + data.Reason
	}

	s.fail(reason)
	if err := s.transitionTo(SagaFailed, now); err != nil {
		return nil, err
	}
	return []events.Event{s.cancelled(event, now)}, nil
}

func onCancellationRequested(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
	reason := ReasonCancelledByRequest
	if data, err := payload[events.BookingCancellationRequestedData](event); err == nil && data.Reason != "" {
		reason = data.Reason
	}
	return compensateWith(reason)(s, event, now)
}

// compensateWith moves the saga into Compensating and asks inventory to release.
// Release is requested even when the reservation was never confirmed: the
// collaborator records a tombstone so a late reserve cannot hold slots.
func compensateWith(reason string) transitionFunc {
	return func(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
		s.fail(reason)
		if err := s.transitionTo(SagaCompensating, now); err != nil {
			return nil, err
		}

		release := events.ReleaseInventoryData{
			BookingID:      s.facts.BookingID,
			PackageID:      s.facts.PackageID,
			Quantity:       s.facts.NumberOfTravelers,
			IdempotencyKey: events.IdempotencyKey(s.correlationID, StepRelease),
			ReservationKey: events.IdempotencyKey(s.correlationID, StepReserve),
		}
		return []events.Event{s.effect(events.TypeReleaseInventory, release, event, now)}, nil
	}
}

func onPaymentConfirmed(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
	data, err := payload[events.PaymentConfirmedData](event)
	if err != nil {
		return nil, err
	}
	if data.PaymentID == "" {
		return nil, fmt.Errorf("payment confirmation for %s has no payment id", s.correlationID)
	}

	s.recordPayment(data.PaymentID)
	if err := s.transitionTo(SagaCompleted, now); err != nil {
		return nil, err
	}

	confirmed := events.BookingConfirmedData{
		BookingID:  s.facts.BookingID,
		PaymentID:  s.paymentID,
		CustomerID: s.facts.CustomerID,
		TenantID:   s.facts.TenantID,
	}
	return []events.Event{s.effect(events.TypeBookingConfirmed, confirmed, event, now)}, nil
}

func onInventoryReleased(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
	s.inventoryReleased = true
	return s.settle(event, now)
}

func onLateInventoryReserved(s *BookingSaga, _ events.Event, _ time.Time) ([]events.Event, error) {
	// release is already on its way and covers this reservation
	s.inventoryReserved = true
	return nil, nil
}

// onLatePaymentConfirmed refunds a capture that landed after the saga gave up on it
func onLatePaymentConfirmed(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
	if s.paymentProcessed {
		return nil, fmt.Errorf("payment for %s already recorded: %w", s.correlationID, ErrEventNotApplicable)
	}

	data, err := payload[events.PaymentConfirmedData](event)
	if err != nil {
		return nil, err
	}
	if data.PaymentID == "" {
		return nil, fmt.Errorf("payment confirmation for %s has no payment id", s.correlationID)
	}

	s.recordPayment(data.PaymentID)

	amount := data.Amount
	if amount == 0 {
		amount = s.facts.Amount
	}
	refund := events.RefundPaymentData{
		BookingID:      s.facts.BookingID,
		PaymentID:      s.paymentID,
		Amount:         amount,
		IdempotencyKey: events.IdempotencyKey(s.correlationID, StepRefund),
	}
	return []events.Event{s.effect(events.TypeRefundPayment, refund, event, now)}, nil
}

func onPaymentRefunded(s *BookingSaga, event events.Event, now time.Time) ([]events.Event, error) {
	if !s.paymentProcessed {
		return nil, fmt.Errorf("refund for %s without a recorded payment: %w", s.correlationID, ErrEventNotApplicable)
	}
	s.paymentRefunded = true

	if s.currentState != SagaCompensating {
		return nil, nil
	}
	return s.settle(event, now)
}

// settle finishes compensation once every requested reversal has been confirmed
func (s *BookingSaga) settle(event events.Event, now time.Time) ([]events.Event, error) {
	if !s.compensationSettled() {
		return nil, nil
	}
	if err := s.transitionTo(SagaCompensated, now); err != nil {
		return nil, err
	}
	return []events.Event{s.cancelled(event, now)}, nil
}

func (s *BookingSaga) cancelled(cause events.Event, now time.Time) events.Event {
	data := events.BookingCancelledData{
		BookingID:  s.facts.BookingID,
		Reason:     s.failureReason,
		CustomerID: s.facts.CustomerID,
		TenantID:   s.facts.TenantID,
	}
	return s.effect(events.TypeBookingCancelled, data, cause, now)
}

// effect builds an outbound event whose id depends only on the saga, its type
// and the triggering event, so a retried transition emits the same message.
func (s *BookingSaga) effect(eventType string, data interface{}, cause events.Event, now time.Time) events.Event {
	metadata := events.EventMetadata{
		CausationID: cause.ID(),
		TraceID:     cause.Metadata().TraceID,
		TenantID:    s.facts.TenantID,
	}
	id := events.DeterministicID(s.correlationID, eventType, cause.ID())
	return events.NewBaseEventWithTimestamp(id, eventType, s.correlationID, data, metadata, now)
}

func payload[T any](event events.Event) (T, error) {
	switch data := event.Data().(type) {
	case T:
		return data, nil
	case *T:
		if data != nil {
			return *data, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unexpected payload %T for %s", event.Data(), event.Type())
}
