package saga

import (
	"errors"
	"time"
)

var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrEventNotApplicable = errors.New("event not applicable in current saga state")
	ErrSagaNotFound       = errors.New("saga not found")
)

// BookingFacts are set when the saga starts and never change afterwards
type BookingFacts struct {
	BookingID         string
	TenantID          string
	CustomerID        string
	PackageID         string
	NumberOfTravelers int
	Amount            float64
	Currency          string
}

// BookingSaga tracks one booking's progress across inventory and payment
type BookingSaga struct {
	correlationID     string
	facts             BookingFacts
	currentState      SagaState
	paymentID         string
	inventoryReserved bool
	inventoryReleased bool
	paymentProcessed  bool
	paymentRefunded   bool
	failureReason     string
	version           int
	createdAt         time.Time
	updatedAt         time.Time
	completedAt       *time.Time
	failedAt          *time.Time
}

func NewBookingSaga(correlationID string, facts BookingFacts, now time.Time) *BookingSaga {
	return &BookingSaga{
		correlationID: correlationID,
		facts:         facts,
		currentState:  SagaStarted,
		version:       0,
		createdAt:     now,
		updatedAt:     now,
	}
}

// Snapshot is the flat persisted form of a saga
type Snapshot struct {
	CorrelationID     string
	Facts             BookingFacts
	CurrentState      SagaState
	PaymentID         string
	InventoryReserved bool
	InventoryReleased bool
	PaymentProcessed  bool
	PaymentRefunded   bool
	FailureReason     string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	FailedAt          *time.Time
}

// Restore rebuilds a saga from storage
func Restore(s Snapshot) *BookingSaga {
	return &BookingSaga{
		correlationID:     s.CorrelationID,
		facts:             s.Facts,
		currentState:      s.CurrentState,
		paymentID:         s.PaymentID,
		inventoryReserved: s.InventoryReserved,
		inventoryReleased: s.InventoryReleased,
		paymentProcessed:  s.PaymentProcessed,
		paymentRefunded:   s.PaymentRefunded,
		failureReason:     s.FailureReason,
		version:           s.Version,
		createdAt:         s.CreatedAt,
		updatedAt:         s.UpdatedAt,
		completedAt:       s.CompletedAt,
		failedAt:          s.FailedAt,
	}
}

func (s *BookingSaga) Snapshot() Snapshot {
	return Snapshot{
		CorrelationID:     s.correlationID,
		Facts:             s.facts,
		CurrentState:      s.currentState,
		PaymentID:         s.paymentID,
		InventoryReserved: s.inventoryReserved,
		InventoryReleased: s.inventoryReleased,
		PaymentProcessed:  s.paymentProcessed,
		PaymentRefunded:   s.paymentRefunded,
		FailureReason:     s.failureReason,
		Version:           s.version,
		CreatedAt:         s.createdAt,
		UpdatedAt:         s.updatedAt,
		CompletedAt:       s.completedAt,
		FailedAt:          s.failedAt,
	}
}

func (s *BookingSaga) CorrelationID() string {
	return s.correlationID
}

func (s *BookingSaga) Facts() BookingFacts {
	return s.facts
}

func (s *BookingSaga) BookingID() string {
	return s.facts.BookingID
}

func (s *BookingSaga) CurrentState() SagaState {
	return s.currentState
}

func (s *BookingSaga) PaymentID() string {
	return s.paymentID
}

func (s *BookingSaga) InventoryReserved() bool {
	return s.inventoryReserved
}

func (s *BookingSaga) InventoryReleased() bool {
	return s.inventoryReleased
}

func (s *BookingSaga) PaymentProcessed() bool {
	return s.paymentProcessed
}

func (s *BookingSaga) PaymentRefunded() bool {
	return s.paymentRefunded
}

func (s *BookingSaga) FailureReason() string {
	return s.failureReason
}

func (s *BookingSaga) Version() int {
	return s.version
}

func (s *BookingSaga) CreatedAt() time.Time {
	return s.createdAt
}

func (s *BookingSaga) UpdatedAt() time.Time {
	return s.updatedAt
}

func (s *BookingSaga) CompletedAt() *time.Time {
	return s.completedAt
}

func (s *BookingSaga) FailedAt() *time.Time {
	return s.failedAt
}

// IsTerminal returns true if the saga is in a terminal state
func (s *BookingSaga) IsTerminal() bool {
	return s.currentState.IsTerminal()
}

// clone returns a copy that can be mutated without touching s
func (s *BookingSaga) clone() *BookingSaga {
	c := *s
	return &c
}

// transitionTo moves the saga to a new state, stamping terminal timestamps once
func (s *BookingSaga) transitionTo(newState SagaState, now time.Time) error {
	if !s.currentState.CanTransitionTo(newState) {
		return ErrInvalidTransition
	}

	s.currentState = newState
	s.updatedAt = now

	switch newState {
	case SagaCompleted:
		if s.completedAt == nil {
			t := now
			s.completedAt = &t
		}
	case SagaFailed, SagaCompensated:
		if s.failedAt == nil {
			t := now
			s.failedAt = &t
		}
	}
	return nil
}

func (s *BookingSaga) recordPayment(paymentID string) {
	s.paymentID = paymentID
	s.paymentProcessed = true
}

func (s *BookingSaga) fail(reason string) {
	if s.failureReason == "" {
		s.failureReason = reason
	}
}

// compensationSettled reports whether every requested reversal has been confirmed.
// Every compensation path requests a release, so inventory settles only on release.
func (s *BookingSaga) compensationSettled() bool {
	return s.inventoryReleased && (!s.paymentProcessed || s.paymentRefunded)
}
