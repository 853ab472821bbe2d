package saga

// SagaState represents the current state of a booking saga
type SagaState string

const (
	// SagaStarted indicates the booking was observed and inventory was requested
	SagaStarted SagaState = "STARTED"
	// SagaInventoryReserved indicates the package slots are held
	SagaInventoryReserved SagaState = "INVENTORY_RESERVED"
	// SagaPaymentPending indicates payment capture was requested
	SagaPaymentPending SagaState = "PAYMENT_PENDING"
	// SagaPaymentProcessed indicates the payment was captured
	SagaPaymentProcessed SagaState = "PAYMENT_PROCESSED"
	// SagaCompleted indicates the booking is confirmed
	SagaCompleted SagaState = "COMPLETED"
	// SagaFailed indicates the saga failed before anything needed reversing
	SagaFailed SagaState = "FAILED"
	// SagaCompensating indicates completed steps are being reversed
	SagaCompensating SagaState = "COMPENSATING"
	// SagaCompensated indicates every completed step was reversed
	SagaCompensated SagaState = "COMPENSATED"
)

// CanTransitionTo checks if a state transition is valid
func (s SagaState) CanTransitionTo(target SagaState) bool {
	validTransitions := map[SagaState][]SagaState{
		SagaStarted: {SagaInventoryReserved, SagaPaymentPending, SagaFailed, SagaCompensating},
		// InventoryReserved and PaymentProcessed are recorded by the step flags;
		// the orchestrator moves through them in a single transition
		SagaInventoryReserved: {SagaPaymentPending, SagaCompensating},
		SagaPaymentPending:    {SagaPaymentProcessed, SagaCompleted, SagaCompensating},
		SagaPaymentProcessed:  {SagaCompleted, SagaCompensating},
		SagaCompensating:      {SagaCompensated},
		// Terminal states
		SagaCompleted:   {},
		SagaFailed:      {},
		SagaCompensated: {},
	}

	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}

	for _, state := range allowed {
		if state == target {
			return true
		}
	}

	return false
}

// IsTerminal returns true for states that accept no further transitions
func (s SagaState) IsTerminal() bool {
	return s == SagaCompleted || s == SagaFailed || s == SagaCompensated
}

// IsValid reports whether s is a known state
func (s SagaState) IsValid() bool {
	switch s {
	case SagaStarted, SagaInventoryReserved, SagaPaymentPending, SagaPaymentProcessed,
		SagaCompleted, SagaFailed, SagaCompensating, SagaCompensated:
		return true
	}
	return false
}
