package events

import (
	"strings"

	"github.com/google/uuid"
)

var sagaNamespace = uuid.MustParse("5b0f4c9e-7f39-4d5f-9a64-0a4e2c1f7d21")

// DeterministicID derives a UUIDv5 from the saga, the emitted event type and its cause.
// Re-deriving an effect after a retry yields the same message id.
func DeterministicID(correlationID, eventType, cause string) string {
	name := strings.Join([]string{correlationID, eventType, cause}, "/")
	return uuid.NewSHA1(sagaNamespace, []byte(name)).String()
}

// IdempotencyKey is the collaborator request key for one saga step.
func IdempotencyKey(correlationID, step string) string {
	return correlationID + ":" + step
}

// BookingIDOf extracts the booking id carried by any known payload
func BookingIDOf(event Event) string {
	switch data := event.Data().(type) {
	case BookingCreatedData:
		return data.BookingID
	case BookingConfirmedData:
		return data.BookingID
	case BookingCancelledData:
		return data.BookingID
	case BookingCancellationRequestedData:
		return data.BookingID
	case ReserveInventoryData:
		return data.BookingID
	case ReleaseInventoryData:
		return data.BookingID
	case CapturePaymentData:
		return data.BookingID
	case RefundPaymentData:
		return data.BookingID
	case InventoryReservedData:
		return data.BookingID
	case InventoryReservationFailedData:
		return data.BookingID
	case InventoryReleasedData:
		return data.BookingID
	case PaymentConfirmedData:
		return data.BookingID
	case PaymentFailedData:
		return data.BookingID
	case PaymentRefundedData:
		return data.BookingID
	case SagaTimedOutData:
		return data.BookingID
	default:
		return ""
	}
}
