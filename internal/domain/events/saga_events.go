package events

import (
	"time"

	"github.com/google/uuid"
)

// Commands sent by the orchestrator to collaborators
const (
	TypeReserveInventory = "ReserveInventoryCommand"
	TypeReleaseInventory = "ReleaseInventoryCommand"
	TypeCapturePayment   = "CapturePaymentCommand"
	TypeRefundPayment    = "RefundPaymentCommand"
)

// Replies published by collaborators
const (
	TypeInventoryReserved          = "InventoryReservedEvent"
	TypeInventoryReservationFailed = "InventoryReservationFailedEvent"
	TypeInventoryReleased          = "InventoryReleasedEvent"
	TypePaymentConfirmed           = "PaymentConfirmedEvent"
	TypePaymentFailed              = "PaymentFailedEvent"
	TypePaymentRefunded            = "PaymentRefundedEvent"
)

// Timeouts raised by the orchestrator's watcher
const (
	TypeInventoryReservationTimedOut = "InventoryReservationTimedOutEvent"
	TypePaymentCaptureTimedOut       = "PaymentCaptureTimedOutEvent"
)

type ReserveInventoryData struct {
	BookingID      string `json:"bookingId"`
	PackageID      string `json:"packageId"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type ReleaseInventoryData struct {
	BookingID      string `json:"bookingId"`
	PackageID      string `json:"packageId"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey"`
	ReservationKey string `json:"reservationKey"`
}

type CapturePaymentData struct {
	BookingID      string  `json:"bookingId"`
	CustomerID     string  `json:"customerId"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

type RefundPaymentData struct {
	BookingID      string  `json:"bookingId"`
	PaymentID      string  `json:"paymentId"`
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

type InventoryReservedData struct {
	BookingID string `json:"bookingId"`
	PackageID string `json:"packageId"`
	Quantity  int    `json:"quantity"`
}

type InventoryReservationFailedData struct {
	BookingID string `json:"bookingId"`
	PackageID string `json:"packageId"`
	Reason    string `json:"reason"`
}

type InventoryReleasedData struct {
	BookingID string `json:"bookingId"`
	PackageID string `json:"packageId"`
	Quantity  int    `json:"quantity"`
}

type PaymentConfirmedData struct {
	BookingID string  `json:"bookingId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
}

type PaymentFailedData struct {
	BookingID string `json:"bookingId"`
	PaymentID string `json:"paymentId,omitempty"`
	Reason    string `json:"reason"`
}

type PaymentRefundedData struct {
	BookingID string  `json:"bookingId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
}

type SagaTimedOutData struct {
	BookingID string    `json:"bookingId"`
	Deadline  time.Time `json:"deadline"`
}

// NewReply builds a collaborator reply that continues the saga identified by correlationID.
func NewReply(eventType, correlationID string, data interface{}, cause Event) *BaseEvent {
	metadata := EventMetadata{}
	if cause != nil {
		metadata = cause.Metadata()
		metadata.CausationID = cause.ID()
	}
	return NewBaseEvent(uuid.New().String(), eventType, correlationID, data, metadata)
}

// NewTimeout builds a timeout event whose id is stable for a given saga, so repeated
// scans of the same stale saga produce the same message.
func NewTimeout(eventType, correlationID, bookingID string, deadline time.Time) *BaseEvent {
	data := SagaTimedOutData{BookingID: bookingID, Deadline: deadline.UTC()}
	return NewBaseEvent(DeterministicID(correlationID, eventType, "timeout"), eventType, correlationID, data, EventMetadata{})
}
