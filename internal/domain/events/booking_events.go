package events

import (
	"github.com/google/uuid"
)

const (
	TypeBookingCreated               = "BookingCreatedEvent"
	TypeBookingConfirmed             = "BookingConfirmedEvent"
	TypeBookingCancelled             = "BookingCancelledEvent"
	TypeBookingCancellationRequested = "BookingCancellationRequestedEvent"
)

type BookingCreatedData struct {
	BookingID         string  `json:"bookingId"`
	TenantID          string  `json:"tenantId"`
	CustomerID        string  `json:"customerId"`
	PackageID         string  `json:"packageId"`
	NumberOfTravelers int     `json:"numberOfTravelers"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
}

// NewBookingCreated starts a saga; correlationID is chosen by the caller and never changes.
func NewBookingCreated(correlationID string, data BookingCreatedData, metadata EventMetadata) *BaseEvent {
	if metadata.TenantID == "" {
		metadata.TenantID = data.TenantID
	}
	return NewBaseEvent(uuid.New().String(), TypeBookingCreated, correlationID, data, metadata)
}

type BookingConfirmedData struct {
	BookingID  string `json:"bookingId"`
	PaymentID  string `json:"paymentId"`
	CustomerID string `json:"customerId,omitempty"`
	TenantID   string `json:"tenantId,omitempty"`
}

type BookingCancelledData struct {
	BookingID  string `json:"bookingId"`
	Reason     string `json:"reason"`
	CustomerID string `json:"customerId,omitempty"`
	TenantID   string `json:"tenantId,omitempty"`
}

type BookingCancellationRequestedData struct {
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason"`
}

func NewBookingCancellationRequested(correlationID, bookingID, reason string, metadata EventMetadata) *BaseEvent {
	data := BookingCancellationRequestedData{
		BookingID: bookingID,
		Reason:    reason,
	}
	return NewBaseEvent(uuid.New().String(), TypeBookingCancellationRequested, correlationID, data, metadata)
}
