package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire format shared by the bus, the outbox and the saga journal
type envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	CorrelationID string          `json:"correlationId"`
	AggregateType string          `json:"aggregateType"`
	Version       int             `json:"version"`
	OccurredOn    time.Time       `json:"occurredOn"`
	Metadata      EventMetadata   `json:"metadata"`
	Data          json.RawMessage `json:"data"`
}

type payloadDecoder func(raw json.RawMessage) (interface{}, error)

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var payloadDecoders = map[string]payloadDecoder{
	TypeBookingCreated:               decodeAs[BookingCreatedData],
	TypeBookingConfirmed:             decodeAs[BookingConfirmedData],
	TypeBookingCancelled:             decodeAs[BookingCancelledData],
	TypeBookingCancellationRequested: decodeAs[BookingCancellationRequestedData],
	TypeReserveInventory:             decodeAs[ReserveInventoryData],
	TypeReleaseInventory:             decodeAs[ReleaseInventoryData],
	TypeCapturePayment:               decodeAs[CapturePaymentData],
	TypeRefundPayment:                decodeAs[RefundPaymentData],
	TypeInventoryReserved:            decodeAs[InventoryReservedData],
	TypeInventoryReservationFailed:   decodeAs[InventoryReservationFailedData],
	TypeInventoryReleased:            decodeAs[InventoryReleasedData],
	TypePaymentConfirmed:             decodeAs[PaymentConfirmedData],
	TypePaymentFailed:                decodeAs[PaymentFailedData],
	TypePaymentRefunded:              decodeAs[PaymentRefundedData],
	TypeInventoryReservationTimedOut: decodeAs[SagaTimedOutData],
	TypePaymentCaptureTimedOut:       decodeAs[SagaTimedOutData],
}

// IsKnownType reports whether eventType has a registered payload
func IsKnownType(eventType string) bool {
	_, ok := payloadDecoders[eventType]
	return ok
}

// Marshal serializes an event into its JSON envelope
func Marshal(event Event) ([]byte, error) {
	data, err := json.Marshal(event.Data())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	return json.Marshal(envelope{
		EventID:       event.ID(),
		EventType:     event.Type(),
		CorrelationID: event.CorrelationID(),
		AggregateType: event.AggregateType(),
		Version:       event.Version(),
		OccurredOn:    event.OccurredOn(),
		Metadata:      event.Metadata(),
		Data:          data,
	})
}

// Unmarshal rebuilds an event from its JSON envelope.
// Unknown event types keep their payload as a generic map.
func Unmarshal(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("event envelope missing id or type")
	}

	var data interface{}
	if decode, ok := payloadDecoders[env.EventType]; ok {
		decoded, err := decode(env.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s data: %w", env.EventType, err)
		}
		data = decoded
	} else {
		var generic map[string]interface{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &generic); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		data = generic
	}

	e := NewBaseEventWithTimestamp(env.EventID, env.EventType, env.CorrelationID, data, env.Metadata, env.OccurredOn)
	if env.AggregateType != "" {
		e.aggregateType = env.AggregateType
	}
	if env.Version != 0 {
		e.version = env.Version
	}
	return e, nil
}
