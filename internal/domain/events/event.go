package events

import "time"

// AggregateTypeBookingSaga is the aggregate every saga event belongs to
const AggregateTypeBookingSaga = "BookingSaga"

type Event interface {
	ID() string
	Type() string
	CorrelationID() string
	AggregateType() string
	Version() int
	Data() interface{}
	Metadata() EventMetadata
	OccurredOn() time.Time
}

type EventMetadata struct {
	CausationID string `json:"causationId,omitempty"`
	TraceID     string `json:"traceId,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
}

type BaseEvent struct {
	eventID       string
	eventType     string
	correlationID string
	aggregateType string
	version       int
	data          interface{}
	metadata      EventMetadata
	occurredOn    time.Time
}

func (e *BaseEvent) ID() string {
	return e.eventID
}

func (e *BaseEvent) Type() string {
	return e.eventType
}

func (e *BaseEvent) CorrelationID() string {
	return e.correlationID
}

func (e *BaseEvent) AggregateType() string {
	return e.aggregateType
}

func (e *BaseEvent) Version() int {
	return e.version
}

func (e *BaseEvent) Data() interface{} {
	return e.data
}

func (e *BaseEvent) Metadata() EventMetadata {
	return e.metadata
}

func (e *BaseEvent) OccurredOn() time.Time {
	return e.occurredOn
}

func NewBaseEvent(eventID, eventType, correlationID string, data interface{}, metadata EventMetadata) *BaseEvent {
	return NewBaseEventWithTimestamp(eventID, eventType, correlationID, data, metadata, time.Now().UTC())
}

func NewBaseEventWithTimestamp(eventID, eventType, correlationID string, data interface{}, metadata EventMetadata, occurredOn time.Time) *BaseEvent {
	return &BaseEvent{
		eventID:       eventID,
		eventType:     eventType,
		correlationID: correlationID,
		aggregateType: AggregateTypeBookingSaga,
		version:       1,
		data:          data,
		metadata:      metadata,
		occurredOn:    occurredOn.UTC(),
	}
}
