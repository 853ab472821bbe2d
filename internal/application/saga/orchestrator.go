package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/common/metrics"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/domain/saga"
	"booking-saga/internal/infrastructure/eventbus"
	"booking-saga/internal/infrastructure/outbox"
	"booking-saga/internal/infrastructure/sagastore"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrBookingFinalized is returned when cancelling a booking whose saga already ended
var ErrBookingFinalized = errors.New("booking already finalized")

// Counter names reported by the orchestrator
const (
	MetricSagasStarted     = "sagas_started_total"
	MetricSagasCompleted   = "sagas_completed_total"
	MetricSagasFailed      = "sagas_failed_total"
	MetricSagasCompensated = "sagas_compensated_total"
	MetricDuplicates       = "saga_duplicate_events_total"
	MetricNotApplicable    = "saga_dropped_events_total"
	MetricVersionConflicts = "saga_version_conflicts_total"
)

type CreateBookingRequest struct {
	BookingID         string  `json:"booking_id,omitempty" validate:"omitempty,max=64"`
	TenantID          string  `json:"tenant_id" validate:"omitempty,max=64"`
	CustomerID        string  `json:"customer_id" validate:"required"`
	PackageID         string  `json:"package_id" validate:"required"`
	NumberOfTravelers int     `json:"number_of_travelers" validate:"required,min=1,max=50"`
	Amount            float64 `json:"amount" validate:"required,gt=0"`
	Currency          string  `json:"currency" validate:"required,len=3"`
	TraceID           string  `json:"-"`
}

type BookingResponse struct {
	BookingID     string `json:"booking_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

type SagaStatus struct {
	CorrelationID     string     `json:"correlation_id"`
	BookingID         string     `json:"booking_id"`
	Status            string     `json:"status"`
	PackageID         string     `json:"package_id"`
	NumberOfTravelers int        `json:"number_of_travelers"`
	Amount            float64    `json:"amount"`
	Currency          string     `json:"currency"`
	PaymentID         string     `json:"payment_id,omitempty"`
	InventoryReserved bool       `json:"inventory_reserved"`
	PaymentProcessed  bool       `json:"payment_processed"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	Version           int        `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

type HistoryEntry struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state"`
	Effects    int       `json:"effects"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Orchestrator struct {
	repo     sagastore.Repository
	eventBus eventbus.EventBus
	metrics  metrics.Collector
	logger   logger.Logger
	validate *validator.Validate
	handlers map[string]eventbus.EventHandler
	now      func() time.Time
}

func NewOrchestrator(repo sagastore.Repository, eb eventbus.EventBus, mc metrics.Collector, l logger.Logger) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		eventBus: eb,
		metrics:  mc,
		logger:   l.With(logger.Field{Key: "component", Value: "saga-orchestrator"}),
		validate: validator.New(),
		now:      time.Now,
	}

	o.handlers = map[string]eventbus.EventHandler{
		events.TypeBookingCreated:               o.apply,
		events.TypeBookingCancellationRequested: o.apply,
		events.TypeInventoryReserved:            o.apply,
		events.TypeInventoryReservationFailed:   o.apply,
		events.TypeInventoryReleased:            o.apply,
		events.TypePaymentConfirmed:             o.apply,
		events.TypePaymentFailed:                o.apply,
		events.TypePaymentRefunded:              o.apply,
		events.TypeInventoryReservationTimedOut: o.apply,
		events.TypePaymentCaptureTimedOut:       o.apply,
		// our own outcomes come back on booking.events.v1
		events.TypeBookingConfirmed: o.ignore,
		events.TypeBookingCancelled: o.ignore,
	}
	return o
}

// HandleEvent is the bus handler for every topic the orchestrator consumes.
// A returned error makes the bus retry; eventbus.Permanent errors are dead-lettered.
func (o *Orchestrator) HandleEvent(ctx context.Context, event events.Event) error {
	handler, ok := o.handlers[event.Type()]
	if !ok {
		o.logger.Warn("No handler for event type",
			logger.Field{Key: "event_type", Value: event.Type()},
			logger.Field{Key: "event_id", Value: event.ID()},
		)
		return nil
	}
	return handler(ctx, event)
}

func (o *Orchestrator) ignore(context.Context, events.Event) error {
	return nil
}

// apply runs one event through the saga and commits the outcome
func (o *Orchestrator) apply(ctx context.Context, event events.Event) error {
	log := o.logger.With(
		logger.Field{Key: "correlation_id", Value: event.CorrelationID()},
		logger.Field{Key: "event_type", Value: event.Type()},
		logger.Field{Key: "event_id", Value: event.ID()},
	)

	key := saga.ProcessedKey(event)
	processed, err := o.repo.IsProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check idempotency key %s: %w", key, err)
	}
	if processed {
		o.count(MetricDuplicates)
		log.Debug("Duplicate event skipped")
		return nil
	}

	current, err := o.repo.Load(ctx, event.CorrelationID())
	if err != nil && !errors.Is(err, saga.ErrSagaNotFound) {
		return fmt.Errorf("failed to load saga: %w", err)
	}

	outcome, err := saga.Transition(current, event, o.now())
	switch {
	case errors.Is(err, saga.ErrSagaNotFound):
		return eventbus.Permanent(fmt.Errorf("%s for unknown saga %s: %w", event.Type(), event.CorrelationID(), err))
	case errors.Is(err, saga.ErrEventNotApplicable):
		o.count(MetricNotApplicable)
		log.Warn("Event not applicable, dropped", logger.Field{Key: "error", Value: err})
		return nil
	case err != nil:
		// malformed payloads and illegal transitions fail the same way on every retry
		return eventbus.Permanent(fmt.Errorf("failed to apply event: %w", err))
	}

	msgs, err := o.outboxMessages(outcome.Effects)
	if err != nil {
		return eventbus.Permanent(err)
	}

	uow := sagastore.UnitOfWork{
		Saga:           outcome.Saga,
		Created:        current == nil,
		Trigger:        event,
		IdempotencyKey: key,
		Outbox:         msgs,
	}
	if current != nil {
		uow.PreviousState = current.CurrentState()
		uow.ExpectedVersion = current.Version()
	}

	if err := o.repo.Commit(ctx, uow); err != nil {
		if errors.Is(err, sagastore.ErrAlreadyProcessed) {
			o.count(MetricDuplicates)
			log.Debug("Event committed concurrently, skipped")
			return nil
		}
		if errors.Is(err, sagastore.ErrVersionConflict) {
			o.count(MetricVersionConflicts)
		}
		if errors.Is(err, sagastore.ErrDuplicateBooking) {
			return eventbus.Permanent(fmt.Errorf("failed to start saga %s: %w", event.CorrelationID(), err))
		}
		return fmt.Errorf("failed to commit saga %s: %w", event.CorrelationID(), err)
	}

	o.recordOutcome(uow)
	log.Info("Saga advanced",
		logger.Field{Key: "from_state", Value: string(uow.PreviousState)},
		logger.Field{Key: "to_state", Value: string(outcome.Saga.CurrentState())},
		logger.Field{Key: "effects", Value: len(msgs)},
	)
	return nil
}

func (o *Orchestrator) outboxMessages(effects []events.Event) ([]outbox.Message, error) {
	now := o.now().UTC()
	msgs := make([]outbox.Message, 0, len(effects))
	for _, effect := range effects {
		topic, ok := TopicFor(effect.Type())
		if !ok {
			return nil, fmt.Errorf("no route for event type %s", effect.Type())
		}
		msg, err := outbox.NewEventMessage(topic, effect, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (o *Orchestrator) recordOutcome(uow sagastore.UnitOfWork) {
	next := uow.Saga.CurrentState()
	if uow.Created {
		o.count(MetricSagasStarted)
	}
	if next == uow.PreviousState {
		return
	}
	switch next {
	case saga.SagaCompleted:
		o.count(MetricSagasCompleted)
	case saga.SagaFailed:
		o.count(MetricSagasFailed)
	case saga.SagaCompensated:
		o.count(MetricSagasCompensated)
	}
}

func (o *Orchestrator) count(name string) {
	if o.metrics != nil {
		o.metrics.IncrementCounter(name)
	}
}

// CreateBooking starts a saga by publishing BookingCreatedEvent. The saga row is
// created when the orchestrator consumes that event.
func (o *Orchestrator) CreateBooking(ctx context.Context, req CreateBookingRequest) (*BookingResponse, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, err
	}

	bookingID := req.BookingID
	if bookingID == "" {
		bookingID = uuid.New().String()
	} else {
		_, err := o.repo.FindByBookingID(ctx, bookingID)
		if err == nil {
			return nil, fmt.Errorf("booking %s: %w", bookingID, sagastore.ErrDuplicateBooking)
		}
		if !errors.Is(err, saga.ErrSagaNotFound) {
			return nil, fmt.Errorf("failed to check booking %s: %w", bookingID, err)
		}
	}
	correlationID := uuid.New().String()
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	event := events.NewBookingCreated(correlationID, events.BookingCreatedData{
		BookingID:         bookingID,
		TenantID:          req.TenantID,
		CustomerID:        req.CustomerID,
		PackageID:         req.PackageID,
		NumberOfTravelers: req.NumberOfTravelers,
		Amount:            req.Amount,
		Currency:          req.Currency,
	}, events.EventMetadata{TraceID: traceID, TenantID: req.TenantID})

	if err := o.eventBus.Publish(ctx, configs.TopicBookingEvents, event); err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}

	o.logger.Info("Booking created",
		logger.Field{Key: "booking_id", Value: bookingID},
		logger.Field{Key: "correlation_id", Value: correlationID},
	)

	return &BookingResponse{
		BookingID:     bookingID,
		CorrelationID: correlationID,
		Status:        string(saga.SagaStarted),
		CreatedAt:     event.OccurredOn().Format(time.RFC3339),
	}, nil
}

// RequestCancellation asks a running saga to compensate
func (o *Orchestrator) RequestCancellation(ctx context.Context, correlationID, reason string) error {
	s, err := o.repo.Load(ctx, correlationID)
	if err != nil {
		return err
	}
	if s.IsTerminal() || s.CurrentState() == saga.SagaCompensating {
		return fmt.Errorf("saga %s is %s: %w", correlationID, s.CurrentState(), ErrBookingFinalized)
	}

	event := events.NewBookingCancellationRequested(correlationID, s.BookingID(), reason, events.EventMetadata{
		TenantID: s.Facts().TenantID,
	})
	if err := o.eventBus.Publish(ctx, configs.TopicSagaReplies, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	o.logger.Info("Cancellation requested",
		logger.Field{Key: "correlation_id", Value: correlationID},
		logger.Field{Key: "reason", Value: reason},
	)
	return nil
}

func (o *Orchestrator) GetSagaStatus(ctx context.Context, correlationID string) (*SagaStatus, error) {
	s, err := o.repo.Load(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	facts := s.Facts()
	return &SagaStatus{
		CorrelationID:     s.CorrelationID(),
		BookingID:         facts.BookingID,
		Status:            string(s.CurrentState()),
		PackageID:         facts.PackageID,
		NumberOfTravelers: facts.NumberOfTravelers,
		Amount:            facts.Amount,
		Currency:          facts.Currency,
		PaymentID:         s.PaymentID(),
		InventoryReserved: s.InventoryReserved(),
		PaymentProcessed:  s.PaymentProcessed(),
		FailureReason:     s.FailureReason(),
		Version:           s.Version(),
		CreatedAt:         s.CreatedAt(),
		UpdatedAt:         s.UpdatedAt(),
		CompletedAt:       s.CompletedAt(),
		FailedAt:          s.FailedAt(),
	}, nil
}

// GetSagaHistory returns the applied events of a saga in order
func (o *Orchestrator) GetSagaHistory(ctx context.Context, correlationID string) ([]HistoryEntry, error) {
	entries, err := o.repo.LoadEvents(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load saga history: %w", err)
	}
	if len(entries) == 0 {
		return nil, saga.ErrSagaNotFound
	}

	history := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		history = append(history, HistoryEntry{
			EventID:    e.EventID,
			EventType:  e.EventType,
			FromState:  string(e.FromState),
			ToState:    string(e.ToState),
			Effects:    e.Effects,
			RecordedAt: e.RecordedAt,
		})
	}
	return history, nil
}
