package inventory

import (
	"context"
	"fmt"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/eventbus"
)

// HandleEvent is the bus handler for the inventory command topic
func (s *Service) HandleEvent(ctx context.Context, event events.Event) error {
	switch event.Type() {
	case events.TypeReserveInventory:
		return s.HandleReserveInventory(ctx, event)
	case events.TypeReleaseInventory:
		return s.HandleReleaseInventory(ctx, event)
	default:
		s.logger.Debug("Ignoring event", logger.Field{Key: "event_type", Value: event.Type()})
		return nil
	}
}

func (s *Service) HandleReserveInventory(ctx context.Context, event events.Event) error {
	cmd, ok := event.Data().(events.ReserveInventoryData)
	if !ok {
		return eventbus.Permanent(fmt.Errorf("invalid event data type, expected ReserveInventoryData, got %T", event.Data()))
	}

	result, err := s.ReserveSlots(ctx, cmd.PackageID, cmd.Quantity, cmd.IdempotencyKey, cmd.BookingID)
	if err != nil {
		return err
	}

	var reply events.Event
	if result.Reserved {
		reply = events.NewReply(events.TypeInventoryReserved, event.CorrelationID(), events.InventoryReservedData{
			BookingID: cmd.BookingID,
			PackageID: cmd.PackageID,
			Quantity:  cmd.Quantity,
		}, event)
	} else {
		reply = events.NewReply(events.TypeInventoryReservationFailed, event.CorrelationID(), events.InventoryReservationFailedData{
			BookingID: cmd.BookingID,
			PackageID: cmd.PackageID,
			Reason:    result.Reason,
		}, event)
	}

	if err := s.eventBus.Publish(ctx, configs.TopicSagaReplies, reply); err != nil {
		return fmt.Errorf("failed to publish %s: %w", reply.Type(), err)
	}
	return nil
}

func (s *Service) HandleReleaseInventory(ctx context.Context, event events.Event) error {
	cmd, ok := event.Data().(events.ReleaseInventoryData)
	if !ok {
		return eventbus.Permanent(fmt.Errorf("invalid event data type, expected ReleaseInventoryData, got %T", event.Data()))
	}

	if _, err := s.ReleaseSlots(ctx, cmd.PackageID, cmd.Quantity, cmd.IdempotencyKey, cmd.ReservationKey, cmd.BookingID); err != nil {
		return err
	}

	reply := events.NewReply(events.TypeInventoryReleased, event.CorrelationID(), events.InventoryReleasedData{
		BookingID: cmd.BookingID,
		PackageID: cmd.PackageID,
		Quantity:  cmd.Quantity,
	}, event)

	if err := s.eventBus.Publish(ctx, configs.TopicSagaReplies, reply); err != nil {
		return fmt.Errorf("failed to publish %s: %w", reply.Type(), err)
	}
	return nil
}
