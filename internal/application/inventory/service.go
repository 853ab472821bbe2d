package inventory

import (
	"context"
	"errors"
	"fmt"

	"booking-saga/internal/common/logger"
	"booking-saga/internal/domain/inventory"
	"booking-saga/internal/infrastructure/eventbus"
	"booking-saga/internal/infrastructure/inventorystore"
)

type ReserveResult struct {
	Reserved bool
	Reason   string
}

type ReleaseResult struct {
	Released bool
}

type SetCapacityRequest struct {
	Capacity int `json:"capacity" validate:"min=0"`
}

type PackageView struct {
	PackageID string `json:"package_id"`
	Capacity  int    `json:"capacity"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	Version   int    `json:"version"`
}

type Service struct {
	store    inventorystore.Repository
	eventBus eventbus.EventBus
	logger   logger.Logger
}

func NewService(store inventorystore.Repository, eb eventbus.EventBus, l logger.Logger) *Service {
	return &Service{
		store:    store,
		eventBus: eb,
		logger:   l.With(logger.Field{Key: "component", Value: "inventory-service"}),
	}
}

// ReserveSlots holds quantity slots of a package under key. Refusals are
// reported in the result; only infrastructure failures return an error.
func (s *Service) ReserveSlots(ctx context.Context, packageID string, quantity int, key, bookingID string) (*ReserveResult, error) {
	_, err := s.store.Reserve(ctx, inventory.ReserveRequest{
		Key:       key,
		BookingID: bookingID,
		PackageID: packageID,
		Quantity:  quantity,
	})
	if err != nil {
		if inventory.IsBusinessError(err) {
			s.logger.Warn("Reservation refused",
				logger.Field{Key: "package_id", Value: packageID},
				logger.Field{Key: "key", Value: key},
				logger.Field{Key: "quantity", Value: quantity},
				logger.Field{Key: "reason", Value: err.Error()},
			)
			return &ReserveResult{Reserved: false, Reason: err.Error()}, nil
		}
		return nil, fmt.Errorf("failed to reserve slots: %w", err)
	}

	s.logger.Info("Slots reserved",
		logger.Field{Key: "package_id", Value: packageID},
		logger.Field{Key: "key", Value: key},
		logger.Field{Key: "quantity", Value: quantity},
	)
	return &ReserveResult{Reserved: true}, nil
}

// ReleaseSlots frees the reservation held under reservationKey. Releasing an
// unknown reservation succeeds and blocks any later reserve with that key.
func (s *Service) ReleaseSlots(ctx context.Context, packageID string, quantity int, key, reservationKey, bookingID string) (*ReleaseResult, error) {
	r, err := s.store.Release(ctx, inventory.ReleaseRequest{
		Key:            key,
		ReservationKey: reservationKey,
		BookingID:      bookingID,
		PackageID:      packageID,
		Quantity:       quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to release slots: %w", err)
	}

	s.logger.Info("Slots released",
		logger.Field{Key: "package_id", Value: packageID},
		logger.Field{Key: "reservation_key", Value: reservationKey},
		logger.Field{Key: "status", Value: string(r.Status)},
	)
	return &ReleaseResult{Released: true}, nil
}

func (s *Service) SetCapacity(ctx context.Context, packageID string, capacity int) (*PackageView, error) {
	pkg, err := s.store.SetCapacity(ctx, packageID, capacity)
	if err != nil {
		return nil, err
	}
	return toView(pkg), nil
}

func (s *Service) GetPackage(ctx context.Context, packageID string) (*PackageView, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	return toView(pkg), nil
}

// IsNotFound reports whether err means the package does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, inventory.ErrPackageNotFound)
}

func toView(p *inventory.Package) *PackageView {
	return &PackageView{
		PackageID: p.PackageID(),
		Capacity:  p.Capacity(),
		Reserved:  p.Reserved(),
		Available: p.Available(),
		Version:   p.Version(),
	}
}
