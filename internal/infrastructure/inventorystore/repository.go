package inventorystore

import (
	"context"

	"booking-saga/internal/domain/inventory"
)

// Repository applies reserve and release requests atomically per package
type Repository interface {
	Reserve(ctx context.Context, req inventory.ReserveRequest) (*inventory.Reservation, error)
	Release(ctx context.Context, req inventory.ReleaseRequest) (*inventory.Reservation, error)
	SetCapacity(ctx context.Context, packageID string, capacity int) (*inventory.Package, error)
	GetPackage(ctx context.Context, packageID string) (*inventory.Package, error)
	GetReservation(ctx context.Context, key string) (*inventory.Reservation, error)
}
