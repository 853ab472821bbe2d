package inventorystore

import (
	"context"
	"sync"
	"time"

	"booking-saga/internal/domain/inventory"
)

type packageState struct {
	capacity int
	reserved int
	version  int
}

// MemoryStore is a Repository guarded by one mutex. Used by tests and local wiring.
type MemoryStore struct {
	mu           sync.Mutex
	packages     map[string]packageState
	reservations map[string]inventory.Reservation
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packages:     make(map[string]packageState),
		reservations: make(map[string]inventory.Reservation),
		now:          time.Now,
	}
}

func (m *MemoryStore) Reserve(_ context.Context, req inventory.ReserveRequest) (*inventory.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkg := m.pkg(req.PackageID)
	reservation, changed, err := inventory.Reserve(pkg, m.reservation(req.Key), req, m.now().UTC())
	if !changed {
		return reservation, err
	}

	m.reservations[reservation.Key] = *reservation
	if err == nil {
		m.store(pkg)
	}
	return reservation, err
}

func (m *MemoryStore) Release(_ context.Context, req inventory.ReleaseRequest) (*inventory.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkg := m.pkg(req.PackageID)
	reservation, changed := inventory.Release(pkg, m.reservation(req.ReservationKey), req, m.now().UTC())
	if !changed {
		return reservation, nil
	}

	m.reservations[reservation.Key] = *reservation
	if pkg != nil {
		m.store(pkg)
	}
	return reservation, nil
}

func (m *MemoryStore) SetCapacity(_ context.Context, packageID string, capacity int) (*inventory.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkg := m.pkg(packageID)
	if pkg == nil {
		pkg = inventory.NewPackage(packageID, 0)
	}
	if err := pkg.SetCapacity(capacity); err != nil {
		return nil, err
	}
	m.store(pkg)
	return pkg, nil
}

func (m *MemoryStore) GetPackage(_ context.Context, packageID string) (*inventory.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkg := m.pkg(packageID)
	if pkg == nil {
		return nil, inventory.ErrPackageNotFound
	}
	return pkg, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, key string) (*inventory.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservation(key), nil
}

func (m *MemoryStore) pkg(packageID string) *inventory.Package {
	state, ok := m.packages[packageID]
	if !ok {
		return nil
	}
	return inventory.RestorePackage(packageID, state.capacity, state.reserved, state.version)
}

func (m *MemoryStore) store(pkg *inventory.Package) {
	m.packages[pkg.PackageID()] = packageState{
		capacity: pkg.Capacity(),
		reserved: pkg.Reserved(),
		version:  pkg.Version(),
	}
}

func (m *MemoryStore) reservation(key string) *inventory.Reservation {
	r, ok := m.reservations[key]
	if !ok {
		return nil
	}
	return &r
}
