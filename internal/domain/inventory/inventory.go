package inventory

import (
	"errors"
	"time"
)

var (
	// ErrInsufficientCapacity indicates the package has fewer free slots than requested
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	// ErrReservationCancelled indicates the reservation key was already released or tombstoned
	ErrReservationCancelled = errors.New("reservation cancelled")
	ErrPackageNotFound      = errors.New("package not found")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrCapacityBelowHeld    = errors.New("capacity below reserved slots")
)

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationReleased ReservationStatus = "RELEASED"
	// ReservationCancelled is a tombstone left by a release that arrived before its reserve
	ReservationCancelled ReservationStatus = "CANCELLED"
	// ReservationRefused records a business refusal so a redelivered request gets the same answer
	ReservationRefused ReservationStatus = "REFUSED"
)

// Package holds the slot capacity of one travel package
type Package struct {
	packageID string
	capacity  int
	reserved  int
	version   int
}

// NewPackage creates a package with no slots held
func NewPackage(packageID string, capacity int) *Package {
	return &Package{
		packageID: packageID,
		capacity:  capacity,
	}
}

// RestorePackage rebuilds a package from storage
func RestorePackage(packageID string, capacity, reserved, version int) *Package {
	return &Package{
		packageID: packageID,
		capacity:  capacity,
		reserved:  reserved,
		version:   version,
	}
}

func (p *Package) PackageID() string {
	return p.packageID
}

func (p *Package) Capacity() int {
	return p.capacity
}

func (p *Package) Reserved() int {
	return p.reserved
}

// Version returns the aggregate version for optimistic locking
func (p *Package) Version() int {
	return p.version
}

// Available returns the slots that can still be reserved
func (p *Package) Available() int {
	return p.capacity - p.reserved
}

// CanReserve checks if the package has quantity free slots
func (p *Package) CanReserve(quantity int) bool {
	return p.Available() >= quantity
}

// ValidateReservation validates if a reservation of quantity slots is allowed
func (p *Package) ValidateReservation(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if !p.CanReserve(quantity) {
		return ErrInsufficientCapacity
	}
	return nil
}

// SetCapacity changes the total capacity; it may not drop below held slots
func (p *Package) SetCapacity(capacity int) error {
	if capacity < p.reserved {
		return ErrCapacityBelowHeld
	}
	p.capacity = capacity
	p.version++
	return nil
}

// Reservation is the hold created by one reserve request, keyed by its idempotency key
type Reservation struct {
	Key        string
	BookingID  string
	PackageID  string
	Quantity   int
	Status     ReservationStatus
	ReleaseKey string
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ReserveRequest struct {
	Key       string
	BookingID string
	PackageID string
	Quantity  int
}

type ReleaseRequest struct {
	Key            string
	ReservationKey string
	BookingID      string
	PackageID      string
	Quantity       int
}

// Reserve decides a reserve request against the package and any reservation
// already stored under the same key. It returns the reservation to persist and
// whether anything changed; a replayed request returns the stored reservation.
// A business refusal returns a REFUSED reservation to persist along with the
// refusal error, so the key keeps answering the same way once capacity frees up.
// p may be nil when the package is unknown.
func Reserve(p *Package, existing *Reservation, req ReserveRequest, now time.Time) (*Reservation, bool, error) {
	if existing != nil {
		return existing, false, existing.Err()
	}

	var err error
	if p == nil {
		err = ErrPackageNotFound
	} else {
		err = p.ValidateReservation(req.Quantity)
	}
	if err != nil {
		return &Reservation{
			Key:       req.Key,
			BookingID: req.BookingID,
			PackageID: req.PackageID,
			Quantity:  req.Quantity,
			Status:    ReservationRefused,
			Reason:    err.Error(),
			CreatedAt: now,
			UpdatedAt: now,
		}, true, err
	}

	p.reserved += req.Quantity
	p.version++

	return &Reservation{
		Key:       req.Key,
		BookingID: req.BookingID,
		PackageID: p.packageID,
		Quantity:  req.Quantity,
		Status:    ReservationReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

// Err returns the answer a reserve replayed against r must give: nil while the
// slots are held, the stored refusal, or ErrReservationCancelled.
func (r *Reservation) Err() error {
	switch r.Status {
	case ReservationReserved:
		return nil
	case ReservationRefused:
		for _, err := range refusals {
			if err.Error() == r.Reason {
				return err
			}
		}
		return ErrInsufficientCapacity
	default:
		return ErrReservationCancelled
	}
}

var refusals = []error{ErrInsufficientCapacity, ErrPackageNotFound, ErrInvalidQuantity}

// Release frees the slots held under req.ReservationKey. With no reservation on
// record it leaves a tombstone so a late reserve with that key is refused.
// p may be nil when the package is unknown. Releasing twice is a no-op.
func Release(p *Package, existing *Reservation, req ReleaseRequest, now time.Time) (*Reservation, bool) {
	if existing == nil {
		return &Reservation{
			Key:        req.ReservationKey,
			BookingID:  req.BookingID,
			PackageID:  req.PackageID,
			Status:     ReservationCancelled,
			ReleaseKey: req.Key,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, true
	}
	if existing.Status != ReservationReserved {
		return existing, false
	}

	released := *existing
	released.Status = ReservationReleased
	released.ReleaseKey = req.Key
	released.UpdatedAt = now

	if p != nil {
		p.reserved -= existing.Quantity
		if p.reserved < 0 {
			p.reserved = 0
		}
		p.version++
	}
	return &released, true
}

// IsBusinessError reports whether err is a refusal to be answered with a
// failure reply rather than retried
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrReservationCancelled) ||
		errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrInvalidQuantity)
}
