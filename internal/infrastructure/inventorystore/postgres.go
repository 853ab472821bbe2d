package inventorystore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"booking-saga/internal/domain/inventory"
	"booking-saga/internal/infrastructure/database"

	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

const (
	selectPackageQuery          = `SELECT package_id, capacity, reserved, version FROM package_inventory WHERE package_id = $1`
	selectPackageForUpdateQuery = selectPackageQuery + ` FOR UPDATE`

	updatePackageQuery = `
		UPDATE package_inventory
		SET capacity = $2, reserved = $3, version = $4, updated_at = $5
		WHERE package_id = $1`

	insertPackageQuery = `
		INSERT INTO package_inventory (package_id, capacity, reserved, version, updated_at)
		VALUES ($1, $2, 0, 0, $3)`

	reservationColumns = `reservation_key, booking_id, package_id, quantity, status, release_key, reason, created_at, updated_at`

	selectReservationQuery          = `SELECT ` + reservationColumns + ` FROM inventory_reservations WHERE reservation_key = $1`
	selectReservationForUpdateQuery = selectReservationQuery + ` FOR UPDATE`

	upsertReservationQuery = `
		INSERT INTO inventory_reservations (` + reservationColumns + `)
		VALUES (:reservation_key, :booking_id, :package_id, :quantity, :status, :release_key, :reason, :created_at, :updated_at)
		ON CONFLICT (reservation_key) DO UPDATE SET
			status = EXCLUDED.status,
			release_key = EXCLUDED.release_key,
			updated_at = EXCLUDED.updated_at`
)

type packageRow struct {
	PackageID string `db:"package_id"`
	Capacity  int    `db:"capacity"`
	Reserved  int    `db:"reserved"`
	Version   int    `db:"version"`
}

type reservationRow struct {
	Key        string         `db:"reservation_key"`
	BookingID  string         `db:"booking_id"`
	PackageID  string         `db:"package_id"`
	Quantity   int            `db:"quantity"`
	Status     string         `db:"status"`
	ReleaseKey sql.NullString `db:"release_key"`
	Reason     string         `db:"reason"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r reservationRow) toDomain() *inventory.Reservation {
	return &inventory.Reservation{
		Key:        r.Key,
		BookingID:  r.BookingID,
		PackageID:  r.PackageID,
		Quantity:   r.Quantity,
		Status:     inventory.ReservationStatus(r.Status),
		ReleaseKey: r.ReleaseKey.String,
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func toReservationRow(r *inventory.Reservation) reservationRow {
	return reservationRow{
		Key:        r.Key,
		BookingID:  r.BookingID,
		PackageID:  r.PackageID,
		Quantity:   r.Quantity,
		Status:     string(r.Status),
		ReleaseKey: sql.NullString{String: r.ReleaseKey, Valid: r.ReleaseKey != ""},
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// PostgresStore serializes requests for one package on its row lock
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, schema)
}

// Reserve commits a business refusal as a REFUSED row and then returns the
// refusal error alongside it
func (s *PostgresStore) Reserve(ctx context.Context, req inventory.ReserveRequest) (*inventory.Reservation, error) {
	var (
		result  *inventory.Reservation
		refusal error
	)

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		pkg, err := lockPackage(ctx, tx, req.PackageID)
		if err != nil && !errors.Is(err, inventory.ErrPackageNotFound) {
			return err
		}
		existing, err := lockReservation(ctx, tx, req.Key)
		if err != nil {
			return err
		}

		reservation, changed, err := inventory.Reserve(pkg, existing, req, s.now().UTC())
		result, refusal = reservation, err
		if !changed {
			return nil
		}

		if _, err := tx.NamedExecContext(ctx, upsertReservationQuery, toReservationRow(reservation)); err != nil {
			return fmt.Errorf("failed to save reservation %s: %w", req.Key, err)
		}
		if refusal != nil {
			return nil
		}
		return savePackage(ctx, tx, pkg, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return result, refusal
}

func (s *PostgresStore) Release(ctx context.Context, req inventory.ReleaseRequest) (*inventory.Reservation, error) {
	var result *inventory.Reservation

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		pkg, err := lockPackage(ctx, tx, req.PackageID)
		if err != nil && !errors.Is(err, inventory.ErrPackageNotFound) {
			return err
		}
		existing, err := lockReservation(ctx, tx, req.ReservationKey)
		if err != nil {
			return err
		}

		reservation, changed := inventory.Release(pkg, existing, req, s.now().UTC())
		result = reservation
		if !changed {
			return nil
		}

		if _, err := tx.NamedExecContext(ctx, upsertReservationQuery, toReservationRow(reservation)); err != nil {
			return fmt.Errorf("failed to save release %s: %w", req.ReservationKey, err)
		}
		if pkg == nil || existing == nil {
			return nil
		}
		return savePackage(ctx, tx, pkg, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetCapacity creates the package or changes its capacity
func (s *PostgresStore) SetCapacity(ctx context.Context, packageID string, capacity int) (*inventory.Package, error) {
	var result *inventory.Package

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := s.now().UTC()
		pkg, err := lockPackage(ctx, tx, packageID)
		if errors.Is(err, inventory.ErrPackageNotFound) {
			if capacity < 0 {
				return inventory.ErrCapacityBelowHeld
			}
			if _, err := tx.ExecContext(ctx, insertPackageQuery, packageID, capacity, now); err != nil {
				return fmt.Errorf("failed to create package %s: %w", packageID, err)
			}
			result = inventory.NewPackage(packageID, capacity)
			return nil
		}
		if err != nil {
			return err
		}

		if err := pkg.SetCapacity(capacity); err != nil {
			return err
		}
		result = pkg
		return savePackage(ctx, tx, pkg, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) GetPackage(ctx context.Context, packageID string) (*inventory.Package, error) {
	var row packageRow
	if err := s.db.GetContext(ctx, &row, selectPackageQuery, packageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrPackageNotFound
		}
		return nil, fmt.Errorf("failed to load package %s: %w", packageID, err)
	}
	return inventory.RestorePackage(row.PackageID, row.Capacity, row.Reserved, row.Version), nil
}

// GetReservation returns nil without error when nothing is stored under key
func (s *PostgresStore) GetReservation(ctx context.Context, key string) (*inventory.Reservation, error) {
	var row reservationRow
	if err := s.db.GetContext(ctx, &row, selectReservationQuery, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load reservation %s: %w", key, err)
	}
	return row.toDomain(), nil
}

func lockPackage(ctx context.Context, tx *sqlx.Tx, packageID string) (*inventory.Package, error) {
	var row packageRow
	if err := tx.GetContext(ctx, &row, selectPackageForUpdateQuery, packageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrPackageNotFound
		}
		return nil, fmt.Errorf("failed to lock package %s: %w", packageID, err)
	}
	return inventory.RestorePackage(row.PackageID, row.Capacity, row.Reserved, row.Version), nil
}

func lockReservation(ctx context.Context, tx *sqlx.Tx, key string) (*inventory.Reservation, error) {
	var row reservationRow
	if err := tx.GetContext(ctx, &row, selectReservationForUpdateQuery, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock reservation %s: %w", key, err)
	}
	return row.toDomain(), nil
}

func savePackage(ctx context.Context, tx *sqlx.Tx, pkg *inventory.Package, now time.Time) error {
	if _, err := tx.ExecContext(ctx, updatePackageQuery,
		pkg.PackageID(), pkg.Capacity(), pkg.Reserved(), pkg.Version(), now); err != nil {
		return fmt.Errorf("failed to update package %s: %w", pkg.PackageID(), err)
	}
	return nil
}
