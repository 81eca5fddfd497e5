package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Repository persists the device registry. The Registry caches on top of
// it; tests substitute an in-memory implementation.
type Repository interface {
	// GetByThingName returns ErrDeviceNotFound for an unknown device.
	GetByThingName(ctx context.Context, thingName string) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	ListByCompany(ctx context.Context, companyID string) ([]Device, error)

	// Create returns ErrDeviceExists when the thing name is taken.
	Create(ctx context.Context, device *Device) error

	// UpdateFirmware and Delete return ErrDeviceNotFound for an unknown device.
	UpdateFirmware(ctx context.Context, thingName, firmware string) error
	Delete(ctx context.Context, thingName string) error
}

// SQLiteRepository is the Repository over the devices table.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevices = `
	SELECT thing_name, company_id, display_name, firmware, created_at, updated_at
	FROM devices`

func (r *SQLiteRepository) GetByThingName(ctx context.Context, thingName string) (*Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, selectDevices+` WHERE thing_name = ?`, thingName))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrDeviceNotFound
	case err != nil:
		return nil, fmt.Errorf("loading device %s: %w", thingName, err)
	}
	return &d, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.list(ctx, selectDevices+` ORDER BY thing_name`)
}

func (r *SQLiteRepository) ListByCompany(ctx context.Context, companyID string) ([]Device, error) {
	return r.list(ctx, selectDevices+` WHERE company_id = ? ORDER BY thing_name`, companyID)
}

// Create validates and inserts device, stamping its timestamps.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	if err := device.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (thing_name, company_id, display_name, firmware, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		device.ThingName, device.CompanyID, device.DisplayName, device.Firmware,
		formatTime(device.CreatedAt), formatTime(device.UpdatedAt),
	)
	switch {
	case isConstraintViolation(err):
		return ErrDeviceExists
	case err != nil:
		return fmt.Errorf("inserting device %s: %w", device.ThingName, err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateFirmware(ctx context.Context, thingName, firmware string) error {
	return r.execOne(ctx, "updating firmware",
		`UPDATE devices SET firmware = ?, updated_at = ? WHERE thing_name = ?`,
		firmware, formatTime(time.Now()), thingName,
	)
}

func (r *SQLiteRepository) Delete(ctx context.Context, thingName string) error {
	return r.execOne(ctx, "deleting device", `DELETE FROM devices WHERE thing_name = ?`, thingName)
}

// execOne runs a statement that must touch exactly one device row.
func (r *SQLiteRepository) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (Device, error) {
	var (
		d                Device
		created, updated string
	)
	if err := s.Scan(&d.ThingName, &d.CompanyID, &d.DisplayName, &d.Firmware, &created, &updated); err != nil {
		return Device{}, err
	}

	var err error
	if d.CreatedAt, err = parseTime(created); err != nil {
		return Device{}, fmt.Errorf("device %s created_at: %w", d.ThingName, err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return Device{}, fmt.Errorf("device %s updated_at: %w", d.ThingName, err)
	}
	return d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime also accepts SQLite's datetime() format.
func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse(time.DateTime, value)
}

// isConstraintViolation reports a duplicate thing_name.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
