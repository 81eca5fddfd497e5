package registry

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the devices table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE devices (
			thing_name    TEXT PRIMARY KEY,
			company_id    TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			firmware      TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE INDEX idx_devices_company ON devices(company_id, thing_name);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func createTestDevice(thingName, company string) *Device {
	return &Device{
		ThingName:   thingName,
		CompanyID:   company,
		DisplayName: "Gallery " + thingName,
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	d := createTestDevice("MAS-EC357A188534", "acme")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Error("Create() should set timestamps")
	}

	got, err := repo.GetByThingName(ctx, "MAS-EC357A188534")
	if err != nil {
		t.Fatalf("GetByThingName() error = %v", err)
	}
	if got.CompanyID != "acme" || got.DisplayName != d.DisplayName {
		t.Errorf("GetByThingName() = %+v", got)
	}
	if !got.CreatedAt.Equal(d.CreatedAt.Truncate(1e9)) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, d.CreatedAt)
	}
}

func TestSQLiteRepository_Errors(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, createTestDevice("MAS-1", "acme")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"duplicate", func() error { return repo.Create(ctx, createTestDevice("MAS-1", "other")) }, ErrDeviceExists},
		{"invalid", func() error { return repo.Create(ctx, createTestDevice("MAS 1", "acme")) }, ErrInvalidDevice},
		{"missing company", func() error { return repo.Create(ctx, createTestDevice("MAS-2", "")) }, ErrInvalidDevice},
		{"get missing", func() error { _, err := repo.GetByThingName(ctx, "MAS-404"); return err }, ErrDeviceNotFound},
		{"update missing", func() error { return repo.UpdateFirmware(ctx, "MAS-404", "1.0.0") }, ErrDeviceNotFound},
		{"delete missing", func() error { return repo.Delete(ctx, "MAS-404") }, ErrDeviceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSQLiteRepository_ListByCompany(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, d := range []*Device{
		createTestDevice("MAS-B", "acme"),
		createTestDevice("MAS-A", "acme"),
		createTestDevice("MAS-C", "globex"),
	} {
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create(%s) error = %v", d.ThingName, err)
		}
	}

	acme, err := repo.ListByCompany(ctx, "acme")
	if err != nil {
		t.Fatalf("ListByCompany() error = %v", err)
	}
	if len(acme) != 2 || acme[0].ThingName != "MAS-A" || acme[1].ThingName != "MAS-B" {
		t.Errorf("ListByCompany(acme) = %+v", acme)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() length = %d, want 3", len(all))
	}
}

func TestSQLiteRepository_UpdateFirmwareAndDelete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, createTestDevice("MAS-1", "acme")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.UpdateFirmware(ctx, "MAS-1", "2.1.0"); err != nil {
		t.Fatalf("UpdateFirmware() error = %v", err)
	}

	got, err := repo.GetByThingName(ctx, "MAS-1")
	if err != nil {
		t.Fatalf("GetByThingName() error = %v", err)
	}
	if got.Firmware != "2.1.0" {
		t.Errorf("Firmware = %q, want 2.1.0", got.Firmware)
	}

	if err := repo.Delete(ctx, "MAS-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByThingName(ctx, "MAS-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByThingName() after delete error = %v", err)
	}
}
