package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// Logger is the logging surface the Registry needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry answers which company owns a device. Reads come from an
// in-memory copy of the repository; writes go to the repository first and
// then update the copy. A device missing from the copy is looked up in the
// repository, since another process may have registered it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	repo   Repository
	logger Logger

	mu      sync.RWMutex
	devices map[string]Device
	loaded  bool // RefreshCache succeeded at least once
}

func New(repo Repository) *Registry {
	return &Registry{
		repo:    repo,
		logger:  noopLogger{},
		devices: make(map[string]Device),
	}
}

// SetLogger must be called before the registry is shared.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// RefreshCache replaces the in-memory copy with the repository contents.
func (r *Registry) RefreshCache(ctx context.Context) error {
	all, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	devices := make(map[string]Device, len(all))
	for _, d := range all {
		devices[d.ThingName] = d
	}

	r.mu.Lock()
	r.devices, r.loaded = devices, true
	r.mu.Unlock()

	r.logger.Info("device registry loaded", "devices", len(devices))
	return nil
}

// Register stores a new device. It fails with ErrInvalidDevice or
// ErrDeviceExists.
func (r *Registry) Register(ctx context.Context, device Device) (Device, error) {
	if err := device.Validate(); err != nil {
		return Device{}, err
	}
	if err := r.repo.Create(ctx, &device); err != nil {
		return Device{}, err
	}
	r.put(device)

	r.logger.Info("device registered", "thing_name", device.ThingName, "company_id", device.CompanyID)
	return device, nil
}

// Lookup returns the device registered as thingName or ErrDeviceNotFound.
func (r *Registry) Lookup(ctx context.Context, thingName string) (Device, error) {
	if d, ok := r.cached(thingName); ok {
		return d, nil
	}

	d, err := r.repo.GetByThingName(ctx, thingName)
	if err != nil {
		return Device{}, err
	}
	r.put(*d)
	return *d, nil
}

// ListByCompany returns the devices of companyID sorted by thing name.
func (r *Registry) ListByCompany(ctx context.Context, companyID string) ([]Device, error) {
	r.mu.RLock()
	if !r.loaded {
		r.mu.RUnlock()
		return r.repo.ListByCompany(ctx, companyID)
	}
	var out []Device
	for _, d := range r.devices {
		if d.CompanyID == companyID {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Device) int { return cmp.Compare(a.ThingName, b.ThingName) })
	return out, nil
}

// UpdateFirmware stores the firmware version a device reported. An
// unchanged version is not written.
func (r *Registry) UpdateFirmware(ctx context.Context, thingName, firmware string) error {
	d, err := r.Lookup(ctx, thingName)
	if err != nil {
		return err
	}
	if d.Firmware == firmware {
		return nil
	}
	if err := r.repo.UpdateFirmware(ctx, thingName, firmware); err != nil {
		return err
	}

	previous := d.Firmware
	d.Firmware = firmware
	r.put(d)

	r.logger.Info("device firmware changed", "thing_name", thingName, "from", previous, "to", firmware)
	return nil
}

// Delete removes a device or returns ErrDeviceNotFound.
func (r *Registry) Delete(ctx context.Context, thingName string) error {
	if err := r.repo.Delete(ctx, thingName); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.devices, thingName)
	r.mu.Unlock()

	r.logger.Info("device deleted", "thing_name", thingName)
	return nil
}

// Authorize returns the device when companyID owns it. Callers facing
// clients should treat ErrNotOwner like ErrDeviceNotFound.
func (r *Registry) Authorize(ctx context.Context, thingName, companyID string) (Device, error) {
	d, err := r.Lookup(ctx, thingName)
	if err != nil {
		return Device{}, err
	}
	if d.CompanyID != companyID {
		r.logger.Warn("cross-company device access refused", "thing_name", thingName, "company_id", companyID)
		return Device{}, fmt.Errorf("%w: %s", ErrNotOwner, thingName)
	}
	return d, nil
}

// CompanyOf returns the owner of thingName.
func (r *Registry) CompanyOf(ctx context.Context, thingName string) (string, error) {
	d, err := r.Lookup(ctx, thingName)
	if err != nil {
		return "", err
	}
	return d.CompanyID, nil
}

// Count returns the number of devices held in memory.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) cached(thingName string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[thingName]
	return d, ok
}

func (r *Registry) put(d Device) {
	r.mu.Lock()
	r.devices[d.ThingName] = d
	r.mu.Unlock()
}
