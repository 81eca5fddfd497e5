package registry

import "errors"

// Domain errors for the registry package.
var (
	// ErrDeviceNotFound is returned when no device has the requested thing name.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrDeviceExists is returned when registering a thing name twice.
	ErrDeviceExists = errors.New("registry: device already exists")

	// ErrNotOwner is returned when a device belongs to a different company.
	ErrNotOwner = errors.New("registry: device belongs to another company")

	// ErrInvalidDevice is returned when a device fails validation.
	ErrInvalidDevice = errors.New("registry: invalid device")
)
