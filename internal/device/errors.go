package device

import "errors"

// Domain errors for the device package.
var (
	// ErrInvalidTransition is returned when a history entry cannot be stored.
	ErrInvalidTransition = errors.New("device: invalid transition")

	// ErrTrackerClosed is returned by operations after Close.
	ErrTrackerClosed = errors.New("device: tracker closed")
)
