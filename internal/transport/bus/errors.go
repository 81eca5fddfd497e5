package bus

import "errors"

// Domain errors for the pub/sub channel adapter.
var (
	// ErrNotStarted is returned by Publish before Start.
	ErrNotStarted = errors.New("bus: adapter not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: adapter closed")

	// ErrNotConnected is returned by Publish while the broker link is down.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrUnknownCompany is returned when the owning company of a device
	// cannot be determined, so its command topic cannot be built.
	ErrUnknownCompany = errors.New("bus: unknown company for device")

	// ErrPublishFailed wraps the client error when a publish is rejected.
	ErrPublishFailed = errors.New("bus: publish failed")
)
