package correlation

import "errors"

// Request outcomes other than a reply. Test with errors.Is.
var (
	// ErrTimeout means the device did not answer within the request timeout.
	ErrTimeout = errors.New("correlation: request timed out")

	// ErrTransportClosed means the transport carrying the request closed,
	// or the engine shut down, while the request was pending.
	ErrTransportClosed = errors.New("correlation: transport closed")

	// ErrSendFailed wraps the transport error when the command could not
	// be sent.
	ErrSendFailed = errors.New("correlation: send failed")

	// ErrNoRoute is returned when no sender is registered for the
	// command's route.
	ErrNoRoute = errors.New("correlation: no sender for route")

	// ErrClosed is returned by Request after Close.
	ErrClosed = errors.New("correlation: engine closed")
)
