package serial

import "errors"

// Domain errors for the serial frame transport.
var (
	// ErrInvalidEndpoint is returned by Open when the port path or baud rate
	// is unusable. No open is attempted.
	ErrInvalidEndpoint = errors.New("serial: invalid endpoint")

	// ErrOpenFailed is returned when the port cannot be opened.
	ErrOpenFailed = errors.New("serial: open failed")

	// ErrNotConnected is returned by Send while the port is down.
	ErrNotConnected = errors.New("serial: not connected")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("serial: transport closed")

	// ErrWriteFailed is carried by errored events when a queued write fails.
	ErrWriteFailed = errors.New("serial: write failed")

	// ErrWriteQueueFull is carried by errored events when a write is dropped
	// because the writer is behind.
	ErrWriteQueueFull = errors.New("serial: write queue full")

	// ErrPortGone is carried by closed events when the device disappears.
	ErrPortGone = errors.New("serial: port disconnected")

	// ErrReconnectExhausted is carried by the final errored event when the
	// configured attempt limit is reached. The transport stays down until
	// closed.
	ErrReconnectExhausted = errors.New("serial: reconnect attempts exhausted")
)
