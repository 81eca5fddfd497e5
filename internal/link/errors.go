package link

import "errors"

// Domain errors for the link service.
var (
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("link: service closed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("link: service already started")

	// ErrNoSerial is returned by serial-only operations when no serial
	// transport is attached.
	ErrNoSerial = errors.New("link: no serial transport")

	// ErrNoBus is returned by bus-only operations when no bus adapter is
	// attached.
	ErrNoBus = errors.New("link: no bus adapter")

	// ErrNoSerialDevice is returned when a serial command is sent before
	// the attached device has identified itself.
	ErrNoSerialDevice = errors.New("link: serial device unknown")

	// ErrNotAttached is returned when a serial command names a device other
	// than the one on the serial link.
	ErrNotAttached = errors.New("link: device is not on the serial link")

	// ErrUnexpectedReply is returned when an acknowledgement body cannot
	// be decoded into the expected payload.
	ErrUnexpectedReply = errors.New("link: unexpected reply")
)
