package protocol

import "errors"

// Domain-specific errors for decoding and encoding wire messages.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMalformed is returned when a frame or envelope is not valid JSON
	// or lacks a required field.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned when the type tag is outside the closed set.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrInvalidPayload is returned when the payload does not match the
	// shape required by its type.
	ErrInvalidPayload = errors.New("protocol: invalid payload")

	// ErrUnattributed is returned when a message cannot be tied to a device.
	ErrUnattributed = errors.New("protocol: message has no device serial number")

	// ErrInvalidCommand is returned when a command is not valid for its route.
	ErrInvalidCommand = errors.New("protocol: invalid command")
)
