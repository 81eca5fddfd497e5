package demux

import "errors"

// Errors returned for dropped inbound traffic. Every one of them is logged
// and counted before it is returned; none stops the transport.
var (
	// ErrDropped wraps every reason a payload was not dispatched.
	ErrDropped = errors.New("demux: message dropped")

	// ErrTopicMismatch is returned when an envelope's serial number differs
	// from the device segment of the topic it arrived on.
	ErrTopicMismatch = errors.New("demux: envelope serial number does not match topic")
)
