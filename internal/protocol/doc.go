// Package protocol defines the wire model shared by both device transports.
//
// It owns the closed type enumerations (serial device message kinds, bus
// message kinds, provisioning states, error classifications), the typed
// payload for each kind, the command set for each route, and the functions
// that decode inbound frames/envelopes and encode outbound commands.
//
// # Serial
//
// A serial frame body is JSON: {"type":N, "sn"?, "cid"?, "state"?, "error"?, "data"?}.
// The local link carries a single device, so "sn" is optional and the
// caller supplies the serial number bound to the link.
//
// # Bus
//
// Bus envelopes are {type, cid?, sn, timestamp, data}. "sn" is the routing
// key and is mandatory; "cid" appears only on command/acknowledgement pairs.
//
// Nothing here performs I/O.
package protocol
