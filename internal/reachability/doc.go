// Package reachability aggregates evidence about whether each device is
// currently reachable.
//
// Bus traffic from a device (alarms, configuration, acknowledgements) marks
// it reachable. An explicit connection-status message sets the literal
// value it carries. A sensor-detection error reported over serial marks the
// device unreachable. Devices never heard from read as unreachable.
//
// Subscribers only ever see changes: the stream for a device never carries
// the same value twice in a row.
package reachability
