// Package demux is the single entry point for inbound traffic from both
// transports.
//
// Serial frames and bus envelopes are decoded with the protocol package and
// dispatched:
//
//   - an acknowledgement carrying a correlation id goes only to the
//     correlation engine, never to subscribers
//   - serial state and error reports go to the device state machine
//   - a serial sensor-detection error also goes to the reachability
//     aggregator as negative evidence
//   - every recognised bus message, acknowledgements included, goes to the
//     aggregator as positive evidence
//   - everything else is broadcast to subscribers of its type
//
// Payloads that cannot be decoded are logged at warn level, counted and
// dropped. A panicking sink is recovered and logged.
package demux
