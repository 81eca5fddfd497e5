// Package api implements the HTTP REST API and WebSocket server in front of
// the device link.
//
// This package provides:
//   - REST endpoints to register devices and read their live status
//   - Command endpoints that wait for the device's acknowledgement
//   - WebSocket hub relaying state, error, reachability and alarm changes
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Tenancy
//
// Every token carries a company. Device routes resolve {sn} through the
// registry and answer 404 for devices of another company, and WebSocket
// clients only receive events for their own company's devices.
//
// # Commands
//
// POST /api/v1/devices/{sn}/commands maps request failures onto statuses:
// an unacknowledged command is 504, a closed or missing transport is 503,
// and a command that is not valid for its route is 400.
//
// # Graceful Degradation
//
// The server operates without a broker connection: reads and WebSocket
// connections work, only bus commands fail with 503.
package api
