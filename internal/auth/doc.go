// Package auth identifies the company behind an API request.
//
// Callers present a bearer JWT signed with the shared HS256 secret. The
// token's "company" claim scopes every device operation: the API serves a
// device only when its registry entry belongs to that company. Roles are
// coarse: operators read state and send commands, admins also register and
// remove devices.
package auth
