// Package logging builds the slog-based logger shared by every component of
// the link service.
//
// Entries carry service=museum-alert and the build version. Components get a
// child logger through With("component", ...) and receive it via their
// SetLogger methods, which accept any value with Debug/Info/Warn/Error.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Wi-Fi passwords and bearer tokens must never be logged. Provisioning
// settings are logged by SSID only.
package logging
