package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/link"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/registry"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/transport/bus"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeTimeout      = "device_timeout"
	ErrCodeUnavailable  = "service_unavailable"
)

// domainError ties a group of sentinel errors to one response. An empty
// message exposes err.Error(), which is only done for validation errors.
type domainError struct {
	targets []error
	status  int
	code    string
	message string
}

// domainErrors is checked in order; the first group err matches wins.
var domainErrors = []domainError{
	{
		targets: []error{correlation.ErrTimeout, context.DeadlineExceeded},
		status:  http.StatusGatewayTimeout,
		code:    ErrCodeTimeout,
		message: "device did not acknowledge in time",
	},
	{
		targets: []error{protocol.ErrInvalidCommand, registry.ErrInvalidDevice},
		status:  http.StatusBadRequest,
		code:    ErrCodeValidation,
	},
	{
		targets: []error{registry.ErrDeviceExists},
		status:  http.StatusConflict,
		code:    ErrCodeConflict,
		message: "device already registered",
	},
	{
		targets: []error{link.ErrNotAttached, link.ErrNoSerialDevice},
		status:  http.StatusConflict,
		code:    ErrCodeConflict,
		message: "device is not attached to the serial link",
	},
	{
		// Foreign devices look absent.
		targets: []error{registry.ErrDeviceNotFound, registry.ErrNotOwner},
		status:  http.StatusNotFound,
		code:    ErrCodeNotFound,
		message: "device not found",
	},
	{
		targets: []error{
			correlation.ErrTransportClosed,
			correlation.ErrSendFailed,
			correlation.ErrClosed,
			correlation.ErrNoRoute,
			link.ErrClosed,
			link.ErrNoBus,
			link.ErrNoSerial,
			bus.ErrNotConnected,
			bus.ErrNotStarted,
		},
		status:  http.StatusServiceUnavailable,
		code:    ErrCodeUnavailable,
		message: "device link unavailable",
	},
}

// classify maps err onto a response body. It reports false for errors
// that are not part of the domain vocabulary.
func classify(err error) (Error, bool) {
	for _, d := range domainErrors {
		for _, target := range d.targets {
			if !errors.Is(err, target) {
				continue
			}
			msg := d.message
			if msg == "" {
				msg = err.Error()
			}
			return Error{Status: d.status, Code: d.code, Message: msg}, true
		}
	}
	return Error{}, false
}

// writeDomainError writes the mapped response for err and reports whether
// it did. Callers handle the false case, usually with a logged 500.
func writeDomainError(w http.ResponseWriter, err error) bool {
	e, ok := classify(err)
	if ok {
		writeJSON(w, e.Status, e)
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may be gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}
