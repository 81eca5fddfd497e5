package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/audit"
)

// auditWriteTimeout bounds the trail insert after a request finished.
const auditWriteTimeout = 2 * time.Second

// recordAudit stamps entry with the caller's identity and stores it.
// Failures are logged; they never fail the request being audited.
func (s *Server) recordAudit(r *http.Request, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	claims := claimsFromContext(r.Context())
	if claims == nil {
		return
	}
	entry.CompanyID = claims.Company
	entry.Subject = claims.Subject
	if id := requestID(r.Context()); id != "" {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["request_id"] = id
	}

	// The request context may already be cancelled by a client that gave up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditWriteTimeout)
	defer cancel()

	if err := s.audit.Create(ctx, &entry); err != nil {
		s.logger.Warn("audit write failed",
			"action", entry.Action,
			"device_id", entry.DeviceID,
			"error", err,
		)
	}
}

// handleListAudit returns the caller's company audit trail.
//
// Query parameters:
//   - action: register, delete or command
//   - device_id: restrict to one device
//   - limit: 1..200 (default 50)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit trail not configured")
		return
	}
	claims := claimsFromContext(r.Context())
	q := r.URL.Query()

	filter := audit.Filter{
		CompanyID: claims.Company,
		Action:    q.Get("action"),
		DeviceID:  q.Get("device_id"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit trail failed", "company_id", claims.Company, "error", err)
		writeInternalError(w, "failed to list audit trail")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
