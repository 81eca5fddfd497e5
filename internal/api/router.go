package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware, s.accessLogMiddleware, s.corsMiddleware, s.bodyLimitMiddleware)

	// Prometheus scrape endpoint (no auth, bound to the service network)
	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		wsPath := s.wsCfg.Path
		if wsPath == "" {
			wsPath = "/ws"
		}
		r.Get(wsPath, s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.With(s.requireAdmin).Get("/audit", s.handleListAudit)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.With(s.requireAdmin).Post("/", s.handleRegisterDevice)

				r.Route("/{sn}", func(r chi.Router) {
					r.Use(s.deviceOwnerMiddleware)

					r.Get("/", s.handleGetDevice)
					r.With(s.requireAdmin).Delete("/", s.handleDeleteDevice)
					r.Get("/history", s.handleGetDeviceHistory)
					r.Post("/commands", s.handleDeviceCommand)
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status. A closed link reports
// 503 so load balancers stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "ok"
	if err := s.link.HealthCheck(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}

	stats := s.link.Stats()
	writeJSON(w, status, map[string]any{
		"status":         state,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"serial":         stats.SerialUp,
		"bus":            stats.BusUp,
		"devices":        stats.Devices,
		"reachable":      stats.Reachable,
		"pending":        stats.Correlation.Pending,
		"ws_clients":     s.hub.ClientCount(),
	})
}
