package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/auth"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/registry"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyClaims    contextKey = "claims"
	ctxKeyDevice    contextKey = "device" // registry entry for {sn}
)

const (
	headerRequestID = "X-Request-ID"

	// maxRequestBodySize caps JSON bodies; the largest is a configuration
	// command, a few hundred bytes.
	maxRequestBodySize = 1 << 20

	defaultCORSMethods = "GET, POST, DELETE, OPTIONS"
	defaultCORSHeaders = "Authorization, Content-Type, X-Request-ID"
)

// requestIDMiddleware propagates the caller's X-Request-ID or assigns one.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// accessLogMiddleware logs one line per request and turns a handler panic
// into a 500. WebSocket upgrades are logged when the handshake returns.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", requestID(r.Context()),
			}
			if p := recover(); p != nil {
				s.logger.Error("panic in HTTP handler", append(fields, "panic", p)...)
				if !sw.wrote {
					writeInternalError(sw, "internal server error")
				}
				return
			}
			s.logger.Info("http request", append(fields,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)...)
		}()

		next.ServeHTTP(sw, r)
	})
}

// corsMiddleware echoes allowed origins and answers preflights. An empty
// allow list admits every origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	methods := defaultCORSMethods
	if m := s.cfg.CORS.AllowedMethods; len(m) > 0 {
		methods = strings.Join(m, ", ")
	}
	headers := defaultCORSHeaders
	if h := s.cfg.CORS.AllowedHeaders; len(h) > 0 {
		headers = strings.Join(h, ", ")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.CORS.AllowedOrigins
	return len(allowed) == 0 || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware admits requests carrying a valid bearer token and puts its
// claims in the context. Everything behind it is scoped to claims.Company.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, "bearer token required")
			return
		}
		claims, err := auth.ParseToken(raw, s.secCfg.JWT.Secret)
		if err != nil {
			s.logger.Debug("token rejected", "error", err, "request_id", requestID(r.Context()))
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyClaims, claims)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := claimsFromContext(r.Context()); claims == nil || !claims.IsAdmin() {
			writeForbidden(w, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deviceOwnerMiddleware resolves {sn} within the caller's company. A device
// of another company answers exactly like an unknown one.
func (s *Server) deviceOwnerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sn := chi.URLParam(r, "sn")
		if sn == "" || len(sn) > maxSerialNumberLen {
			writeBadRequest(w, "invalid serial number")
			return
		}
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeUnauthorized(w, "bearer token required")
			return
		}

		dev, err := s.registry.Authorize(r.Context(), sn, claims.Company)
		if err != nil {
			if !writeDomainError(w, err) {
				s.logger.Error("device lookup failed", "device_id", sn, "error", err)
				writeInternalError(w, "failed to look up device")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyDevice, dev)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string) //nolint:errcheck // empty outside the router
	return id
}

// claimsFromContext returns nil on public routes.
func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ctxKeyClaims).(*auth.Claims) //nolint:errcheck // nil on public routes
	return claims
}

func deviceFromContext(ctx context.Context) registry.Device {
	dev, _ := ctx.Value(ctxKeyDevice).(registry.Device) //nolint:errcheck // zero outside /devices/{sn}
	return dev
}

// statusWriter records the status code for the access log. Hijack is
// forwarded so WebSocket upgrades still work behind it.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status, w.wrote = status, true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status, w.wrote = http.StatusSwitchingProtocols, true
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
