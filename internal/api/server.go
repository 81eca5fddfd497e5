package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/audit"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/device"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/logging"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/link"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/reachability"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/registry"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/transport/bus"
)

// shutdownGrace bounds how long Close waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// DeviceLink is the part of *link.Service the API serves.
type DeviceLink interface {
	Snapshot(deviceID string) link.Snapshot
	History(ctx context.Context, deviceID string, limit int) ([]device.Transition, error)
	Execute(ctx context.Context, deviceID string, cmd protocol.Command, timeout time.Duration) (correlation.Reply, error)
	SubscribeState(deviceID string) *device.StateSubscription
	SubscribeError(deviceID string) *device.ErrorSubscription
	SubscribeReachability(deviceID string) *reachability.Subscription
	Subscribe(deviceID string, types ...protocol.MessageType) *bus.Subscription
	Stats() link.Stats
	HealthCheck(ctx context.Context) error
}

// Deps wires the API server. Logger, Link and Registry are required.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Link     DeviceLink
	Registry *registry.Registry

	// Audit records registry changes and commands. May be nil.
	Audit audit.Repository

	// Metrics serves the Prometheus exposition at MetricsPath. May be nil.
	Metrics     http.Handler
	MetricsPath string

	// MaxRequestTimeout caps the timeout a command request may ask for.
	MaxRequestTimeout time.Duration

	Version string
}

// Server serves the REST API and the WebSocket hub over one listener.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	link        DeviceLink
	registry    *registry.Registry
	audit       audit.Repository
	metrics     http.Handler
	metricsPath string
	maxTimeout  time.Duration
	version     string
	startTime   time.Time
	tickets     *ticketStore
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New validates deps and builds the server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	var missing []error
	if deps.Logger == nil {
		missing = append(missing, errors.New("logger"))
	}
	if deps.Link == nil {
		missing = append(missing, errors.New("device link"))
	}
	if deps.Registry == nil {
		missing = append(missing, errors.New("device registry"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, fmt.Errorf("api: missing dependencies: %w", err)
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	if deps.MaxRequestTimeout <= 0 {
		deps.MaxRequestTimeout = correlation.MaxTimeout
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		link:        deps.Link,
		registry:    deps.Registry,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		metricsPath: deps.MetricsPath,
		maxTimeout:  deps.MaxRequestTimeout,
		version:     deps.Version,
		startTime:   time.Now(),
		tickets:     newTicketStore(),
		hub:         NewHub(deps.WS, deps.Logger),
	}
	return s, nil
}

// Start binds the listener, so an address already in use is reported
// here, then serves in the background. The hub, ticket sweeper and signal
// relays run until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", addr, err)
	}

	bg, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(bg)
	go s.tickets.cleanLoop(bg)
	s.startRelays(bg)

	readTimeout := s.cfg.Timeouts.ReadTimeout()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	tls := s.cfg.TLS
	s.logger.Info("API server listening", "address", addr, "tls", tls.Enabled)
	go func() {
		serve := func() error { return s.server.Serve(ln) }
		if tls.Enabled {
			serve = func() error { return s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile) }
		}
		if err := serve(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

// Close stops background work and drains in-flight requests for up to
// shutdownGrace before dropping the rest.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.logger.Info("API server shutting down", "websocket_clients", s.hub.ClientCount())
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// HealthCheck fails before Start and once ctx is done.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
