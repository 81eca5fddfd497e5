package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// Default request timeout bounds.
const (
	DefaultTimeout = 10 * time.Second
	MaxTimeout     = 2 * time.Minute
)

// Request outcome labels passed to Observer.
const (
	OutcomeFulfilled       = "fulfilled"
	OutcomeTimeout         = "timeout"
	OutcomeTransportClosed = "transport_closed"
	OutcomeSendFailed      = "send_failed"
	OutcomeCancelled       = "cancelled"
)

// Reply is the acknowledgement that settled a request.
type Reply struct {
	CorrelationID string          `json:"cid"`
	DeviceID      string          `json:"sn"`
	Route         protocol.Route  `json:"-"`
	Data          json.RawMessage `json:"data,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// Sender puts a command tagged with correlationID on the wire.
type Sender interface {
	Send(ctx context.Context, deviceID, correlationID string, cmd protocol.Command) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, deviceID, correlationID string, cmd protocol.Command) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, deviceID, correlationID string, cmd protocol.Command) error {
	return f(ctx, deviceID, correlationID, cmd)
}

// Observer is told how every request ended and about every orphan.
type Observer interface {
	RequestCompleted(command, outcome string, elapsed time.Duration)
	OrphanAcknowledged(route protocol.Route)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config tunes an Engine. Zero values pick the defaults.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// NewID generates correlation ids. Defaults to uuid.NewString.
	NewID func() string
}

// Stats holds engine counters.
type Stats struct {
	Pending         int
	Requests        uint64
	Fulfilled       uint64
	Timeouts        uint64
	TransportClosed uint64
	SendFailures    uint64
	Cancelled       uint64
	Orphans         uint64
}

// pendingRequest is one outstanding command. It is owned by the engine map
// until claimed; after that only the claimer touches result.
type pendingRequest struct {
	id       string
	deviceID string
	route    protocol.Route
	command  string
	started  time.Time
	deadline time.Time
	timer    *time.Timer
	result   chan outcome
}

type outcome struct {
	reply Reply
	err   error
	label string
}

// Engine correlates commands with acknowledgements.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The pending map and its timers are touched only under mu.
type Engine struct {
	cfg     Config
	senders map[protocol.Route]Sender

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	observer Observer

	logger   Logger
	loggerMu sync.RWMutex

	requests        atomic.Uint64
	fulfilled       atomic.Uint64
	timeouts        atomic.Uint64
	transportClosed atomic.Uint64
	sendFailures    atomic.Uint64
	cancelled       atomic.Uint64
	orphans         atomic.Uint64
}

// NewEngine creates an Engine. Register a Sender per route with SetSender.
func NewEngine(cfg Config) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Engine{
		cfg:     cfg,
		senders: make(map[protocol.Route]Sender),
		pending: make(map[string]*pendingRequest),
	}
}

// SetSender registers the sender for route. Call before the first Request.
func (e *Engine) SetSender(route protocol.Route, sender Sender) {
	e.mu.Lock()
	e.senders[route] = sender
	e.mu.Unlock()
}

// SetObserver registers an observer. Call before the first Request.
func (e *Engine) SetObserver(observer Observer) {
	e.mu.Lock()
	e.observer = observer
	e.mu.Unlock()
}

// Request sends cmd to deviceID and waits for its acknowledgement.
//
// A non-positive timeout uses the configured default; larger than the
// configured maximum is clamped.
func (e *Engine) Request(ctx context.Context, deviceID string, cmd protocol.Command, timeout time.Duration) (Reply, error) {
	if err := cmd.Validate(); err != nil {
		return Reply{}, err
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}

	now := time.Now()
	req := &pendingRequest{
		id:       e.cfg.NewID(),
		deviceID: deviceID,
		route:    cmd.Route,
		command:  cmd.Name(),
		started:  now,
		deadline: now.Add(timeout),
		result:   make(chan outcome, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Reply{}, ErrClosed
	}
	sender, ok := e.senders[cmd.Route]
	if !ok {
		e.mu.Unlock()
		return Reply{}, fmt.Errorf("%w: %s", ErrNoRoute, cmd.Route)
	}
	e.pending[req.id] = req
	// Armed under the lock so a claimer always sees a timer to stop.
	req.timer = time.AfterFunc(timeout, func() {
		e.settle(req.id, outcome{err: ErrTimeout, label: OutcomeTimeout})
	})
	e.mu.Unlock()
	e.requests.Add(1)

	e.logDebug("request sent", "device_id", deviceID, "command", req.command, "cid", req.id, "timeout", timeout)

	if err := sender.Send(ctx, deviceID, req.id, cmd); err != nil {
		e.settle(req.id, outcome{err: fmt.Errorf("%w: %w", ErrSendFailed, err), label: OutcomeSendFailed})
	}

	select {
	case out := <-req.result:
		return out.reply, out.err
	case <-ctx.Done():
		e.settle(req.id, outcome{err: ctx.Err(), label: OutcomeCancelled})
		// Exactly one outcome is delivered, ours or whichever claim won.
		out := <-req.result
		return out.reply, out.err
	}
}

// Acknowledge settles the pending request matching reply.CorrelationID. It
// returns false for orphans: unknown ids, ids already settled, or a reply
// arriving on a different route or from a different device than the
// request went to.
func (e *Engine) Acknowledge(reply Reply) bool {
	e.mu.Lock()
	req, ok := e.pending[reply.CorrelationID]
	if ok && !matches(req, reply) {
		ok = false
	}
	e.mu.Unlock()

	if ok && e.settle(reply.CorrelationID, outcome{reply: reply, label: OutcomeFulfilled}) {
		return true
	}

	e.orphans.Add(1)
	if obs := e.getObserver(); obs != nil {
		obs.OrphanAcknowledged(reply.Route)
	}
	e.logWarn("orphan acknowledgement discarded",
		"route", reply.Route.String(), "device_id", reply.DeviceID, "cid", reply.CorrelationID)
	return false
}

// matches requires the reply's route and device to be the request's. A
// serial reply with no device id is accepted, since a single device sits on
// the serial link.
func matches(req *pendingRequest, reply Reply) bool {
	if req.route != reply.Route {
		return false
	}
	if reply.DeviceID == "" {
		return req.route == protocol.RouteSerial
	}
	return req.deviceID == reply.DeviceID
}

// settle claims id and delivers out. It returns false if another path
// already claimed it.
func (e *Engine) settle(id string, out outcome) bool {
	e.mu.Lock()
	req, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, id)
	req.timer.Stop()
	e.mu.Unlock()

	e.complete(req, out)
	return true
}

func (e *Engine) complete(req *pendingRequest, out outcome) {
	req.result <- out

	switch out.label {
	case OutcomeFulfilled:
		e.fulfilled.Add(1)
	case OutcomeTimeout:
		e.timeouts.Add(1)
		e.logWarn("request timed out", "device_id", req.deviceID, "command", req.command, "cid", req.id)
	case OutcomeTransportClosed:
		e.transportClosed.Add(1)
	case OutcomeSendFailed:
		e.sendFailures.Add(1)
		e.logWarn("request send failed", "device_id", req.deviceID, "command", req.command, "error", out.err)
	case OutcomeCancelled:
		e.cancelled.Add(1)
	}

	if obs := e.getObserver(); obs != nil {
		obs.RequestCompleted(req.command, out.label, time.Since(req.started))
	}
}

// FailRoute rejects every request pending on route with ErrTransportClosed,
// wrapping cause when given. It returns how many were rejected.
func (e *Engine) FailRoute(route protocol.Route, cause error) int {
	return e.failWhere(func(r *pendingRequest) bool { return r.route == route }, cause)
}

func (e *Engine) failWhere(pred func(*pendingRequest) bool, cause error) int {
	err := ErrTransportClosed
	if cause != nil && !errors.Is(cause, ErrTransportClosed) {
		err = fmt.Errorf("%w: %w", ErrTransportClosed, cause)
	}

	e.mu.Lock()
	var claimed []*pendingRequest
	for id, req := range e.pending {
		if pred(req) {
			delete(e.pending, id)
			req.timer.Stop()
			claimed = append(claimed, req)
		}
	}
	e.mu.Unlock()

	for _, req := range claimed {
		e.complete(req, outcome{err: err, label: OutcomeTransportClosed})
	}
	if len(claimed) > 0 {
		e.logInfo("pending requests rejected", "count", len(claimed), "cause", err)
	}
	return len(claimed)
}

// Close rejects every pending request with ErrTransportClosed, stops all
// timers and refuses new requests. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.failWhere(func(*pendingRequest) bool { return true }, nil)
	return nil
}

// Pending returns the number of live requests.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// IsPending reports whether correlationID is still awaiting settlement.
func (e *Engine) IsPending(correlationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[correlationID]
	return ok
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Pending:         e.Pending(),
		Requests:        e.requests.Load(),
		Fulfilled:       e.fulfilled.Load(),
		Timeouts:        e.timeouts.Load(),
		TransportClosed: e.transportClosed.Load(),
		SendFailures:    e.sendFailures.Load(),
		Cancelled:       e.cancelled.Load(),
		Orphans:         e.orphans.Load(),
	}
}

// SetLogger sets the logger for this engine.
func (e *Engine) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()
}

func (e *Engine) getObserver() Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observer
}

func (e *Engine) getLogger() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

func (e *Engine) logDebug(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (e *Engine) logInfo(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (e *Engine) logWarn(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
