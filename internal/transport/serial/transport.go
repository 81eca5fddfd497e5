package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bugst "go.bug.st/serial"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

const (
	// defaultReadTimeout bounds each port read so the loop can observe Close.
	defaultReadTimeout = 500 * time.Millisecond

	// readBufferSize is the size of a single port read.
	readBufferSize = 512

	// eventQueueSize is the buffer of the consumer-facing event channel.
	eventQueueSize = 256

	// writeQueueSize is the number of writes that may wait for the port.
	writeQueueSize = 64
)

// EventKind is the closed set of transport lifecycle events.
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventErrored
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	case EventFrame:
		return "frame"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item on the transport's event stream. Frame is set for
// EventFrame, Err for EventClosed and EventErrored.
type Event struct {
	Kind  EventKind
	Frame []byte
	Err   error
	At    time.Time
}

// Port is the subset of a serial port the transport needs.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the port described by cfg.
type Opener func(cfg Config) (Port, error)

// Config describes the serial endpoint and reconnect behaviour.
type Config struct {
	// Port is the device path, e.g. /dev/ttyACM0 or COM3.
	Port string

	// BaudRate must be positive.
	BaudRate int

	// ReadTimeout bounds each read. Default: 500ms.
	ReadTimeout time.Duration

	// MaxFrameBytes bounds the partial-frame buffer. Default: 64 KiB.
	MaxFrameBytes int

	// Backoff paces reconnect attempts. Default: Immediate.
	Backoff Backoff

	// MaxAttempts caps consecutive reconnect attempts. 0 means unlimited.
	MaxAttempts int

	// Opener replaces the real port opener, mainly in tests.
	Opener Opener
}

// Validate checks the endpoint descriptor.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Port) == "" {
		problems = append(problems, "port path is required")
	}
	if c.BaudRate <= 0 {
		problems = append(problems, fmt.Sprintf("baud rate must be positive, got %d", c.BaudRate))
	}
	if c.MaxAttempts < 0 {
		problems = append(problems, "max attempts cannot be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, strings.Join(problems, "; "))
	}
	return nil
}

// Stats holds operational statistics.
type Stats struct {
	FramesRx        uint64
	BytesRx         uint64
	WritesTx        uint64
	BytesDropped    uint64
	WritesDropped   uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Transport is a framed, self-reconnecting serial link.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Events are delivered on a single channel in arrival order.
//
// Auto-Reconnection:
//   - A read or write failure emits closed or errored, then the read loop
//     reopens the port using the configured Backoff.
//   - Reconnection stops on Close or when MaxAttempts is exhausted.
type Transport struct {
	cfg Config

	connMu    sync.RWMutex
	port      Port
	connected bool

	reconnecting atomic.Bool

	framer *Framer

	events   chan Event
	writes   chan []byte
	overflow chan struct{} // Send asks the write loop to report a dropped write

	done    *closeOnce
	closing atomic.Bool
	wg      sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesRx        atomic.Uint64
	bytesRx         atomic.Uint64
	writesTx        atomic.Uint64
	bytesDropped    atomic.Uint64
	writesDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Open validates cfg, opens the port and starts the read and write loops.
// An invalid descriptor fails without touching the port. The first event
// on Events is always EventOpened.
func Open(ctx context.Context, cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Immediate{}
	}
	if cfg.Opener == nil {
		cfg.Opener = openSystemPort
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	port, err := cfg.Opener(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, cfg.Port, err)
	}

	t := &Transport{
		cfg:      cfg,
		port:     port,
		framer:   NewFramer(cfg.MaxFrameBytes),
		events:   make(chan Event, eventQueueSize),
		writes:   make(chan []byte, writeQueueSize),
		overflow: make(chan struct{}, 1),
		done:     newCloseOnce(),
	}
	t.connected = true
	t.lastActivity.Store(time.Now().Unix())
	t.emit(Event{Kind: EventOpened})

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()

	return t, nil
}

// openSystemPort opens a real serial device at 8N1.
func openSystemPort(cfg Config) (Port, error) {
	port, err := bugst.Open(cfg.Port, &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// Events returns the event stream. It is closed by Close.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// readLoop reads from the port and extracts frames.
// On failure it reports the loss and reconnects using the configured backoff.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		if t.isClosed() {
			return
		}

		port := t.currentPort()
		if port == nil {
			t.resetFramer()
			if !t.reconnect() {
				return
			}
			continue
		}

		n, err := port.Read(buf)
		if n > 0 {
			t.handleBytes(buf[:n])
		}
		if err != nil {
			if t.isClosed() {
				return
			}
			t.handleDisconnect(port, err)
			continue
		}
		// n == 0 with no error is a read timeout.
	}
}

func (t *Transport) handleBytes(data []byte) {
	t.bytesRx.Add(uint64(len(data)))
	t.lastActivity.Store(time.Now().Unix())

	before := t.framer.Dropped()
	frames := t.framer.Push(data)
	t.bytesDropped.Add(t.framer.Dropped() - before)

	for _, frame := range frames {
		t.framesRx.Add(1)
		t.emit(Event{Kind: EventFrame, Frame: frame})
	}
}

// resetFramer drops any partial frame left by the previous port. Only the
// read loop touches the framer.
func (t *Transport) resetFramer() {
	before := t.framer.Dropped()
	t.framer.Reset()
	t.bytesDropped.Add(t.framer.Dropped() - before)
}

// writeLoop drains queued writes onto the current port.
func (t *Transport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done.Done():
			return
		case <-t.overflow:
			t.emit(Event{Kind: EventErrored, Err: ErrWriteQueueFull})
		case data := <-t.writes:
			port := t.currentPort()
			if port == nil {
				t.writesDropped.Add(1)
				t.errorsTotal.Add(1)
				t.emit(Event{Kind: EventErrored, Err: fmt.Errorf("%w: %w", ErrWriteFailed, ErrNotConnected)})
				continue
			}
			if _, err := port.Write(data); err != nil {
				if t.isClosed() {
					return
				}
				t.handleDisconnect(port, fmt.Errorf("%w: %w", ErrWriteFailed, err))
				continue
			}
			t.writesTx.Add(1)
			t.lastActivity.Store(time.Now().Unix())
		}
	}
}

// handleDisconnect tears down port and reports why. Only the first caller
// for a given port emits an event, so a write failure and the read error it
// provokes produce a single notification.
func (t *Transport) handleDisconnect(port Port, cause error) {
	t.connMu.Lock()
	if t.port != port {
		t.connMu.Unlock()
		return
	}
	t.port = nil
	t.connected = false
	t.connMu.Unlock()

	port.Close()
	t.errorsTotal.Add(1)

	if isDisconnection(cause) {
		t.logInfo("port disconnected, will attempt reconnection", "port", t.cfg.Port)
		t.emit(Event{Kind: EventClosed, Err: fmt.Errorf("%w: %w", ErrPortGone, cause)})
		return
	}
	t.logError("port error, will attempt reconnection", cause)
	t.emit(Event{Kind: EventErrored, Err: cause})
}

// reconnect reopens the port. Returns true once reopened, false on Close or
// when the attempt limit is reached.
func (t *Transport) reconnect() bool {
	t.reconnecting.Store(true)
	defer t.reconnecting.Store(false)

	for attempt := 1; ; attempt++ {
		if t.isClosed() {
			return false
		}
		if t.cfg.MaxAttempts > 0 && attempt > t.cfg.MaxAttempts {
			t.logError("giving up on reconnection", ErrReconnectExhausted)
			t.emit(Event{Kind: EventErrored, Err: ErrReconnectExhausted})
			return false
		}

		delay := t.cfg.Backoff.Next(attempt)
		t.logInfo("attempting reconnection", "attempt", attempt, "backoff", delay.String())
		if !t.wait(delay) {
			return false
		}

		port, err := t.cfg.Opener(t.cfg)
		if err != nil {
			t.errorsTotal.Add(1)
			t.logError("reconnect: open failed", err)
			continue
		}

		t.finalizeReconnection(port)
		return true
	}
}

// wait sleeps for d unless the transport closes first.
func (t *Transport) wait(d time.Duration) bool {
	if d <= 0 {
		return !t.isClosed()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finalizeReconnection installs the reopened port and announces it.
func (t *Transport) finalizeReconnection(port Port) {
	t.connMu.Lock()
	if t.isClosed() {
		t.connMu.Unlock()
		port.Close()
		return
	}
	t.port = port
	t.connected = true
	t.connMu.Unlock()

	t.reconnectsTotal.Add(1)
	t.lastActivity.Store(time.Now().Unix())
	t.logInfo("reconnection successful", "total_reconnects", t.reconnectsTotal.Load())
	t.emit(Event{Kind: EventOpened})
}

// emit delivers ev unless the transport is closing. The read loop blocks
// here when the consumer falls behind.
func (t *Transport) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case t.events <- ev:
	case <-t.done.Done():
	}
}

// Send queues data for the port. Write failures are reported on the event
// stream, never returned here; the only errors are preconditions.
func (t *Transport) Send(data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case t.writes <- buf:
		return nil
	default:
		t.writesDropped.Add(1)
		t.errorsTotal.Add(1)
		t.logError("write queue full, dropping write", ErrWriteQueueFull)
		// Reported from the write loop; Send never blocks on the consumer.
		select {
		case t.overflow <- struct{}{}:
		default:
		}
		return nil
	}
}

// SendFrame wraps body in frame delimiters and sends it.
func (t *Transport) SendFrame(body []byte) error {
	return t.Send(Encode(body))
}

// Close stops both loops, releases the port and closes the event channel.
// Safe to call more than once.
func (t *Transport) Close() error {
	if t == nil || !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.done.Close()

	t.connMu.Lock()
	port := t.port
	wasConnected := t.connected
	t.port = nil
	t.connected = false
	t.connMu.Unlock()

	if port != nil {
		port.Close()
	}

	t.wg.Wait()

	if wasConnected {
		select {
		case t.events <- Event{Kind: EventClosed, Err: ErrClosed, At: time.Now()}:
		default:
		}
	}
	close(t.events)

	t.logInfo("serial transport closed", "port", t.cfg.Port)
	return nil
}

func (t *Transport) currentPort() Port {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.port
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done.Done():
		return true
	default:
		return false
	}
}

// SetLogger sets the logger for this transport.
func (t *Transport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

// IsConnected returns true while the port is open.
func (t *Transport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected
}

// Stats returns current operational statistics.
func (t *Transport) Stats() Stats {
	return Stats{
		FramesRx:        t.framesRx.Load(),
		BytesRx:         t.bytesRx.Load(),
		WritesTx:        t.writesTx.Load(),
		BytesDropped:    t.bytesDropped.Load(),
		WritesDropped:   t.writesDropped.Load(),
		ErrorsTotal:     t.errorsTotal.Load(),
		ReconnectsTotal: t.reconnectsTotal.Load(),
		LastActivity:    time.Unix(t.lastActivity.Load(), 0),
		Connected:       t.IsConnected(),
		Reconnecting:    t.reconnecting.Load(),
	}
}

// HealthCheck reports whether the port is currently open.
func (t *Transport) HealthCheck(_ context.Context) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// isDisconnectionError reports whether err means the device went away rather
// than a transient fault.
func isDisconnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	var portErr *bugst.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case bugst.PortNotFound, bugst.PortClosed, bugst.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device not configured") ||
		strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "broken pipe")
}

func (t *Transport) logInfo(msg string, keysAndValues ...any) {
	t.loggerMu.RLock()
	logger := t.logger
	t.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (t *Transport) logError(msg string, err error) {
	t.loggerMu.RLock()
	logger := t.logger
	t.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
