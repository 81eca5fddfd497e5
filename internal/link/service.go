package link

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/demux"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/device"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/mqtt"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/reachability"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/reactive"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/transport/bus"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/transport/serial"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SerialLink is the subset of *serial.Transport the service needs.
type SerialLink interface {
	Events() <-chan serial.Event
	SendFrame(body []byte) error
	IsConnected() bool
}

// FirmwareStore records the firmware version a device reports in its
// configuration. *registry.Registry implements it.
type FirmwareStore interface {
	UpdateFirmware(ctx context.Context, thingName, firmware string) error
}

// Config wires a Service. Serial and Bus are optional but at least one is
// needed for Request to go anywhere.
type Config struct {
	// Serial is the frame transport of the locally attached device.
	Serial SerialLink

	// SerialDevice binds serial frames that carry no "sn" to this serial
	// number. Empty means learn it from traffic.
	SerialDevice string

	// Bus is the pub/sub channel adapter. It must not be started yet.
	Bus *bus.Adapter

	// Topics is the bus topic layout, used to cross-check envelopes.
	Topics mqtt.Topics

	Correlation correlation.Config

	// History stores state transitions. May be nil.
	History device.StateHistoryRepository

	// Firmware is updated from configuration replies. May be nil.
	Firmware FirmwareStore

	// Observer receives counters. May be nil.
	Observer Observer

	// Recorders are fed from the change streams once started.
	Recorders []Recorder

	// SerialFeedBuffer is the per-subscription queue of SubscribeSerial.
	SerialFeedBuffer int
}

// Snapshot is the combined view of one device.
type Snapshot struct {
	DeviceID  string                   `json:"device_id"`
	State     protocol.DeviceState     `json:"state"`
	Reported  protocol.DeviceState     `json:"reported"`
	Error     protocol.DeviceErrorType `json:"error"`
	Fatal     bool                     `json:"fatal"`
	Reachable bool                     `json:"reachable"`
}

// Stats aggregates the counters of the service components.
type Stats struct {
	Correlation    correlation.Stats `json:"correlation"`
	Demux          demux.Stats       `json:"demux"`
	HistoryDropped uint64            `json:"history_dropped"`
	Devices        int               `json:"devices"`
	Reachable      int               `json:"reachable"`
	SerialUp       bool              `json:"serial_up"`
	BusUp          bool              `json:"bus_up"`
}

// SerialFeed is a stream of decoded serial messages.
type SerialFeed = reactive.Feed[protocol.DeviceMessage]

// Service is the device link: it owns the correlation engine, the state
// tracker, the reachability aggregator and the demultiplexer, and routes
// both transports through them.
//
// Transports are owned by the caller. Close stops the service but leaves
// the serial transport and the bus adapter open.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Serial events are consumed by a single goroutine, in order.
type Service struct {
	serial   SerialLink
	bus      *bus.Adapter
	firmware FirmwareStore
	observer Observer

	engine     *correlation.Engine
	tracker    *device.Tracker
	reach      *reachability.Aggregator
	serialMsgs *reactive.Broadcaster[protocol.DeviceMessage]
	demux      *demux.Demux
	history    device.StateHistoryRepository

	recorders      []Recorder
	feedBuffer     int
	defaultTimeout time.Duration

	started atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	// everOpened is touched only by the serial loop.
	everOpened bool

	logger   Logger
	loggerMu sync.RWMutex
}

// New builds a Service from cfg. Nothing runs until Start.
func New(cfg Config) *Service {
	s := &Service{
		serial:     cfg.Serial,
		bus:        cfg.Bus,
		firmware:   cfg.Firmware,
		observer:   cfg.Observer,
		engine:     correlation.NewEngine(cfg.Correlation),
		tracker:    device.NewTracker(cfg.History),
		reach:      reachability.New(),
		serialMsgs: reactive.NewBroadcaster[protocol.DeviceMessage](),
		history:    cfg.History,
		recorders:  slices.Clone(cfg.Recorders),
		feedBuffer: cfg.SerialFeedBuffer,
		stop:       make(chan struct{}),
	}

	s.defaultTimeout = cfg.Correlation.DefaultTimeout
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = correlation.DefaultTimeout
	}

	sinks := demux.Sinks{
		Correlation:  s.engine,
		State:        s.tracker,
		Reachability: s.reach,
		Serial:       s.serialMsgs,
	}
	if s.bus != nil {
		sinks.Bus = s.bus
	}
	if s.observer != nil {
		sinks.Observer = s.observer
	}
	opts := []demux.Option{demux.WithTopics(cfg.Topics)}
	if cfg.SerialDevice != "" {
		opts = append(opts, demux.WithSerialDevice(cfg.SerialDevice))
	}
	s.demux = demux.New(sinks, opts...)

	if s.serial != nil {
		s.engine.SetSender(protocol.RouteSerial, correlation.SenderFunc(s.sendSerial))
	}
	if s.bus != nil {
		s.engine.SetSender(protocol.RouteBus, correlation.SenderFunc(s.bus.Send))
	}
	s.engine.SetObserver(&requestObserver{
		observer:  s.observer,
		recorders: commandRecorders(s.recorders),
		recover:   s.recoverPanic,
	})

	return s
}

// Start begins consuming both transports and feeding the recorders.
func (s *Service) Start(_ context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.startRecorders()

	if s.bus != nil {
		s.bus.OnConnectionChange(func(up bool) {
			s.observeTransport(protocol.RouteBus, up)
			if up {
				s.logInfo("bus link up")
			} else {
				s.logWarn("bus link down")
			}
		})
		if err := s.bus.Start(s.demux.HandleEnvelope); err != nil {
			return fmt.Errorf("starting bus adapter: %w", err)
		}
		s.observeTransport(protocol.RouteBus, s.bus.Connected())
	}

	if s.serial != nil {
		s.wg.Add(1)
		go s.serialLoop()
	}

	s.logInfo("link service started", "serial", s.serial != nil, "bus", s.bus != nil)
	return nil
}

// serialLoop consumes the transport event stream in order.
func (s *Service) serialLoop() {
	defer s.wg.Done()

	events := s.serial.Events()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				s.serialDown(nil)
				return
			}
			s.handleSerialEvent(ev)
		}
	}
}

func (s *Service) handleSerialEvent(ev serial.Event) {
	switch ev.Kind {
	case serial.EventFrame:
		// Dropped frames are logged and counted by the demultiplexer.
		_ = s.demux.HandleFrame(ev.Frame)

	case serial.EventOpened:
		if s.everOpened && s.observer != nil {
			s.safely("observer", s.observer.SerialReconnect)
		}
		s.everOpened = true
		s.observeTransport(protocol.RouteSerial, true)
		s.logInfo("serial link up")

	case serial.EventErrored:
		// The port stays open when only the write queue overflowed.
		if errors.Is(ev.Err, serial.ErrWriteQueueFull) {
			s.logWarn("serial write dropped", "error", ev.Err)
			return
		}
		s.serialDown(ev.Err)

	case serial.EventClosed:
		s.serialDown(ev.Err)
	}
}

// serialDown rejects every serial request in flight. Requests are never
// resent after the port comes back.
func (s *Service) serialDown(cause error) {
	s.observeTransport(protocol.RouteSerial, false)
	n := s.engine.FailRoute(protocol.RouteSerial, cause)
	s.logWarn("serial link down", "error", cause, "rejected", n)
}

func (s *Service) sendSerial(ctx context.Context, _ string, correlationID string, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := protocol.EncodeSerialCommand(cmd, correlationID)
	if err != nil {
		return err
	}
	return s.serial.SendFrame(body)
}

func (s *Service) observeTransport(route protocol.Route, up bool) {
	if s.observer != nil {
		s.safely("observer", func() { s.observer.TransportUp(route, up) })
	}
}

// Close rejects every pending request, stops the pumps and ends every
// subscription. Safe to call more than once.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(s.stop)
	s.engine.Close()
	s.wg.Wait()

	s.tracker.Close()
	s.reach.Close()
	s.serialMsgs.Close()

	s.logInfo("link service stopped")
	return nil
}

// Request sends cmd to deviceID over the command's route and waits for
// the acknowledgement. A non-positive timeout uses the configured default.
func (s *Service) Request(ctx context.Context, deviceID string, cmd protocol.Command, timeout time.Duration) (correlation.Reply, error) {
	if s.closed.Load() {
		return correlation.Reply{}, ErrClosed
	}
	switch cmd.Route {
	case protocol.RouteSerial:
		if err := s.checkAttached(deviceID); err != nil {
			return correlation.Reply{}, err
		}
	case protocol.RouteBus:
		if s.bus == nil {
			return correlation.Reply{}, ErrNoBus
		}
	}
	return s.engine.Request(ctx, deviceID, cmd, timeout)
}

// State returns the exposed provisioning state of deviceID. Fatal latches
// until a hard reset is acknowledged.
func (s *Service) State(deviceID string) protocol.DeviceState {
	return s.tracker.State(deviceID)
}

// Error returns the current error classification of deviceID.
func (s *Service) Error(deviceID string) protocol.DeviceErrorType {
	return s.tracker.Error(deviceID)
}

// Reachable reports whether deviceID is currently considered reachable.
func (s *Service) Reachable(deviceID string) bool {
	return s.reach.Reachable(deviceID)
}

// Snapshot returns every signal of deviceID at once.
func (s *Service) Snapshot(deviceID string) Snapshot {
	st := s.tracker.Status(deviceID)
	return Snapshot{
		DeviceID:  deviceID,
		State:     st.State,
		Reported:  st.Reported,
		Error:     st.Error,
		Fatal:     st.Fatal,
		Reachable: s.reach.Reachable(deviceID),
	}
}

// Devices returns every device heard from on either transport, sorted.
func (s *Service) Devices() []string {
	seen := make(map[string]struct{})
	for _, id := range s.tracker.Devices() {
		seen[id] = struct{}{}
	}
	for id := range s.reach.Snapshot() {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// History returns recent state transitions of deviceID, newest first.
func (s *Service) History(ctx context.Context, deviceID string, limit int) ([]device.Transition, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.GetHistory(ctx, deviceID, limit)
}

// SubscribeState streams state changes of deviceID, or of every device
// when deviceID is empty. Current values are delivered first.
func (s *Service) SubscribeState(deviceID string) *device.StateSubscription {
	if deviceID == "" {
		return s.tracker.SubscribeAllStates()
	}
	return s.tracker.SubscribeState(deviceID)
}

// SubscribeError streams error changes like SubscribeState.
func (s *Service) SubscribeError(deviceID string) *device.ErrorSubscription {
	if deviceID == "" {
		return s.tracker.SubscribeAllErrors()
	}
	return s.tracker.SubscribeError(deviceID)
}

// SubscribeReachability streams reachability edges like SubscribeState.
func (s *Service) SubscribeReachability(deviceID string) *reachability.Subscription {
	if deviceID == "" {
		return s.reach.SubscribeAll()
	}
	return s.reach.Subscribe(deviceID)
}

// Subscribe streams bus messages for deviceID restricted to types. An empty
// deviceID matches every device; no types matches every type. Without a
// bus the feed is returned closed.
func (s *Service) Subscribe(deviceID string, types ...protocol.MessageType) *bus.Subscription {
	if s.bus == nil {
		closed := reactive.NewBroadcaster[protocol.BusMessage]()
		closed.Close()
		return closed.Subscribe(nil, 1)
	}
	return s.bus.Subscribe(deviceID, types...)
}

// SubscribeSerial streams decoded serial messages like Subscribe.
// Acknowledgements that settled a request are not broadcast.
func (s *Service) SubscribeSerial(deviceID string, types ...protocol.DeviceMessageType) *SerialFeed {
	wanted := slices.Clone(types)
	return s.serialMsgs.Subscribe(func(msg protocol.DeviceMessage) bool {
		if deviceID != "" && msg.DeviceID != deviceID {
			return false
		}
		return len(wanted) == 0 || slices.Contains(wanted, msg.Type)
	}, s.feedBuffer)
}

// BusConnected reports the broker link state.
func (s *Service) BusConnected() bool {
	return s.bus != nil && s.bus.Connected()
}

// SerialConnected reports whether the serial port is open.
func (s *Service) SerialConnected() bool {
	return s.serial != nil && s.serial.IsConnected()
}

// SerialDevice returns the serial number of the attached device, if known.
func (s *Service) SerialDevice() string {
	return s.demux.SerialDevice()
}

// HealthCheck fails once the service is closed.
func (s *Service) HealthCheck(_ context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Stats returns a snapshot of the component counters.
func (s *Service) Stats() Stats {
	return Stats{
		Correlation:    s.engine.Stats(),
		Demux:          s.demux.Stats(),
		HistoryDropped: s.tracker.HistoryDropped(),
		Devices:        len(s.Devices()),
		Reachable:      s.reach.Count(),
		SerialUp:       s.SerialConnected(),
		BusUp:          s.BusConnected(),
	}
}

// startRecorders feeds every recorder from the change streams.
func (s *Service) startRecorders() {
	if len(s.recorders) == 0 {
		return
	}

	states := s.tracker.SubscribeAllStates()
	pump(s, states.C(), states.Close, func(c device.StateChange) {
		now := time.Now()
		s.eachRecorder(func(r Recorder) { r.RecordState(c.Key, c.Value, now) })
	})

	errs := s.tracker.SubscribeAllErrors()
	pump(s, errs.C(), errs.Close, func(c device.ErrorChange) {
		now := time.Now()
		s.eachRecorder(func(r Recorder) { r.RecordError(c.Key, c.Value, now) })
	})

	reach := s.reach.SubscribeAll()
	pump(s, reach.C(), reach.Close, func(c reachability.Change) {
		now := time.Now()
		s.eachRecorder(func(r Recorder) { r.RecordReachability(c.Key, c.Value, now) })
	})

	if s.bus != nil {
		alarms := s.bus.Subscribe("", protocol.MessageAlarm)
		pump(s, alarms.C(), alarms.Close, func(msg protocol.BusMessage) {
			s.eachRecorder(func(r Recorder) { r.RecordAlarm(msg) })
		})
	}
}

// pump runs fn for every item on c until c closes or the service stops.
func pump[T any](s *Service, c <-chan T, closeFn func(), fn func(T)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer closeFn()
		for {
			select {
			case <-s.stop:
				return
			case item, ok := <-c:
				if !ok {
					return
				}
				fn(item)
			}
		}
	}()
}

func (s *Service) eachRecorder(fn func(Recorder)) {
	for _, r := range s.recorders {
		s.safely("recorder", func() { fn(r) })
	}
}

// safely runs fn, recovering and logging a panic.
func (s *Service) safely(what string, fn func()) {
	defer s.recoverPanic(what)
	fn()
}

func (s *Service) recoverPanic(what string) {
	if r := recover(); r != nil {
		s.logError("panic recovered", "in", what, "panic", r)
	}
}

// SetLogger sets the logger for the service and the components it owns.
func (s *Service) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()

	if logger == nil {
		return
	}
	s.engine.SetLogger(logger)
	s.tracker.SetLogger(logger)
	s.reach.SetLogger(logger)
	s.demux.SetLogger(logger)
}

func (s *Service) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Service) logInfo(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (s *Service) logWarn(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (s *Service) logError(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
