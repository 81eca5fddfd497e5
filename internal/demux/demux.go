package demux

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/mqtt"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// Acknowledger settles pending requests. It reports false for orphans.
type Acknowledger interface {
	Acknowledge(reply correlation.Reply) bool
}

// StateSink receives serial state and error reports.
type StateSink interface {
	OnStateReport(deviceID string, state protocol.DeviceState)
	OnErrorReport(deviceID string, kind protocol.DeviceErrorType)
}

// ReachabilitySink receives evidence about whether a device is reachable.
type ReachabilitySink interface {
	OnBusMessage(msg protocol.BusMessage)
	OnSerialError(deviceID string, kind protocol.DeviceErrorType)
}

// BusBroadcaster fans bus messages out to subscribers.
type BusBroadcaster interface {
	Deliver(msg protocol.BusMessage) int
}

// SerialBroadcaster fans serial messages out to subscribers.
type SerialBroadcaster interface {
	Publish(msg protocol.DeviceMessage) int
}

// Observer is notified of every classified or dropped payload. Metrics
// implement it.
type Observer interface {
	MessageReceived(route protocol.Route, kind string)
	MessageDropped(route protocol.Route, reason string)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Sinks are the consumers a Demux dispatches to. Any of them may be nil.
type Sinks struct {
	Correlation  Acknowledger
	State        StateSink
	Reachability ReachabilitySink
	Bus          BusBroadcaster
	Serial       SerialBroadcaster
	Observer     Observer
}

// Stats holds demultiplexer counters.
type Stats struct {
	SerialFrames     uint64
	BusEnvelopes     uint64
	Acknowledgements uint64
	Orphans          uint64
	Broadcasts       uint64
	Dropped          uint64
	Panics           uint64
}

// Demux classifies inbound payloads and dispatches them.
//
// Thread Safety:
//   - HandleFrame and HandleEnvelope may be called concurrently, but per
//     transport ordering is the caller's: one serial read loop and one MQTT
//     handler path.
type Demux struct {
	sinks  Sinks
	topics mqtt.Topics
	now    func() time.Time

	// boundDevice is the configured serial device id; lastSerial is the
	// most recent "sn" seen on the serial link.
	boundDevice string
	lastSerial  atomic.Pointer[string]

	logger   Logger
	loggerMu sync.RWMutex

	serialFrames atomic.Uint64
	busEnvelopes atomic.Uint64
	acks         atomic.Uint64
	orphans      atomic.Uint64
	broadcasts   atomic.Uint64
	dropped      atomic.Uint64
	panics       atomic.Uint64
}

// Option configures a Demux.
type Option func(*Demux)

// WithSerialDevice binds frames that carry no "sn" to deviceID.
func WithSerialDevice(deviceID string) Option {
	return func(d *Demux) { d.boundDevice = deviceID }
}

// WithTopics sets the topic layout used to cross-check envelope serial
// numbers against their topic.
func WithTopics(topics mqtt.Topics) Option {
	return func(d *Demux) { d.topics = topics }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Demux) { d.now = now }
}

// New creates a Demux dispatching to sinks.
func New(sinks Sinks, opts ...Option) *Demux {
	d := &Demux{sinks: sinks, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SerialDevice returns the device attributed to frames without "sn": the
// configured id, else the last serial number seen on the link.
func (d *Demux) SerialDevice() string {
	if d.boundDevice != "" {
		return d.boundDevice
	}
	if last := d.lastSerial.Load(); last != nil {
		return *last
	}
	return ""
}

// HandleFrame decodes and dispatches one serial frame body.
func (d *Demux) HandleFrame(frame []byte) error {
	d.serialFrames.Add(1)

	msg, err := protocol.ParseDeviceMessage(frame, d.SerialDevice(), d.now())
	if err != nil {
		return d.drop(protocol.RouteSerial, err, "frame", truncate(frame))
	}
	if d.boundDevice == "" {
		d.rememberSerial(msg.DeviceID)
	}
	d.observeReceived(protocol.RouteSerial, msg.Type.String())

	switch msg.Type {
	case protocol.DeviceMessageAck:
		if msg.CorrelationID != "" {
			ack := msg.Payload.(protocol.Ack)
			d.acknowledge(correlation.Reply{
				CorrelationID: msg.CorrelationID,
				DeviceID:      msg.DeviceID,
				Route:         protocol.RouteSerial,
				Data:          ack.Data,
				ReceivedAt:    msg.Timestamp,
			})
			return nil
		}

	case protocol.DeviceMessageState:
		report := msg.Payload.(protocol.StateReport)
		if d.sinks.State != nil {
			d.safely("state", func() { d.sinks.State.OnStateReport(msg.DeviceID, report.State) })
		}

	case protocol.DeviceMessageError:
		report := msg.Payload.(protocol.ErrorReport)
		if d.sinks.State != nil {
			d.safely("error", func() { d.sinks.State.OnErrorReport(msg.DeviceID, report.Error) })
		}
		if report.Error == protocol.ErrorSensorDetection && d.sinks.Reachability != nil {
			d.safely("reachability", func() { d.sinks.Reachability.OnSerialError(msg.DeviceID, report.Error) })
		}
	}

	if d.sinks.Serial != nil {
		d.safely("serial broadcast", func() {
			if d.sinks.Serial.Publish(msg) > 0 {
				d.broadcasts.Add(1)
			}
		})
	}
	return nil
}

// HandleEnvelope decodes and dispatches one bus envelope received on topic.
// Its signature matches mqtt.MessageHandler.
func (d *Demux) HandleEnvelope(topic string, payload []byte) error {
	d.busEnvelopes.Add(1)

	msg, err := protocol.ParseEnvelope(payload, d.now())
	if err != nil {
		return d.drop(protocol.RouteBus, err, "topic", topic)
	}
	if dt, ok := d.topics.ParseDeviceTopic(topic); ok && dt.SerialNumber != msg.DeviceID {
		err := fmt.Errorf("%w: topic %s, envelope %s", ErrTopicMismatch, dt.SerialNumber, msg.DeviceID)
		return d.drop(protocol.RouteBus, err, "topic", topic)
	}
	d.observeReceived(protocol.RouteBus, msg.Type.String())

	// Any recognised traffic is evidence, acknowledgements included.
	if d.sinks.Reachability != nil {
		d.safely("reachability", func() { d.sinks.Reachability.OnBusMessage(msg) })
	}

	if msg.Type == protocol.MessageAck && msg.CorrelationID != "" {
		ack := msg.Payload.(protocol.Ack)
		d.acknowledge(correlation.Reply{
			CorrelationID: msg.CorrelationID,
			DeviceID:      msg.DeviceID,
			Route:         protocol.RouteBus,
			Data:          ack.Data,
			ReceivedAt:    msg.Timestamp,
		})
		return nil
	}

	if d.sinks.Bus != nil {
		d.safely("bus broadcast", func() {
			if d.sinks.Bus.Deliver(msg) > 0 {
				d.broadcasts.Add(1)
			}
		})
	}
	return nil
}

func (d *Demux) acknowledge(reply correlation.Reply) {
	d.acks.Add(1)
	if d.sinks.Correlation == nil {
		d.orphans.Add(1)
		return
	}

	settled := false
	d.safely("correlation", func() { settled = d.sinks.Correlation.Acknowledge(reply) })
	if !settled {
		d.orphans.Add(1)
		d.logDebug("acknowledgement matched no pending request",
			"route", reply.Route.String(), "device_id", reply.DeviceID, "cid", reply.CorrelationID)
	}
}

func (d *Demux) rememberSerial(deviceID string) {
	if deviceID == "" {
		return
	}
	if last := d.lastSerial.Load(); last != nil && *last == deviceID {
		return
	}
	d.lastSerial.Store(&deviceID)
}

func (d *Demux) drop(route protocol.Route, err error, keysAndValues ...any) error {
	d.dropped.Add(1)
	reason := dropReason(err)
	if d.sinks.Observer != nil {
		d.safely("observer", func() { d.sinks.Observer.MessageDropped(route, reason) })
	}

	args := append([]any{"route", route.String(), "reason", reason, "error", err}, keysAndValues...)
	d.logWarn("inbound message dropped", args...)
	return fmt.Errorf("%w: %w", ErrDropped, err)
}

func (d *Demux) observeReceived(route protocol.Route, kind string) {
	if d.sinks.Observer != nil {
		d.safely("observer", func() { d.sinks.Observer.MessageReceived(route, kind) })
	}
}

// safely runs fn, recovering and logging a panic from a sink.
func (d *Demux) safely(sink string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logError("dispatch panic recovered", "sink", sink, "panic", r)
		}
	}()
	fn()
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, protocol.ErrUnattributed):
		return "unattributed"
	case errors.Is(err, ErrTopicMismatch):
		return "topic_mismatch"
	default:
		return "other"
	}
}

func truncate(b []byte) string {
	const limit = 128
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// Stats returns a snapshot of the demultiplexer counters.
func (d *Demux) Stats() Stats {
	return Stats{
		SerialFrames:     d.serialFrames.Load(),
		BusEnvelopes:     d.busEnvelopes.Load(),
		Acknowledgements: d.acks.Load(),
		Orphans:          d.orphans.Load(),
		Broadcasts:       d.broadcasts.Load(),
		Dropped:          d.dropped.Load(),
		Panics:           d.panics.Load(),
	}
}

// SetLogger sets the logger for this demultiplexer.
func (d *Demux) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

func (d *Demux) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Demux) logDebug(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (d *Demux) logWarn(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (d *Demux) logError(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}
