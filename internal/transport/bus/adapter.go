package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/mqtt"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/reactive"
)

// defaultQoS is used for the events subscription and for commands.
const defaultQoS byte = 1

// Client is the subset of *mqtt.Client the adapter needs.
type Client interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	Topics() mqtt.Topics
}

// CompanyResolver returns the company that owns a device.
type CompanyResolver interface {
	CompanyOf(ctx context.Context, serialNumber string) (string, error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Subscription is a live stream of bus messages for one filter.
type Subscription = reactive.Feed[protocol.BusMessage]

// Config tunes an Adapter. Zero values pick the defaults.
type Config struct {
	// QoS for the events subscription and for commands.
	QoS byte

	// FeedBuffer is the per-subscription queue length.
	FeedBuffer int

	// Now is the clock used to stamp outbound envelopes.
	Now func() time.Time
}

// Stats holds adapter counters.
type Stats struct {
	Received        uint64
	Delivered       uint64
	Published       uint64
	PublishFailures uint64
	KnownDevices    int
	Subscribers     int
	Connected       bool
}

// Adapter is the pub/sub channel adapter.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Deliver never blocks; a full subscription drops the message.
type Adapter struct {
	client   Client
	resolver CompanyResolver
	topics   mqtt.Topics
	qos      byte
	buffer   int
	now      func() time.Time

	messages *reactive.Broadcaster[protocol.BusMessage]

	// companies maps serial number to the company segment seen on its topics.
	companies   map[string]string
	companiesMu sync.RWMutex

	listeners   []func(connected bool)
	listenersMu sync.RWMutex
	connected   atomic.Bool

	started atomic.Bool
	closed  atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex

	received        atomic.Uint64
	delivered       atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
}

// New creates an Adapter over client. resolver may be nil, in which case
// only devices already heard from on the bus can receive commands.
func New(client Client, resolver CompanyResolver, cfg Config) *Adapter {
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Adapter{
		client:    client,
		resolver:  resolver,
		topics:    client.Topics(),
		qos:       cfg.QoS,
		buffer:    cfg.FeedBuffer,
		now:       cfg.Now,
		messages:  reactive.NewBroadcaster[protocol.BusMessage](),
		companies: make(map[string]string),
	}
}

// Start hooks the connection callbacks and subscribes to every device's
// events topic. Each inbound payload is passed to handler after its topic
// has been used to learn the device's company.
func (a *Adapter) Start(handler mqtt.MessageHandler) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if handler == nil {
		return errors.New("bus: nil handler")
	}

	a.client.SetOnConnect(func() { a.setConnected(true) })
	a.client.SetOnDisconnect(func(err error) {
		a.logWarn("bus connection lost", "error", err)
		a.setConnected(false)
	})

	topic := a.topics.AllDeviceEvents()
	err := a.client.Subscribe(topic, a.qos, func(topic string, payload []byte) error {
		a.received.Add(1)
		a.learn(topic)
		return handler(topic, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	a.started.Store(true)
	a.setConnected(a.client.IsConnected())
	a.logInfo("bus adapter started", "topic", topic)
	return nil
}

// learn records the company segment of a concrete device events topic.
func (a *Adapter) learn(topic string) {
	dt, ok := a.topics.ParseDeviceTopic(topic)
	if !ok || dt.Leaf != mqtt.LeafEvents {
		return
	}

	a.companiesMu.Lock()
	prev, known := a.companies[dt.SerialNumber]
	a.companies[dt.SerialNumber] = dt.CompanyID
	a.companiesMu.Unlock()

	if known && prev != dt.CompanyID {
		a.logWarn("device changed company", "device_id", dt.SerialNumber, "from", prev, "to", dt.CompanyID)
	}
}

// Deliver broadcasts a decoded message to matching subscriptions and
// returns how many accepted it.
func (a *Adapter) Deliver(msg protocol.BusMessage) int {
	n := a.messages.Publish(msg)
	a.delivered.Add(uint64(n))
	return n
}

// Subscribe returns a stream of messages for deviceID restricted to types.
// An empty deviceID matches every device; no types matches every type.
// Overlapping subscriptions each receive their own copy.
func (a *Adapter) Subscribe(deviceID string, types ...protocol.MessageType) *Subscription {
	wanted := slices.Clone(types)
	return a.messages.Subscribe(func(msg protocol.BusMessage) bool {
		if deviceID != "" && msg.DeviceID != deviceID {
			return false
		}
		return len(wanted) == 0 || slices.Contains(wanted, msg.Type)
	}, a.buffer)
}

// Publish sends cmd to deviceID without a correlation id. Any reply arrives
// as a separate inbound message.
func (a *Adapter) Publish(ctx context.Context, deviceID string, cmd protocol.Command) error {
	return a.Send(ctx, deviceID, "", cmd)
}

// Send publishes cmd to deviceID's command topic tagged with correlationID.
func (a *Adapter) Send(ctx context.Context, deviceID, correlationID string, cmd protocol.Command) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.started.Load() {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := protocol.EncodeBusCommand(cmd, deviceID, correlationID, a.now())
	if err != nil {
		return err
	}

	company, err := a.companyOf(ctx, deviceID)
	if err != nil {
		return err
	}

	if !a.client.IsConnected() {
		a.publishFailures.Add(1)
		return ErrNotConnected
	}

	topic := a.topics.DeviceCommands(company, deviceID)
	if err := a.client.Publish(topic, payload, a.qos, false); err != nil {
		a.publishFailures.Add(1)
		if errors.Is(err, mqtt.ErrNotConnected) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	a.published.Add(1)
	a.logDebug("command published", "device_id", deviceID, "command", cmd.Name(), "cid", correlationID)
	return nil
}

func (a *Adapter) companyOf(ctx context.Context, deviceID string) (string, error) {
	a.companiesMu.RLock()
	company, ok := a.companies[deviceID]
	a.companiesMu.RUnlock()
	if ok {
		return company, nil
	}

	if a.resolver == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownCompany, deviceID)
	}
	company, err := a.resolver.CompanyOf(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUnknownCompany, deviceID, err)
	}
	if company == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownCompany, deviceID)
	}

	a.companiesMu.Lock()
	a.companies[deviceID] = company
	a.companiesMu.Unlock()
	return company, nil
}

// Connected reports the broker link state.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// OnConnectionChange registers fn to be called on every broker link edge.
// fn runs on the MQTT client's callback goroutine and must not block.
func (a *Adapter) OnConnectionChange(fn func(connected bool)) {
	if fn == nil {
		return
	}
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenersMu.Unlock()
}

func (a *Adapter) setConnected(connected bool) {
	if a.connected.Swap(connected) == connected {
		return
	}

	a.listenersMu.RLock()
	listeners := slices.Clone(a.listeners)
	a.listenersMu.RUnlock()

	for _, fn := range listeners {
		a.notify(fn, connected)
	}
}

func (a *Adapter) notify(fn func(bool), connected bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logError("connection listener panic recovered", "panic", r)
		}
	}()
	fn(connected)
}

// Close ends every subscription. The underlying client is not closed; its
// owner does that.
func (a *Adapter) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	a.messages.Close()
}

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() Stats {
	a.companiesMu.RLock()
	known := len(a.companies)
	a.companiesMu.RUnlock()

	return Stats{
		Received:        a.received.Load(),
		Delivered:       a.delivered.Load(),
		Published:       a.published.Load(),
		PublishFailures: a.publishFailures.Load(),
		KnownDevices:    known,
		Subscribers:     a.messages.Subscribers(),
		Connected:       a.connected.Load(),
	}
}

// SetLogger sets the logger for this adapter.
func (a *Adapter) SetLogger(logger Logger) {
	a.loggerMu.Lock()
	a.logger = logger
	a.loggerMu.Unlock()
}

func (a *Adapter) getLogger() Logger {
	a.loggerMu.RLock()
	defer a.loggerMu.RUnlock()
	return a.logger
}

func (a *Adapter) logDebug(msg string, keysAndValues ...any) {
	if logger := a.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (a *Adapter) logInfo(msg string, keysAndValues ...any) {
	if logger := a.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (a *Adapter) logWarn(msg string, keysAndValues ...any) {
	if logger := a.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (a *Adapter) logError(msg string, keysAndValues ...any) {
	if logger := a.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}
