package reachability

import (
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/reactive"
)

// Logger defines the logging interface used by the Aggregator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Change is one reachability edge for a device.
type Change = reactive.Change[string, bool]

// Subscription is a deduplicated reachability stream.
type Subscription = reactive.Subscription[string, bool]

// Aggregator owns the per-device reachability map.
//
// Thread Safety: all methods are safe for concurrent use. Updates never
// block on subscribers.
type Aggregator struct {
	status *reactive.Store[string, bool]
	logger Logger
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		status: reactive.New[string](false),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger. Call before use.
func (a *Aggregator) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	a.logger = logger
}

// OnBusMessage applies bus evidence. Any recognised message proves the
// device is online, except connection-status which carries its own value.
func (a *Aggregator) OnBusMessage(msg protocol.BusMessage) {
	if msg.DeviceID == "" {
		return
	}

	reachable := true
	if status, ok := msg.Payload.(protocol.ConnectionStatus); ok && msg.Type == protocol.MessageConnectionStatus {
		reachable = status.Connected
	}
	a.set(msg.DeviceID, reachable, msg.Type.String())
}

// OnSerialError applies serial evidence. Only a sensor-detection error
// changes reachability.
func (a *Aggregator) OnSerialError(deviceID string, kind protocol.DeviceErrorType) {
	if deviceID == "" || kind != protocol.ErrorSensorDetection {
		return
	}
	a.set(deviceID, false, "serial."+kind.String())
}

// Set overrides reachability for deviceID.
func (a *Aggregator) Set(deviceID string, reachable bool) bool {
	return a.set(deviceID, reachable, "manual")
}

func (a *Aggregator) set(deviceID string, reachable bool, cause string) bool {
	changed := a.status.Set(deviceID, reachable)
	if changed {
		a.logger.Info("device reachability changed",
			"device_id", deviceID,
			"reachable", reachable,
			"cause", cause,
		)
	}
	return changed
}

// Reachable returns the current value for deviceID; false if unseen.
func (a *Aggregator) Reachable(deviceID string) bool {
	return a.status.Get(deviceID)
}

// Snapshot returns every device with known reachability.
func (a *Aggregator) Snapshot() map[string]bool {
	return a.status.Snapshot()
}

// Count returns how many devices are currently reachable.
func (a *Aggregator) Count() int {
	return a.status.Count(func(v bool) bool { return v })
}

// Subscribe returns the reachability stream for deviceID. A known value is
// delivered first.
func (a *Aggregator) Subscribe(deviceID string) *Subscription {
	return a.status.Subscribe(deviceID)
}

// SubscribeAll returns the reachability stream for every device.
func (a *Aggregator) SubscribeAll() *Subscription {
	return a.status.SubscribeAll()
}

// Close ends every subscription. Values remain readable.
func (a *Aggregator) Close() {
	a.status.Close()
}
