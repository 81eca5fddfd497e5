package device

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/reactive"
)

const (
	// historyQueueSize bounds transitions waiting to be written.
	historyQueueSize = 256

	// historyWriteTimeout bounds a single history insert.
	historyWriteTimeout = 2 * time.Second
)

// Logger defines the logging interface used by the Tracker.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Status is a point-in-time view of one device.
type Status struct {
	DeviceID string                   `json:"device_id"`
	State    protocol.DeviceState     `json:"state"`
	Error    protocol.DeviceErrorType `json:"error"`
	Reported protocol.DeviceState     `json:"reported"`
	Fatal    bool                     `json:"fatal"`
}

// StateChange and ErrorChange are the items on the change streams.
type (
	StateChange = reactive.Change[string, protocol.DeviceState]
	ErrorChange = reactive.Change[string, protocol.DeviceErrorType]

	StateSubscription = reactive.Subscription[string, protocol.DeviceState]
	ErrorSubscription = reactive.Subscription[string, protocol.DeviceErrorType]
)

// Tracker is the per-device provisioning state machine.
//
// The device firmware is the source of truth: every state report is
// accepted and recorded. The exposed state latches on fatal; later
// non-fatal reports reach history and Reported but not State, until Reset.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes never block on subscribers or on history persistence.
type Tracker struct {
	states *reactive.Store[string, protocol.DeviceState]
	errors *reactive.Store[string, protocol.DeviceErrorType]

	// reported holds the last state each device actually reported.
	reported   map[string]protocol.DeviceState
	reportedMu sync.RWMutex

	history      StateHistoryRepository
	historyQueue chan Transition
	historyMu    sync.RWMutex
	historyWG    sync.WaitGroup
	closed       bool

	logger Logger

	historyDropped atomic.Uint64
	historyFailed  atomic.Uint64
}

// NewTracker creates a Tracker. history may be nil.
func NewTracker(history StateHistoryRepository) *Tracker {
	t := &Tracker{
		states:   reactive.New[string](protocol.StateUnknown),
		errors:   reactive.New[string](protocol.ErrorNone),
		reported: make(map[string]protocol.DeviceState),
		history:  history,
		logger:   noopLogger{},
	}
	if history != nil {
		t.historyQueue = make(chan Transition, historyQueueSize)
		t.historyWG.Add(1)
		go t.historyWorker()
	}
	return t
}

// SetLogger sets the logger for the tracker. Call before use.
func (t *Tracker) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.logger = logger
}

// OnStateReport records a state reported by deviceID.
func (t *Tracker) OnStateReport(deviceID string, state protocol.DeviceState) {
	t.reportedMu.Lock()
	previous, seen := t.reported[deviceID]
	t.reported[deviceID] = state
	t.reportedMu.Unlock()

	exposed, changed := t.states.Update(deviceID, func(current protocol.DeviceState, exists bool) protocol.DeviceState {
		if exists && current == protocol.StateFatal {
			return protocol.StateFatal
		}
		return state
	})

	if state == protocol.StateInitialized || state == protocol.StateFatal {
		t.errors.Set(deviceID, protocol.ErrorNone)
	}

	if changed {
		t.logger.Info("device state changed", "device_id", deviceID, "state", exposed.String())
	} else if exposed == protocol.StateFatal && state != protocol.StateFatal {
		t.logger.Debug("state report held by fatal latch", "device_id", deviceID, "reported", state.String())
	}

	if !seen || previous != state {
		t.record(Transition{
			DeviceID: deviceID,
			State:    state,
			Exposed:  exposed,
			Error:    t.errors.Get(deviceID),
			Source:   HistorySourceSerial,
		})
	}
}

// OnErrorReport records an error classification for deviceID. ErrorNone
// clears the current error; anything else replaces it.
func (t *Tracker) OnErrorReport(deviceID string, kind protocol.DeviceErrorType) {
	if !t.errors.Set(deviceID, kind) {
		return
	}

	if kind != protocol.ErrorNone {
		t.logger.Warn("device reported error", "device_id", deviceID, "error", kind.String())
	}
	t.record(Transition{
		DeviceID: deviceID,
		State:    t.Reported(deviceID),
		Exposed:  t.states.Get(deviceID),
		Error:    kind,
		Source:   HistorySourceSerial,
	})
}

// Reset clears the fatal latch and the error for deviceID, returning it to
// StateUnknown until the device reports again. It is used once a hard reset
// has been acknowledged.
func (t *Tracker) Reset(deviceID string) error {
	t.historyMu.RLock()
	closed := t.closed
	t.historyMu.RUnlock()
	if closed {
		return ErrTrackerClosed
	}

	t.reportedMu.Lock()
	delete(t.reported, deviceID)
	t.reportedMu.Unlock()

	t.states.Set(deviceID, protocol.StateUnknown)
	t.errors.Set(deviceID, protocol.ErrorNone)
	t.logger.Info("device state reset", "device_id", deviceID)

	t.record(Transition{
		DeviceID: deviceID,
		State:    protocol.StateUnknown,
		Exposed:  protocol.StateUnknown,
		Error:    protocol.ErrorNone,
		Source:   HistorySourceReset,
	})
	return nil
}

// State returns the exposed state: fatal once a device has reported fatal,
// StateUnknown for devices never heard from.
func (t *Tracker) State(deviceID string) protocol.DeviceState {
	return t.states.Get(deviceID)
}

// Reported returns the last state deviceID actually reported.
func (t *Tracker) Reported(deviceID string) protocol.DeviceState {
	t.reportedMu.RLock()
	defer t.reportedMu.RUnlock()

	if s, ok := t.reported[deviceID]; ok {
		return s
	}
	return protocol.StateUnknown
}

// Error returns the current error classification, ErrorNone if none.
func (t *Tracker) Error(deviceID string) protocol.DeviceErrorType {
	return t.errors.Get(deviceID)
}

// IsFatal reports whether deviceID is latched in the fatal state.
func (t *Tracker) IsFatal(deviceID string) bool {
	return t.State(deviceID) == protocol.StateFatal
}

// Status returns a snapshot of deviceID.
func (t *Tracker) Status(deviceID string) Status {
	state := t.State(deviceID)
	return Status{
		DeviceID: deviceID,
		State:    state,
		Error:    t.Error(deviceID),
		Reported: t.Reported(deviceID),
		Fatal:    state == protocol.StateFatal,
	}
}

// Devices returns every device id with a recorded state or error, sorted.
func (t *Tracker) Devices() []string {
	seen := make(map[string]struct{})
	for id := range t.states.Snapshot() {
		seen[id] = struct{}{}
	}
	for id := range t.errors.Snapshot() {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubscribeState returns the exposed state change stream for deviceID.
func (t *Tracker) SubscribeState(deviceID string) *StateSubscription {
	return t.states.Subscribe(deviceID)
}

// SubscribeError returns the error change stream for deviceID.
func (t *Tracker) SubscribeError(deviceID string) *ErrorSubscription {
	return t.errors.Subscribe(deviceID)
}

// SubscribeAllStates returns the exposed state change stream for every device.
func (t *Tracker) SubscribeAllStates() *StateSubscription {
	return t.states.SubscribeAll()
}

// SubscribeAllErrors returns the error change stream for every device.
func (t *Tracker) SubscribeAllErrors() *ErrorSubscription {
	return t.errors.SubscribeAll()
}

// HistoryDropped returns how many transitions were not persisted because
// the write queue was full.
func (t *Tracker) HistoryDropped() uint64 {
	return t.historyDropped.Load()
}

// record queues a transition for persistence without blocking.
func (t *Tracker) record(tr Transition) {
	if t.history == nil {
		return
	}
	tr.CreatedAt = time.Now().UTC()

	t.historyMu.RLock()
	defer t.historyMu.RUnlock()
	if t.closed {
		return
	}

	select {
	case t.historyQueue <- tr:
	default:
		t.historyDropped.Add(1)
		t.logger.Warn("state history queue full, transition dropped", "device_id", tr.DeviceID)
	}
}

func (t *Tracker) historyWorker() {
	defer t.historyWG.Done()

	for tr := range t.historyQueue {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		if err := t.history.RecordTransition(ctx, tr); err != nil {
			t.historyFailed.Add(1)
			t.logger.Error("recording state history failed", "device_id", tr.DeviceID, "error", err)
		}
		cancel()
	}
}

// Close ends every subscription and flushes queued history. Values remain
// readable. Safe to call more than once.
func (t *Tracker) Close() {
	t.historyMu.Lock()
	if t.closed {
		t.historyMu.Unlock()
		return
	}
	t.closed = true
	if t.historyQueue != nil {
		close(t.historyQueue)
	}
	t.historyMu.Unlock()

	t.historyWG.Wait()
	t.states.Close()
	t.errors.Close()
}
