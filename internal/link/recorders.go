package link

import (
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/demux"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// Recorder receives every change of the per-device signals and every alarm.
// InfluxDB, Prometheus and Kafka sinks implement it. Methods are called
// from the service's pump goroutines and must not block for long.
type Recorder interface {
	RecordState(deviceID string, state protocol.DeviceState, at time.Time)
	RecordError(deviceID string, kind protocol.DeviceErrorType, at time.Time)
	RecordReachability(deviceID string, reachable bool, at time.Time)
	RecordAlarm(msg protocol.BusMessage)
}

// CommandRecorder is implemented by recorders that also keep command
// outcomes.
type CommandRecorder interface {
	RecordCommand(command, outcome string, elapsed time.Duration)
}

// Observer receives transport and dispatch counters.
type Observer interface {
	demux.Observer
	correlation.Observer
	SerialReconnect()
	TransportUp(route protocol.Route, up bool)
}

// requestObserver fans correlation outcomes out to the observer and to
// every CommandRecorder.
type requestObserver struct {
	observer  Observer
	recorders []CommandRecorder
	recover   func(what string)
}

func (o *requestObserver) RequestCompleted(command, outcome string, elapsed time.Duration) {
	if o.observer != nil {
		o.observer.RequestCompleted(command, outcome, elapsed)
	}
	for _, r := range o.recorders {
		func() {
			defer o.recover("command recorder")
			r.RecordCommand(command, outcome, elapsed)
		}()
	}
}

func (o *requestObserver) OrphanAcknowledged(route protocol.Route) {
	if o.observer != nil {
		o.observer.OrphanAcknowledged(route)
	}
}

func commandRecorders(recorders []Recorder) []CommandRecorder {
	var out []CommandRecorder
	for _, r := range recorders {
		if cr, ok := r.(CommandRecorder); ok {
			out = append(out, cr)
		}
	}
	return out
}
