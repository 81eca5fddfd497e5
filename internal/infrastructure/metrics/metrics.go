package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

const namespace = "museum_alert"

// Metrics holds every collector the service exports.
//
// Thread Safety: all methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	orphans          *prometheus.CounterVec
	reconnects       prometheus.Counter
	transportUp      *prometheus.GaugeVec
	reachable        prometheus.Gauge
	alarms           prometheus.Counter
	fatalDevices     prometheus.Gauge

	// reachability mirrors device edges so the gauge counts devices, not events.
	mu           sync.Mutex
	reachability map[string]bool
	fatal        map[string]bool
}

// New creates Metrics registered on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		reachability: make(map[string]bool),
		fatal:        make(map[string]bool),

		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Messages decoded, by route and message type",
			},
			[]string{"route", "type"},
		),
		messagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Frames and envelopes dropped, by route and reason",
			},
			[]string{"route", "reason"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Correlated requests, by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from send to settlement of correlated requests",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),
		orphans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphan_acknowledgements_total",
				Help:      "Acknowledgements that matched no pending request",
			},
			[]string{"route"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "serial_reconnects_total",
				Help:      "Serial port reconnect attempts",
			},
		),
		transportUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transport_up",
				Help:      "Whether each transport is currently connected",
			},
			[]string{"route"},
		),
		reachable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reachable_devices",
				Help:      "Devices currently considered reachable",
			},
		),
		alarms: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarms_total",
				Help:      "Alarms raised by devices",
			},
		),
		fatalDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fatal_devices",
				Help:      "Devices latched in the fatal state",
			},
		),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.messagesDropped,
		m.requests,
		m.requestLatency,
		m.orphans,
		m.reconnects,
		m.transportUp,
		m.reachable,
		m.alarms,
		m.fatalDevices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageReceived counts a decoded message.
func (m *Metrics) MessageReceived(route protocol.Route, kind string) {
	m.messagesReceived.WithLabelValues(route.String(), kind).Inc()
}

// MessageDropped counts a dropped frame or envelope.
func (m *Metrics) MessageDropped(route protocol.Route, reason string) {
	m.messagesDropped.WithLabelValues(route.String(), reason).Inc()
}

// RequestCompleted records the outcome and latency of a correlated request.
func (m *Metrics) RequestCompleted(command, outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(command, outcome).Inc()
	m.requestLatency.WithLabelValues(command).Observe(elapsed.Seconds())
}

// OrphanAcknowledged counts an acknowledgement with no pending request.
func (m *Metrics) OrphanAcknowledged(route protocol.Route) {
	m.orphans.WithLabelValues(route.String()).Inc()
}

// SerialReconnect counts a serial reconnect attempt.
func (m *Metrics) SerialReconnect() {
	m.reconnects.Inc()
}

// TransportUp sets the connection gauge for a route.
func (m *Metrics) TransportUp(route protocol.Route, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.transportUp.WithLabelValues(route.String()).Set(v)
}

// RecordState tracks how many devices are latched fatal.
func (m *Metrics) RecordState(deviceID string, state protocol.DeviceState, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state == protocol.StateFatal {
		m.fatal[deviceID] = true
	} else {
		delete(m.fatal, deviceID)
	}
	m.fatalDevices.Set(float64(len(m.fatal)))
}

// RecordError is a no-op; errors are visible through the tracker and history.
func (m *Metrics) RecordError(string, protocol.DeviceErrorType, time.Time) {}

// RecordReachability updates the reachable device gauge.
func (m *Metrics) RecordReachability(deviceID string, reachable bool, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reachability[deviceID] = reachable
	n := 0
	for _, r := range m.reachability {
		if r {
			n++
		}
	}
	m.reachable.Set(float64(n))
}

// RecordAlarm counts an alarm.
func (m *Metrics) RecordAlarm(protocol.BusMessage) {
	m.alarms.Inc()
}
