package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	writeTimeout         = 10 * time.Second
)

// Event kinds.
const (
	KindAlarm        = "alarm"
	KindReachability = "reachability"
	KindState        = "state"
	KindError        = "error"
)

// Event is the JSON value written for every exported device event.
type Event struct {
	Kind      string    `json:"kind"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Reachable *bool     `json:"reachable,omitempty"`
	State     *string   `json:"state,omitempty"`
	Error     *string   `json:"error,omitempty"`
	Distance  *float64  `json:"distance,omitempty"`
}

// MessageWriter is the subset of kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Logger defines the logging interface used by the Exporter.
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

// Stats holds exporter counters.
type Stats struct {
	Queued  uint64
	Written uint64
	Dropped uint64
	Failed  uint64
}

// Exporter batches device events to Kafka.
//
// Thread Safety: Record* methods are safe for concurrent use and never
// block. Close flushes whatever is queued.
type Exporter struct {
	writer    MessageWriter
	queue     chan kafkago.Message
	batchSize int
	interval  time.Duration
	logger    Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	queued  atomic.Uint64
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter builds the kafka.Writer for cfg. Messages are hash-balanced on
// the device key.
func NewWriter(cfg config.KafkaConfig) (*kafkago.Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	return &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		RequiredAcks: kafkago.RequireOne,
		Compression:  kafkago.Snappy,
	}, nil
}

// New creates an Exporter over writer and starts its flush loop.
func New(writer MessageWriter, cfg config.KafkaConfig) *Exporter {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := time.Duration(cfg.FlushIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	e := &Exporter{
		writer:    writer,
		queue:     make(chan kafkago.Message, defaultQueueSize),
		batchSize: batch,
		interval:  interval,
		logger:    noopLogger{},
		done:      make(chan struct{}),
	}
	go e.loop()
	return e
}

// SetLogger sets the logger. Call before recording.
func (e *Exporter) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	e.logger = logger
}

// RecordAlarm exports an alarm.
func (e *Exporter) RecordAlarm(msg protocol.BusMessage) {
	ev := Event{Kind: KindAlarm, DeviceID: msg.DeviceID, Timestamp: msg.Timestamp}
	if alarm, ok := msg.Payload.(protocol.Alarm); ok {
		ev.Distance = alarm.Distance
	}
	e.enqueue(ev)
}

// RecordReachability exports a reachability edge.
func (e *Exporter) RecordReachability(deviceID string, reachable bool, at time.Time) {
	e.enqueue(Event{Kind: KindReachability, DeviceID: deviceID, Timestamp: at, Reachable: &reachable})
}

// RecordState exports an exposed state change.
func (e *Exporter) RecordState(deviceID string, state protocol.DeviceState, at time.Time) {
	name := state.String()
	e.enqueue(Event{Kind: KindState, DeviceID: deviceID, Timestamp: at, State: &name})
}

// RecordError exports an error change.
func (e *Exporter) RecordError(deviceID string, kind protocol.DeviceErrorType, at time.Time) {
	name := kind.String()
	e.enqueue(Event{Kind: KindError, DeviceID: deviceID, Timestamp: at, Error: &name})
}

func (e *Exporter) enqueue(ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encoding device event failed", "device_id", ev.DeviceID, "error", err)
		return
	}
	msg := kafkago.Message{
		Key:   []byte(ev.DeviceID),
		Value: value,
		Time:  ev.Timestamp,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.queue <- msg:
		e.queued.Add(1)
	default:
		e.dropped.Add(1)
		e.logger.Warn("device event queue full, event dropped", "device_id", ev.DeviceID, "kind", ev.Kind)
	}
}

func (e *Exporter) loop() {
	defer close(e.done)

	batch := make([]kafkago.Message, 0, e.batchSize)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := e.writer.WriteMessages(ctx, batch...)
		cancel()
		if err != nil {
			e.failed.Add(uint64(len(batch)))
			e.logger.Error("writing device events failed", "count", len(batch), "error", err)
		} else {
			e.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case msg, ok := <-e.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= e.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stats returns a snapshot of exporter counters.
func (e *Exporter) Stats() Stats {
	return Stats{
		Queued:  e.queued.Load(),
		Written: e.written.Load(),
		Dropped: e.dropped.Load(),
		Failed:  e.failed.Load(),
	}
}

// Close flushes queued events and closes the writer. Safe to call more
// than once.
func (e *Exporter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
	return e.writer.Close()
}
