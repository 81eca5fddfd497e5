package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]kafkago.Message
	err     error
	block   chan struct{}
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]kafkago.Message(nil), msgs...))
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []kafkago.Message
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func TestExporter_EncodesEvents(t *testing.T) {
	w := &fakeWriter{}
	e := New(w, config.KafkaConfig{BatchSize: 10, FlushIntervalMS: 10})

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	distance := 30.0
	e.RecordAlarm(protocol.BusMessage{
		Type:      protocol.MessageAlarm,
		DeviceID:  "MAS-1",
		Timestamp: at,
		Payload:   protocol.Alarm{Distance: &distance},
	})
	e.RecordReachability("MAS-2", false, at)
	e.RecordState("MAS-1", protocol.StateFatal, at)
	e.RecordError("MAS-1", protocol.ErrorSensorDetection, at)

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	msgs := w.messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}

	var alarm Event
	if err := json.Unmarshal(msgs[0].Value, &alarm); err != nil {
		t.Fatalf("decoding alarm: %v", err)
	}
	if string(msgs[0].Key) != "MAS-1" || alarm.Kind != KindAlarm || alarm.Distance == nil || *alarm.Distance != 30 {
		t.Errorf("alarm = %+v key %q", alarm, msgs[0].Key)
	}

	var edge Event
	if err := json.Unmarshal(msgs[1].Value, &edge); err != nil {
		t.Fatalf("decoding reachability: %v", err)
	}
	if edge.Kind != KindReachability || edge.Reachable == nil || *edge.Reachable {
		t.Errorf("reachability = %+v", edge)
	}

	var state Event
	if err := json.Unmarshal(msgs[2].Value, &state); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if state.State == nil || *state.State != "fatal" {
		t.Errorf("state = %+v", state)
	}

	if !w.closed {
		t.Error("writer not closed")
	}
	if got := e.Stats().Written; got != 4 {
		t.Errorf("Stats().Written = %d, want 4", got)
	}
}

func TestExporter_FlushesOnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	e := New(w, config.KafkaConfig{BatchSize: 2, FlushIntervalMS: 60000})
	defer e.Close()

	e.RecordReachability("MAS-1", true, time.Now())
	e.RecordReachability("MAS-2", true, time.Now())

	deadline := time.After(time.Second)
	for len(w.messages()) < 2 {
		select {
		case <-deadline:
			t.Fatal("batch not flushed at batch size")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExporter_DropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	e := New(w, config.KafkaConfig{BatchSize: 1, FlushIntervalMS: 10})

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize*2; i++ {
			e.RecordReachability("MAS-1", i%2 == 0, time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recording blocked on a stalled writer")
	}

	if e.Stats().Dropped == 0 {
		t.Error("Stats().Dropped = 0, want drops")
	}

	close(w.block)
	e.Close()
}

func TestExporter_WriteFailureCounted(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	e := New(w, config.KafkaConfig{BatchSize: 10, FlushIntervalMS: 10})

	e.RecordAlarm(protocol.BusMessage{DeviceID: "MAS-1", Timestamp: time.Now()})
	e.Close()

	if got := e.Stats().Failed; got != 1 {
		t.Errorf("Stats().Failed = %d, want 1", got)
	}
}

func TestExporter_CloseIdempotent(t *testing.T) {
	e := New(&fakeWriter{}, config.KafkaConfig{})

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// Recording after close is a no-op.
	e.RecordReachability("MAS-1", true, time.Now())
}

func TestNewWriter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.KafkaConfig
		wantErr error
	}{
		{"disabled", config.KafkaConfig{Brokers: []string{"localhost:9092"}}, ErrDisabled},
		{"no brokers", config.KafkaConfig{Enabled: true}, ErrNoBrokers},
		{"ok", config.KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "events"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriter(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewWriter() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				if w.Topic != "events" {
					t.Errorf("Topic = %q", w.Topic)
				}
				w.Close()
			}
		})
	}
}
