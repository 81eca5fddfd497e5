package demux

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/mqtt"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// recorder implements every sink and records what it is given.
type recorder struct {
	mu           sync.Mutex
	acks         []correlation.Reply
	ackResult    bool
	states       map[string]protocol.DeviceState
	errs         map[string]protocol.DeviceErrorType
	busEvidence  []protocol.BusMessage
	serialErrors []string
	busOut       []protocol.BusMessage
	serialOut    []protocol.DeviceMessage
	received     []string
	dropped      []string
}

func newRecorder() *recorder {
	return &recorder{
		ackResult: true,
		states:    map[string]protocol.DeviceState{},
		errs:      map[string]protocol.DeviceErrorType{},
	}
}

func (r *recorder) Acknowledge(reply correlation.Reply) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, reply)
	return r.ackResult
}

func (r *recorder) OnStateReport(id string, s protocol.DeviceState) {
	r.mu.Lock()
	r.states[id] = s
	r.mu.Unlock()
}

func (r *recorder) OnErrorReport(id string, e protocol.DeviceErrorType) {
	r.mu.Lock()
	r.errs[id] = e
	r.mu.Unlock()
}

func (r *recorder) OnBusMessage(msg protocol.BusMessage) {
	r.mu.Lock()
	r.busEvidence = append(r.busEvidence, msg)
	r.mu.Unlock()
}

func (r *recorder) OnSerialError(id string, _ protocol.DeviceErrorType) {
	r.mu.Lock()
	r.serialErrors = append(r.serialErrors, id)
	r.mu.Unlock()
}

func (r *recorder) Deliver(msg protocol.BusMessage) int {
	r.mu.Lock()
	r.busOut = append(r.busOut, msg)
	r.mu.Unlock()
	return 1
}

func (r *recorder) Publish(msg protocol.DeviceMessage) int {
	r.mu.Lock()
	r.serialOut = append(r.serialOut, msg)
	r.mu.Unlock()
	return 1
}

func (r *recorder) MessageReceived(route protocol.Route, kind string) {
	r.mu.Lock()
	r.received = append(r.received, route.String()+"."+kind)
	r.mu.Unlock()
}

func (r *recorder) MessageDropped(route protocol.Route, reason string) {
	r.mu.Lock()
	r.dropped = append(r.dropped, route.String()+"."+reason)
	r.mu.Unlock()
}

func newTestDemux(r *recorder, opts ...Option) *Demux {
	sinks := Sinks{
		Correlation:  r,
		State:        r,
		Reachability: r,
		Bus:          r,
		Serial:       r,
		Observer:     r,
	}
	opts = append([]Option{WithClock(func() time.Time { return time.UnixMilli(1000) })}, opts...)
	return New(sinks, opts...)
}

const eventsTopic = "museum-alert/companies/acme/devices/SN1/events"

func TestHandleFrame_StateReport(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r, WithSerialDevice("SN1"))

	if err := d.HandleFrame([]byte(`{"type":0,"state":7}`)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	if r.states["SN1"] != protocol.StateInitialized {
		t.Errorf("state = %v, want initialized", r.states["SN1"])
	}
	if len(r.serialOut) != 1 || r.serialOut[0].Type != protocol.DeviceMessageState {
		t.Errorf("serial broadcast = %+v", r.serialOut)
	}
	if len(r.received) != 1 || r.received[0] != "serial.state" {
		t.Errorf("observer received = %v", r.received)
	}
}

func TestHandleFrame_SensorDetectionErrorGoesToReachability(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r)

	if err := d.HandleFrame([]byte(`{"type":2,"sn":"SN1","data":{"error":10}}`)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	if r.errs["SN1"] != protocol.ErrorSensorDetection {
		t.Errorf("error = %v, want sensor_detection", r.errs["SN1"])
	}
	if len(r.serialErrors) != 1 || r.serialErrors[0] != "SN1" {
		t.Errorf("reachability serial errors = %v", r.serialErrors)
	}
}

func TestHandleFrame_OtherErrorsSkipReachability(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r)

	_ = d.HandleFrame([]byte(`{"type":2,"sn":"SN1","error":3}`))

	if r.errs["SN1"] != protocol.ErrorConnectivity {
		t.Errorf("error = %v", r.errs["SN1"])
	}
	if len(r.serialErrors) != 0 {
		t.Errorf("reachability got %v for a non sensor error", r.serialErrors)
	}
}

func TestHandleFrame_AckWithCidGoesOnlyToCorrelation(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r, WithSerialDevice("SN1"))

	if err := d.HandleFrame([]byte(`{"type":3,"cid":"abc","data":{"ok":true}}`)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	if len(r.acks) != 1 {
		t.Fatalf("acks = %v", r.acks)
	}
	ack := r.acks[0]
	if ack.CorrelationID != "abc" || ack.DeviceID != "SN1" || ack.Route != protocol.RouteSerial || string(ack.Data) != `{"ok":true}` {
		t.Errorf("ack = %+v", ack)
	}
	if len(r.serialOut) != 0 {
		t.Errorf("ack with cid was broadcast: %+v", r.serialOut)
	}
}

func TestHandleFrame_AckWithoutCidIsBroadcast(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r, WithSerialDevice("SN1"))

	_ = d.HandleFrame([]byte(`{"type":3}`))

	if len(r.acks) != 0 || len(r.serialOut) != 1 {
		t.Errorf("acks = %v, broadcast = %v", r.acks, r.serialOut)
	}
}

func TestHandleFrame_LearnsSerialDevice(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r)

	if err := d.HandleFrame([]byte(`{"type":0,"state":1}`)); !errors.Is(err, protocol.ErrUnattributed) {
		t.Fatalf("unattributed frame error = %v", err)
	}

	_ = d.HandleFrame([]byte(`{"type":0,"sn":"SN9","state":2}`))
	if d.SerialDevice() != "SN9" {
		t.Fatalf("SerialDevice() = %q, want SN9", d.SerialDevice())
	}

	_ = d.HandleFrame([]byte(`{"type":0,"state":3}`))
	if r.states["SN9"] != protocol.StateCertificatesConfigured {
		t.Errorf("state = %v, want certificates_configured", r.states["SN9"])
	}
}

func TestHandleFrame_ConfiguredDeviceWins(t *testing.T) {
	d := newTestDemux(newRecorder(), WithSerialDevice("SN1"))
	_ = d.HandleFrame([]byte(`{"type":0,"sn":"SN2","state":2}`))

	if d.SerialDevice() != "SN1" {
		t.Errorf("SerialDevice() = %q, want configured SN1", d.SerialDevice())
	}
}

func TestHandleEnvelope_EvidenceAndBroadcast(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r, WithTopics(mqtt.Topics{}))

	payloads := []string{
		`{"type":1,"sn":"SN1","timestamp":1,"data":{"connected":true}}`,
		`{"type":0,"sn":"SN1","timestamp":2,"data":{"distance":12}}`,
	}
	for _, p := range payloads {
		if err := d.HandleEnvelope(eventsTopic, []byte(p)); err != nil {
			t.Fatalf("HandleEnvelope(%s) error = %v", p, err)
		}
	}

	if len(r.busEvidence) != 2 || len(r.busOut) != 2 {
		t.Fatalf("evidence = %d, broadcast = %d, want 2 each", len(r.busEvidence), len(r.busOut))
	}
	if r.busOut[1].Type != protocol.MessageAlarm {
		t.Errorf("second broadcast type = %v", r.busOut[1].Type)
	}
}

func TestHandleEnvelope_AckWithCidIsEvidenceButNotBroadcast(t *testing.T) {
	r := newRecorder()
	d := newTestDemux(r)

	err := d.HandleEnvelope(eventsTopic, []byte(`{"type":3,"sn":"SN1","cid":"c1","timestamp":5,"data":{"distance":30}}`))
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}

	if len(r.acks) != 1 || r.acks[0].Route != protocol.RouteBus || r.acks[0].CorrelationID != "c1" {
		t.Errorf("acks = %+v", r.acks)
	}
	if len(r.busEvidence) != 1 {
		t.Errorf("ack not counted as evidence")
	}
	if len(r.busOut) != 0 {
		t.Errorf("ack with cid was broadcast")
	}
}

func TestHandleEnvelope_OrphanCounted(t *testing.T) {
	r := newRecorder()
	r.ackResult = false
	d := newTestDemux(r)

	_ = d.HandleEnvelope(eventsTopic, []byte(`{"type":3,"sn":"SN1","cid":"late"}`))

	if d.Stats().Orphans != 1 {
		t.Errorf("Orphans = %d, want 1", d.Stats().Orphans)
	}
}

func TestDrops(t *testing.T) {
	tests := []struct {
		name       string
		handle     func(d *Demux) error
		wantErr    error
		wantReason string
	}{
		{
			name:       "malformed frame",
			handle:     func(d *Demux) error { return d.HandleFrame([]byte(`{not json`)) },
			wantErr:    protocol.ErrMalformed,
			wantReason: "serial.malformed",
		},
		{
			name:       "unknown serial type",
			handle:     func(d *Demux) error { return d.HandleFrame([]byte(`{"type":42,"sn":"SN1"}`)) },
			wantErr:    protocol.ErrUnknownType,
			wantReason: "serial.unknown_type",
		},
		{
			name:       "state out of range",
			handle:     func(d *Demux) error { return d.HandleFrame([]byte(`{"type":0,"sn":"SN1","state":99}`)) },
			wantErr:    protocol.ErrInvalidPayload,
			wantReason: "serial.invalid_payload",
		},
		{
			name:       "envelope without sn",
			handle:     func(d *Demux) error { return d.HandleEnvelope(eventsTopic, []byte(`{"type":0}`)) },
			wantErr:    protocol.ErrUnattributed,
			wantReason: "bus.unattributed",
		},
		{
			name: "sn differs from topic",
			handle: func(d *Demux) error {
				return d.HandleEnvelope(eventsTopic, []byte(`{"type":0,"sn":"SN2"}`))
			},
			wantErr:    ErrTopicMismatch,
			wantReason: "bus.topic_mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecorder()
			d := newTestDemux(r, WithTopics(mqtt.Topics{}))

			err := tt.handle(d)
			if !errors.Is(err, ErrDropped) || !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want ErrDropped wrapping %v", err, tt.wantErr)
			}
			if len(r.dropped) != 1 || r.dropped[0] != tt.wantReason {
				t.Errorf("dropped = %v, want [%s]", r.dropped, tt.wantReason)
			}
			if len(r.states)+len(r.busOut)+len(r.serialOut)+len(r.busEvidence) != 0 {
				t.Error("dropped message reached a sink")
			}
			if d.Stats().Dropped != 1 {
				t.Errorf("Dropped = %d", d.Stats().Dropped)
			}
		})
	}
}

type panickySink struct{}

func (panickySink) OnStateReport(string, protocol.DeviceState)     { panic("state sink bug") }
func (panickySink) OnErrorReport(string, protocol.DeviceErrorType) { panic("error sink bug") }

func TestDispatch_RecoversSinkPanic(t *testing.T) {
	r := newRecorder()
	d := New(Sinks{State: panickySink{}, Serial: r}, WithSerialDevice("SN1"))

	if err := d.HandleFrame([]byte(`{"type":0,"state":7}`)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}
	if d.Stats().Panics != 1 {
		t.Errorf("Panics = %d, want 1", d.Stats().Panics)
	}
	if len(r.serialOut) != 1 {
		t.Error("a panicking sink stopped later dispatch")
	}
}

func TestNilSinks(t *testing.T) {
	d := New(Sinks{}, WithSerialDevice("SN1"))

	frames := []string{
		`{"type":0,"state":7}`,
		`{"type":2,"error":10}`,
		`{"type":3,"cid":"x"}`,
	}
	for _, f := range frames {
		if err := d.HandleFrame([]byte(f)); err != nil {
			t.Errorf("HandleFrame(%s) error = %v", f, err)
		}
	}
	if err := d.HandleEnvelope(eventsTopic, []byte(`{"type":3,"sn":"SN1","cid":"y"}`)); err != nil {
		t.Errorf("HandleEnvelope() error = %v", err)
	}
	if d.Stats().Orphans != 2 {
		t.Errorf("Orphans = %d, want 2", d.Stats().Orphans)
	}
}
