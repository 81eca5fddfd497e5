package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

type sentCommand struct {
	deviceID string
	cid      string
	cmd      protocol.Command
}

// fakeSender records every send on a channel.
type fakeSender struct {
	sent chan sentCommand
	err  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan sentCommand, 16)}
}

func (s *fakeSender) Send(_ context.Context, deviceID, cid string, cmd protocol.Command) error {
	if s.err != nil {
		return s.err
	}
	s.sent <- sentCommand{deviceID: deviceID, cid: cid, cmd: cmd}
	return nil
}

func (s *fakeSender) next(t *testing.T) sentCommand {
	t.Helper()
	select {
	case c := <-s.sent:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send")
	}
	return sentCommand{}
}

type result struct {
	reply Reply
	err   error
}

func requestAsync(e *Engine, deviceID string, cmd protocol.Command, timeout time.Duration) <-chan result {
	ch := make(chan result, 1)
	go func() {
		reply, err := e.Request(context.Background(), deviceID, cmd, timeout)
		ch <- result{reply, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("request never settled")
	}
	return result{}
}

func newTestEngine() (*Engine, *fakeSender, *fakeSender) {
	e := NewEngine(Config{})
	serial, bus := newFakeSender(), newFakeSender()
	e.SetSender(protocol.RouteSerial, serial)
	e.SetSender(protocol.RouteBus, bus)
	return e, serial, bus
}

func TestRequest_FulfilledByAck(t *testing.T) {
	e, _, bus := newTestEngine()
	defer e.Close()

	pending := requestAsync(e, "SN1", protocol.GetConfiguration(), time.Second)
	sent := bus.next(t)

	if sent.deviceID != "SN1" || sent.cmd.Name() != "bus.get_configuration" || sent.cid == "" {
		t.Fatalf("sent = %+v", sent)
	}

	ack := Reply{
		CorrelationID: sent.cid,
		DeviceID:      "SN1",
		Route:         protocol.RouteBus,
		Data:          json.RawMessage(`{"distance":42}`),
		ReceivedAt:    time.Now(),
	}
	if !e.Acknowledge(ack) {
		t.Fatal("Acknowledge() = false for a pending request")
	}

	r := await(t, pending)
	if r.err != nil {
		t.Fatalf("Request() error = %v", r.err)
	}
	if r.reply.CorrelationID != sent.cid || string(r.reply.Data) != `{"distance":42}` {
		t.Errorf("reply = %+v", r.reply)
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", e.Pending())
	}

	// A duplicate arriving later has no effect.
	if e.Acknowledge(ack) {
		t.Error("duplicate Acknowledge() = true, want false")
	}
	stats := e.Stats()
	if stats.Fulfilled != 1 || stats.Orphans != 1 {
		t.Errorf("stats = %+v, want 1 fulfilled and 1 orphan", stats)
	}
}

func TestRequest_TimeoutRemovesEntry(t *testing.T) {
	e, _, bus := newTestEngine()
	defer e.Close()

	start := time.Now()
	pending := requestAsync(e, "SN1", protocol.Reset(), 1000*time.Millisecond)
	sent := bus.next(t)

	r := await(t, pending)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("Request() error = %v, want ErrTimeout", r.err)
	}
	if errors.Is(r.err, ErrTransportClosed) {
		t.Error("timeout must be distinct from transport closed")
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("timed out after %v, want about 1s", elapsed)
	}
	if e.IsPending(sent.cid) || e.Pending() != 0 {
		t.Error("timed out request still pending")
	}

	// The late reply is an orphan.
	if e.Acknowledge(Reply{CorrelationID: sent.cid, DeviceID: "SN1", Route: protocol.RouteBus}) {
		t.Error("late Acknowledge() = true, want false")
	}
}

func TestFailRoute_RejectsPendingWithTransportClosed(t *testing.T) {
	e, serial, _ := newTestEngine()
	defer e.Close()

	first := requestAsync(e, "SN1", protocol.HardReset(), 200*time.Millisecond)
	second := requestAsync(e, "SN1", protocol.RefreshWiFiNetworks(), 200*time.Millisecond)
	serial.next(t)
	serial.next(t)

	cause := errors.New("port unplugged")
	if n := e.FailRoute(protocol.RouteSerial, cause); n != 2 {
		t.Errorf("FailRoute() = %d, want 2", n)
	}

	for _, ch := range []<-chan result{first, second} {
		r := await(t, ch)
		if !errors.Is(r.err, ErrTransportClosed) {
			t.Errorf("error = %v, want ErrTransportClosed", r.err)
		}
		if errors.Is(r.err, ErrTimeout) {
			t.Error("transport close reported as timeout")
		}
		if !errors.Is(r.err, cause) {
			t.Errorf("error = %v, want cause wrapped", r.err)
		}
	}

	// Timers were stopped: nothing times out later.
	time.Sleep(300 * time.Millisecond)
	stats := e.Stats()
	if stats.Pending != 0 || stats.Timeouts != 0 || stats.TransportClosed != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFailRoute_LeavesOtherRoute(t *testing.T) {
	e, serial, bus := newTestEngine()
	defer e.Close()

	onSerial := requestAsync(e, "SN1", protocol.HardReset(), time.Second)
	onBus := requestAsync(e, "SN1", protocol.Reset(), time.Second)
	serial.next(t)
	sent := bus.next(t)

	if n := e.FailRoute(protocol.RouteSerial, nil); n != 1 {
		t.Fatalf("FailRoute() = %d, want 1", n)
	}
	if r := await(t, onSerial); !errors.Is(r.err, ErrTransportClosed) {
		t.Errorf("serial request error = %v", r.err)
	}

	e.Acknowledge(Reply{CorrelationID: sent.cid, DeviceID: "SN1", Route: protocol.RouteBus})
	if r := await(t, onBus); r.err != nil {
		t.Errorf("bus request error = %v", r.err)
	}
}

func TestClose_RejectsAllAndRefusesNew(t *testing.T) {
	e, serial, bus := newTestEngine()

	a := requestAsync(e, "SN1", protocol.HardReset(), time.Minute)
	b := requestAsync(e, "SN2", protocol.Reset(), time.Minute)
	serial.next(t)
	bus.next(t)

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	for _, ch := range []<-chan result{a, b} {
		if r := await(t, ch); !errors.Is(r.err, ErrTransportClosed) {
			t.Errorf("error = %v, want ErrTransportClosed", r.err)
		}
	}
	if _, err := e.Request(context.Background(), "SN1", protocol.Reset(), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Request() after Close error = %v, want ErrClosed", err)
	}
}

func TestRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(e *Engine)
		cmd     protocol.Command
		wantErr error
	}{
		{
			name:    "invalid command",
			cmd:     protocol.Command{Route: protocol.RouteBus, Type: 9},
			wantErr: protocol.ErrInvalidCommand,
		},
		{
			name:    "no sender for route",
			setup:   func(e *Engine) { e.senders = map[protocol.Route]Sender{} },
			cmd:     protocol.Reset(),
			wantErr: ErrNoRoute,
		},
		{
			name: "send failure",
			setup: func(e *Engine) {
				e.SetSender(protocol.RouteBus, &fakeSender{err: errors.New("broker down")})
			},
			cmd:     protocol.Reset(),
			wantErr: ErrSendFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine()
			defer e.Close()
			if tt.setup != nil {
				tt.setup(e)
			}

			_, err := e.Request(context.Background(), "SN1", tt.cmd, time.Second)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Request() error = %v, want %v", err, tt.wantErr)
			}
			if e.Pending() != 0 {
				t.Errorf("Pending() = %d after failure", e.Pending())
			}
		})
	}
}

func TestRequest_ContextCancel(t *testing.T) {
	e, _, bus := newTestEngine()
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, "SN1", protocol.Reset(), time.Minute)
		done <- err
	}()
	bus.next(t)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Request did not return after cancel")
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d after cancel", e.Pending())
	}
}

func TestAcknowledge_RouteAndDeviceMustMatch(t *testing.T) {
	e, serial, bus := newTestEngine()
	defer e.Close()

	onBus := requestAsync(e, "SN1", protocol.GetConfiguration(), time.Second)
	busCmd := bus.next(t)

	if e.Acknowledge(Reply{CorrelationID: busCmd.cid, DeviceID: "SN1", Route: protocol.RouteSerial}) {
		t.Error("ack on the wrong route settled the request")
	}
	if e.Acknowledge(Reply{CorrelationID: busCmd.cid, DeviceID: "SN2", Route: protocol.RouteBus}) {
		t.Error("ack from another device settled the request")
	}
	if !e.IsPending(busCmd.cid) {
		t.Fatal("mismatched acks removed the pending entry")
	}
	e.Acknowledge(Reply{CorrelationID: busCmd.cid, DeviceID: "SN1", Route: protocol.RouteBus})
	if r := await(t, onBus); r.err != nil {
		t.Errorf("bus request error = %v", r.err)
	}

	onSerial := requestAsync(e, "SN1", protocol.HardReset(), time.Second)
	serialCmd := serial.next(t)
	if e.Acknowledge(Reply{CorrelationID: serialCmd.cid, DeviceID: "SN2", Route: protocol.RouteSerial}) {
		t.Error("serial ack from another device settled the request")
	}
	if !e.Acknowledge(Reply{CorrelationID: serialCmd.cid, DeviceID: "", Route: protocol.RouteSerial}) {
		t.Error("serial ack without device id was not accepted")
	}
	if r := await(t, onSerial); r.err != nil {
		t.Errorf("serial request error = %v", r.err)
	}
}

func TestRequest_TimeoutClampedToMax(t *testing.T) {
	e := NewEngine(Config{DefaultTimeout: 20 * time.Millisecond, MaxTimeout: 50 * time.Millisecond})
	defer e.Close()
	e.SetSender(protocol.RouteBus, newFakeSender())

	start := time.Now()
	_, err := e.Request(context.Background(), "SN1", protocol.Reset(), time.Hour)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not clamped")
	}

	start = time.Now()
	if _, err := e.Request(context.Background(), "SN1", protocol.Reset(), 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("default timeout error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("default timeout not applied")
	}
}

// Acks racing timeouts settle every request exactly once.
func TestRequest_AckTimeoutRaceSettlesOnce(t *testing.T) {
	const n = 50

	e := NewEngine(Config{})
	defer e.Close()

	acker := SenderFunc(func(_ context.Context, deviceID, cid string, _ protocol.Command) error {
		go func() {
			time.Sleep(5 * time.Millisecond)
			e.Acknowledge(Reply{CorrelationID: cid, DeviceID: deviceID, Route: protocol.RouteBus})
		}()
		return nil
	})
	e.SetSender(protocol.RouteBus, acker)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[string]int{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Request(context.Background(), "SN1", protocol.Reset(), 5*time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				outcomes["fulfilled"]++
			case errors.Is(err, ErrTimeout):
				outcomes["timeout"]++
			default:
				outcomes["other"]++
			}
		}()
	}
	wg.Wait()

	if outcomes["other"] != 0 || outcomes["fulfilled"]+outcomes["timeout"] != n {
		t.Errorf("outcomes = %v", outcomes)
	}

	stats := e.Stats()
	if stats.Pending != 0 {
		t.Errorf("Pending = %d", stats.Pending)
	}
	if int(stats.Fulfilled) != outcomes["fulfilled"] || int(stats.Timeouts) != outcomes["timeout"] {
		t.Errorf("stats = %+v, outcomes = %v", stats, outcomes)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	orphans  int
}

func (o *recordingObserver) RequestCompleted(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) OrphanAcknowledged(protocol.Route) {
	o.mu.Lock()
	o.orphans++
	o.mu.Unlock()
}

func TestObserver(t *testing.T) {
	e, _, bus := newTestEngine()
	defer e.Close()
	obs := &recordingObserver{}
	e.SetObserver(obs)

	pending := requestAsync(e, "SN1", protocol.Reset(), time.Second)
	sent := bus.next(t)
	e.Acknowledge(Reply{CorrelationID: sent.cid, DeviceID: "SN1", Route: protocol.RouteBus})
	await(t, pending)
	e.Acknowledge(Reply{CorrelationID: "unknown", Route: protocol.RouteBus})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.outcomes) != 1 || obs.outcomes[0] != OutcomeFulfilled {
		t.Errorf("outcomes = %v", obs.outcomes)
	}
	if obs.orphans != 1 {
		t.Errorf("orphans = %d, want 1", obs.orphans)
	}
}
