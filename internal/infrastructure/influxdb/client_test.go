package influxdb_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/influxdb"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// localConfig points at the InfluxDB of the development compose stack.
func localConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "museum-alert-dev-token",
		Org:           "museum-alert",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// liveClient connects with cfg or skips when no InfluxDB is listening.
func liveClient(t *testing.T, cfg config.InfluxDBConfig) *influxdb.Client {
	t.Helper()
	c, err := influxdb.Connect(cfg)
	if err != nil {
		t.Skipf("InfluxDB not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// lastError records the most recent asynchronous write error.
type lastError struct {
	mu  sync.Mutex
	err error
}

func (l *lastError) set(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *lastError) get() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func TestConnect_Rejected(t *testing.T) {
	disabled := localConfig()
	disabled.Enabled = false
	if _, err := influxdb.Connect(disabled); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect(disabled) error = %v, want ErrDisabled", err)
	}

	unreachable := localConfig()
	unreachable.URL = "http://127.0.0.1:59999"
	if _, err := influxdb.Connect(unreachable); err == nil {
		t.Error("Connect(unreachable) error = nil")
	}
}

func TestConnect_BatchSettings(t *testing.T) {
	tests := []struct {
		name         string
		batch, flush int
	}{
		{"configured", 100, 1},
		{"zero uses defaults", 0, 0},
		{"negative uses defaults", -5, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := localConfig()
			cfg.BatchSize, cfg.FlushInterval = tt.batch, tt.flush

			c := liveClient(t, cfg)
			if !c.IsConnected() {
				t.Error("IsConnected() = false after Connect")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.HealthCheck(ctx); err != nil {
				t.Errorf("HealthCheck() error = %v", err)
			}
		})
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	c := liveClient(t, localConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck(cancelled) error = nil")
	}
}

func TestRecord_WritesWithoutErrors(t *testing.T) {
	c := liveClient(t, localConfig())
	var last lastError
	c.SetOnError(last.set)

	now := time.Now()
	distance := 42.5
	c.RecordState("MAS-TEST-001", protocol.StateInitialized, now)
	c.RecordError("MAS-TEST-001", protocol.ErrorSensorDetection, now)
	c.RecordReachability("MAS-TEST-001", false, now)
	c.RecordAlarm(protocol.BusMessage{
		Type:      protocol.MessageAlarm,
		DeviceID:  "MAS-TEST-001",
		Timestamp: now,
		Payload:   protocol.Alarm{Distance: &distance},
	})
	c.RecordCommand("bus.get_configuration", "fulfilled", 340*time.Millisecond)
	c.RecordCommand("serial.hard_reset", "timeout", 10*time.Second)
	c.Flush()

	// Errors arrive on the client's drain goroutine.
	time.Sleep(100 * time.Millisecond)

	if err := last.get(); err != nil {
		t.Errorf("write error = %v", err)
	}
	if n := c.WriteErrors(); n != 0 {
		t.Errorf("WriteErrors() = %d, want 0", n)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c := liveClient(t, localConfig())
	c.RecordReachability("close-test", true, time.Now())

	for i := range 2 {
		if err := c.Close(); err != nil {
			t.Errorf("Close() #%d error = %v", i+1, err)
		}
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestNilClient_DropsWrites(t *testing.T) {
	var c *influxdb.Client

	c.RecordState("MAS-1", protocol.StateStarted, time.Now())
	c.RecordReachability("MAS-1", true, time.Now())
	c.RecordCommand("bus.reset", "fulfilled", time.Millisecond)
	c.Flush()

	if c.IsConnected() || c.WriteErrors() != 0 {
		t.Error("nil client should report disconnected with no errors")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
