package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// scrape returns the exposition text served by m.
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.MessageReceived(protocol.RouteSerial, "state")
	m.MessageReceived(protocol.RouteSerial, "state")
	m.MessageDropped(protocol.RouteBus, "malformed")
	m.RequestCompleted("bus.reset", "timeout", 1500*time.Millisecond)
	m.OrphanAcknowledged(protocol.RouteBus)
	m.SerialReconnect()
	m.TransportUp(protocol.RouteSerial, true)
	m.RecordAlarm(protocol.BusMessage{DeviceID: "MAS-1"})

	body := scrape(t, m)

	want := []string{
		`museum_alert_messages_received_total{route="serial",type="state"} 2`,
		`museum_alert_messages_dropped_total{reason="malformed",route="bus"} 1`,
		`museum_alert_requests_total{command="bus.reset",outcome="timeout"} 1`,
		`museum_alert_request_duration_seconds_count{command="bus.reset"} 1`,
		`museum_alert_orphan_acknowledgements_total{route="bus"} 1`,
		`museum_alert_serial_reconnects_total 1`,
		`museum_alert_transport_up{route="serial"} 1`,
		`museum_alert_alarms_total 1`,
		`go_goroutines`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("exposition missing %q", w)
		}
	}
}

func TestMetrics_ReachableGaugeCountsDevices(t *testing.T) {
	m := New()
	now := time.Now()

	m.RecordReachability("MAS-1", true, now)
	m.RecordReachability("MAS-2", true, now)
	m.RecordReachability("MAS-1", false, now)
	m.RecordReachability("MAS-3", false, now)

	if body := scrape(t, m); !strings.Contains(body, "museum_alert_reachable_devices 1") {
		t.Errorf("reachable gauge wrong:\n%s", body)
	}
}

func TestMetrics_FatalGauge(t *testing.T) {
	m := New()
	now := time.Now()

	m.RecordState("MAS-1", protocol.StateFatal, now)
	m.RecordState("MAS-2", protocol.StateFatal, now)
	m.RecordState("MAS-2", protocol.StateUnknown, now)

	if body := scrape(t, m); !strings.Contains(body, "museum_alert_fatal_devices 1") {
		t.Errorf("fatal gauge wrong:\n%s", body)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.SerialReconnect()

	if !strings.Contains(scrape(t, b), "museum_alert_serial_reconnects_total 0") {
		t.Error("metrics leaked between registries")
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordReachability("MAS-1", (i+j)%2 == 0, time.Now())
				m.MessageReceived(protocol.RouteBus, "alarm")
			}
		}(i)
	}
	wg.Wait()

	if !strings.Contains(scrape(t, m), `museum_alert_messages_received_total{route="bus",type="alarm"} 800`) {
		t.Error("concurrent increments lost")
	}
}
