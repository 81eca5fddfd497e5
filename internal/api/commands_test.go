package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/audit"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/auth"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/logging"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/link"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/registry"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/transport/serial"
)

// usbPort is an in-memory serial port standing in for the attached sensor.
type usbPort struct {
	r     *io.PipeReader
	w     *io.PipeWriter
	wrote chan []byte
}

func newUSBPort() *usbPort {
	r, w := io.Pipe()
	return &usbPort{r: r, w: w, wrote: make(chan []byte, 16)}
}

func (p *usbPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *usbPort) Write(b []byte) (int, error) {
	p.wrote <- bytes.Clone(b)
	return len(b), nil
}

func (p *usbPort) Close() error {
	p.w.Close()
	return p.r.Close()
}

func (p *usbPort) feed(s string) {
	_, _ = p.w.Write([]byte(s))
}

// ack answers the next command the host writes.
func (p *usbPort) ack(t *testing.T, extra string) {
	t.Helper()
	select {
	case raw := <-p.wrote:
		body := bytes.TrimSuffix(bytes.TrimPrefix(raw, []byte("<|")), []byte("|>"))
		var cmd struct {
			CID string `json:"cid"`
		}
		if err := json.Unmarshal(body, &cmd); err != nil {
			t.Errorf("written frame %q: %v", raw, err)
			return
		}
		p.feed(`<|{"type":3,"cid":"` + cmd.CID + `"}|>` + extra)
	case <-time.After(2 * time.Second):
		t.Error("no command written to the serial port")
	}
}

// linkedServer serves a real link.Service whose serial port is attached to
// device SN1. SN1 and SN2 both belong to acme.
func linkedServer(t *testing.T) (http.Handler, *link.Service, *usbPort) {
	t.Helper()

	port := newUSBPort()
	var once sync.Once
	tr, err := serial.Open(context.Background(), serial.Config{
		Port:        "/dev/ttyTEST0",
		BaudRate:    9600,
		MaxAttempts: 1,
		Opener: func(serial.Config) (serial.Port, error) {
			var p serial.Port
			once.Do(func() { p = port })
			if p == nil {
				return nil, errors.New("no such device")
			}
			return p, nil
		},
	})
	if err != nil {
		t.Fatalf("serial.Open() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	svc := link.New(link.Config{Serial: tr, SerialDevice: "SN1"})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	db := setupTestDB(t)
	reg := registry.New(registry.NewSQLiteRepository(db))
	register(t, reg, "SN1", "acme")
	register(t, reg, "SN2", "acme")

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1"},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15}},
		Logger:   logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Link:     svc,
		Registry: reg,
		Audit:    audit.NewSQLiteRepository(db),
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv.buildRouter(), svc, port
}

func TestDeviceCommand_HardResetClearsFatal(t *testing.T) {
	router, svc, port := linkedServer(t)
	tok := token(t, "acme", auth.RoleOperator)

	go port.feed(`<|{"type":0,"state":8}|>`)
	deadline := time.Now().Add(2 * time.Second)
	for svc.State("SN1") != protocol.StateFatal {
		if time.Now().After(deadline) {
			t.Fatal("device never reported fatal")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go port.ack(t, "")
	w := do(t, router, http.MethodPost, "/api/v1/devices/SN1/commands", tok, `{"command":"hard_reset"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	if got := svc.State("SN1"); got != protocol.StateUnknown {
		t.Errorf("State() = %v after hard reset, want unknown", got)
	}
	if got := svc.Error("SN1"); got != protocol.ErrorNone {
		t.Errorf("Error() = %v after hard reset, want none", got)
	}
}

func TestDeviceCommand_RefreshWiFiReturnsNetworks(t *testing.T) {
	router, _, port := linkedServer(t)
	tok := token(t, "acme", auth.RoleOperator)

	go port.ack(t, `<|{"type":1,"data":[{"ssid":"Gallery","rssi":-52,"encryptionType":4}]}|>`)
	w := do(t, router, http.MethodPost, "/api/v1/devices/SN1/commands", tok, `{"command":"refresh_wifi_networks"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data []protocol.WiFiNetwork `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	if len(resp.Data) != 1 || resp.Data[0].SSID != "Gallery" {
		t.Errorf("data = %+v, want the Gallery network", resp.Data)
	}
}

func TestDeviceCommand_SerialCommandForOtherDevice(t *testing.T) {
	router, _, port := linkedServer(t)
	tok := token(t, "acme", auth.RoleOperator)

	for _, body := range []string{`{"command":"hard_reset"}`, `{"command":"refresh_wifi_networks"}`} {
		w := do(t, router, http.MethodPost, "/api/v1/devices/SN2/commands", tok, body)
		if w.Code != http.StatusConflict {
			t.Errorf("%s: status = %d, want %d; body: %s", body, w.Code, http.StatusConflict, w.Body.String())
		}
	}

	select {
	case raw := <-port.wrote:
		t.Errorf("frame %q reached the attached device", raw)
	case <-time.After(50 * time.Millisecond):
	}
}
