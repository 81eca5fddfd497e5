package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestParseDeviceMessage_StateReport(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  DeviceState
	}{
		{name: "top level state", frame: `{"type":0,"state":7}`, want: StateInitialized},
		{name: "state inside data", frame: `{"type":0,"data":{"state":3}}`, want: StateCertificatesConfigured},
		{name: "fatal", frame: `{"type":0,"state":8}`, want: StateFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseDeviceMessage([]byte(tt.frame), "MAS-001", testNow)
			if err != nil {
				t.Fatalf("ParseDeviceMessage() error = %v", err)
			}
			if msg.Type != DeviceMessageState {
				t.Errorf("Type = %v, want state", msg.Type)
			}
			report, ok := msg.Payload.(StateReport)
			if !ok {
				t.Fatalf("Payload = %T, want StateReport", msg.Payload)
			}
			if report.State != tt.want {
				t.Errorf("State = %v, want %v", report.State, tt.want)
			}
			if msg.DeviceID != "MAS-001" {
				t.Errorf("DeviceID = %q, want fallback MAS-001", msg.DeviceID)
			}
		})
	}
}

func TestParseDeviceMessage_ErrorReportUsesFrameSerial(t *testing.T) {
	msg, err := ParseDeviceMessage([]byte(`{"type":2,"sn":"SN1","data":{"error":10}}`), "MAS-001", testNow)
	if err != nil {
		t.Fatalf("ParseDeviceMessage() error = %v", err)
	}
	if msg.DeviceID != "SN1" {
		t.Errorf("DeviceID = %q, want SN1", msg.DeviceID)
	}
	report, ok := msg.Payload.(ErrorReport)
	if !ok || report.Error != ErrorSensorDetection {
		t.Errorf("Payload = %#v, want sensor detection error", msg.Payload)
	}
}

func TestParseDeviceMessage_WiFiNetworks(t *testing.T) {
	for _, frame := range []string{
		`{"type":1,"data":[{"ssid":"Museum","rssi":-40,"encryptionType":4}]}`,
		`{"type":1,"data":{"networks":[{"ssid":"Museum","rssi":-40,"encryptionType":4}]}}`,
	} {
		msg, err := ParseDeviceMessage([]byte(frame), "MAS-001", testNow)
		if err != nil {
			t.Fatalf("ParseDeviceMessage(%s) error = %v", frame, err)
		}
		list, ok := msg.Payload.(WiFiNetworks)
		if !ok || len(list.Networks) != 1 || list.Networks[0].SSID != "Museum" {
			t.Errorf("Payload = %#v, want one network named Museum", msg.Payload)
		}
	}
}

func TestParseDeviceMessage_Ack(t *testing.T) {
	msg, err := ParseDeviceMessage([]byte(`{"type":3,"cid":"abc","data":{"ok":true}}`), "MAS-001", testNow)
	if err != nil {
		t.Fatalf("ParseDeviceMessage() error = %v", err)
	}
	if msg.CorrelationID != "abc" {
		t.Errorf("CorrelationID = %q, want abc", msg.CorrelationID)
	}
	ack, ok := msg.Payload.(Ack)
	if !ok || string(ack.Data) != `{"ok":true}` {
		t.Errorf("Payload = %#v", msg.Payload)
	}
}

func TestParseDeviceMessage_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{name: "not json", frame: `hello`, wantErr: ErrMalformed},
		{name: "missing type", frame: `{"state":1}`, wantErr: ErrMalformed},
		{name: "unknown type", frame: `{"type":9}`, wantErr: ErrUnknownType},
		{name: "state out of range", frame: `{"type":0,"state":42}`, wantErr: ErrInvalidPayload},
		{name: "state missing", frame: `{"type":0}`, wantErr: ErrInvalidPayload},
		{name: "error out of range", frame: `{"type":2,"error":-3}`, wantErr: ErrInvalidPayload},
		{name: "wifi list wrong shape", frame: `{"type":1,"data":"nope"}`, wantErr: ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDeviceMessage([]byte(tt.frame), "MAS-001", testNow)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDeviceMessage_Unattributed(t *testing.T) {
	msg, err := ParseDeviceMessage([]byte(`{"type":0,"state":1}`), "", testNow)
	if !errors.Is(err, ErrUnattributed) {
		t.Fatalf("error = %v, want ErrUnattributed", err)
	}
	if msg.Type != DeviceMessageState {
		t.Errorf("decoded message should still be returned, got %#v", msg)
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, msg BusMessage)
	}{
		{
			name:    "connection status",
			payload: `{"type":1,"sn":"SN1","timestamp":1767225600000,"data":{"connected":false}}`,
			check: func(t *testing.T, msg BusMessage) {
				status, ok := msg.Payload.(ConnectionStatus)
				if !ok || status.Connected {
					t.Errorf("Payload = %#v, want connected=false", msg.Payload)
				}
				if !msg.Timestamp.Equal(time.UnixMilli(1767225600000)) {
					t.Errorf("Timestamp = %v", msg.Timestamp)
				}
			},
		},
		{
			name:    "alarm with distance",
			payload: `{"type":0,"sn":"SN1","data":{"distance":42.5,"zone":"east"}}`,
			check: func(t *testing.T, msg BusMessage) {
				alarm, ok := msg.Payload.(Alarm)
				if !ok || alarm.Distance == nil || *alarm.Distance != 42.5 {
					t.Fatalf("Payload = %#v, want distance 42.5", msg.Payload)
				}
				if alarm.Extra["zone"] != "east" {
					t.Errorf("Extra = %v", alarm.Extra)
				}
				if !msg.Timestamp.Equal(testNow) {
					t.Errorf("missing timestamp should default to now, got %v", msg.Timestamp)
				}
			},
		},
		{
			name:    "configuration",
			payload: `{"type":2,"sn":"SN1","data":{"distance":100,"beaconUrl":"https://example.org","firmware":"1.2.0"}}`,
			check: func(t *testing.T, msg BusMessage) {
				cfg, ok := msg.Payload.(Configuration)
				if !ok || cfg.Firmware != "1.2.0" || cfg.BeaconURL != "https://example.org" {
					t.Errorf("Payload = %#v", msg.Payload)
				}
			},
		},
		{
			name:    "ack with cid",
			payload: `{"type":3,"cid":"c-1","sn":"SN1","data":{"distance":100}}`,
			check: func(t *testing.T, msg BusMessage) {
				if msg.CorrelationID != "c-1" {
					t.Errorf("CorrelationID = %q", msg.CorrelationID)
				}
				if _, ok := msg.Payload.(Ack); !ok {
					t.Errorf("Payload = %T, want Ack", msg.Payload)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseEnvelope([]byte(tt.payload), testNow)
			if err != nil {
				t.Fatalf("ParseEnvelope() error = %v", err)
			}
			if msg.DeviceID != "SN1" {
				t.Errorf("DeviceID = %q, want SN1", msg.DeviceID)
			}
			tt.check(t, msg)
		})
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{name: "garbage", payload: `{{`, wantErr: ErrMalformed},
		{name: "missing type", payload: `{"sn":"SN1"}`, wantErr: ErrMalformed},
		{name: "unknown type", payload: `{"type":12,"sn":"SN1"}`, wantErr: ErrUnknownType},
		{name: "missing sn", payload: `{"type":0,"data":{}}`, wantErr: ErrUnattributed},
		{name: "status without flag", payload: `{"type":1,"sn":"SN1","data":{}}`, wantErr: ErrInvalidPayload},
		{name: "status without data", payload: `{"type":1,"sn":"SN1"}`, wantErr: ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tt.payload), testNow); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeBusCommand(t *testing.T) {
	distance := 80.0
	payload, err := EncodeBusCommand(SetConfiguration(Configuration{Distance: &distance}), "SN1", "cid-7", testNow)
	if err != nil {
		t.Fatalf("EncodeBusCommand() error = %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if env.Type != int(BusSetConfiguration) || env.CorrelationID != "cid-7" || env.SerialNumber != "SN1" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Timestamp != testNow.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", env.Timestamp, testNow.UnixMilli())
	}
	if string(env.Data) != `{"distance":80}` {
		t.Errorf("Data = %s", env.Data)
	}
}

func TestEncodeCommands_RouteMismatch(t *testing.T) {
	if _, err := EncodeBusCommand(HardReset(), "SN1", "c", testNow); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("EncodeBusCommand(serial cmd) error = %v, want ErrInvalidCommand", err)
	}
	if _, err := EncodeSerialCommand(Reset(), "c"); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("EncodeSerialCommand(bus cmd) error = %v, want ErrInvalidCommand", err)
	}
	if _, err := EncodeBusCommand(Reset(), "", "c", testNow); !errors.Is(err, ErrUnattributed) {
		t.Errorf("EncodeBusCommand(no device) error = %v, want ErrUnattributed", err)
	}
}

func TestEncodeSerialCommand(t *testing.T) {
	body, err := EncodeSerialCommand(HardReset(), "cid-1")
	if err != nil {
		t.Fatalf("EncodeSerialCommand() error = %v", err)
	}
	if string(body) != `{"type":0,"cid":"cid-1"}` {
		t.Errorf("body = %s", body)
	}

	if _, err := EncodeSerialCommand(Provision(ProvisioningSettings{}), "cid-2"); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("empty provisioning settings error = %v, want ErrInvalidCommand", err)
	}
}

func TestCommandName(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{HardReset(), "serial.hard_reset"},
		{RefreshWiFiNetworks(), "serial.refresh_wifi_networks"},
		{GetConfiguration(), "bus.get_configuration"},
		{Reset(), "bus.reset"},
	}
	for _, tt := range tests {
		if got := tt.cmd.Name(); got != tt.want {
			t.Errorf("Name() = %q, want %q", got, tt.want)
		}
	}
}
