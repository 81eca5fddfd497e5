package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DeviceMessage is a typed message decoded from one serial frame.
//
// Frame body: {"type":N, "sn"?:string, "cid"?:string, "state"?:int, "error"?:int, "data"?:any}
// State and error codes may appear at top level or inside data.
type DeviceMessage struct {
	Type          DeviceMessageType
	DeviceID      string
	CorrelationID string
	Timestamp     time.Time
	Payload       Payload
}

// BusMessage is a typed message decoded from one bus envelope.
type BusMessage struct {
	Type          MessageType
	DeviceID      string
	CorrelationID string
	Timestamp     time.Time
	Payload       Payload
}

// Envelope is the bus wire format shared by inbound events and outbound commands.
type Envelope struct {
	Type          int             `json:"type"`
	CorrelationID string          `json:"cid,omitempty"`
	SerialNumber  string          `json:"sn"`
	Timestamp     int64           `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type rawDeviceMessage struct {
	Type  *int            `json:"type"`
	SN    string          `json:"sn"`
	CID   string          `json:"cid"`
	State *int            `json:"state"`
	Error *int            `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type codeFields struct {
	State *int `json:"state"`
	Error *int `json:"error"`
}

// ParseDeviceMessage decodes a serial frame body.
//
// Frames without "sn" are attributed to fallbackDevice, the device bound to
// the serial link. If both are empty the message is still decoded but
// ErrUnattributed is returned alongside it so callers can decide.
func ParseDeviceMessage(frame []byte, fallbackDevice string, now time.Time) (DeviceMessage, error) {
	var raw rawDeviceMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return DeviceMessage{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if raw.Type == nil {
		return DeviceMessage{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msgType := DeviceMessageType(*raw.Type)
	if !msgType.Valid() {
		return DeviceMessage{}, fmt.Errorf("%w: %d", ErrUnknownType, *raw.Type)
	}

	msg := DeviceMessage{
		Type:          msgType,
		DeviceID:      raw.SN,
		CorrelationID: raw.CID,
		Timestamp:     now,
	}

	nested := codeFields{}
	if isJSONObject(raw.Data) {
		// Best effort: data may legitimately hold something else.
		_ = json.Unmarshal(raw.Data, &nested) //nolint:errcheck // shape checked per type below
	}

	switch msgType {
	case DeviceMessageState:
		code := firstSet(raw.State, nested.State)
		if code == nil {
			return DeviceMessage{}, fmt.Errorf("%w: state report without state", ErrInvalidPayload)
		}
		state := DeviceState(*code)
		if !state.Valid() {
			return DeviceMessage{}, fmt.Errorf("%w: state %d out of range", ErrInvalidPayload, *code)
		}
		msg.Payload = StateReport{State: state}

	case DeviceMessageError:
		code := firstSet(raw.Error, nested.Error)
		if code == nil {
			return DeviceMessage{}, fmt.Errorf("%w: error report without error", ErrInvalidPayload)
		}
		kind := DeviceErrorType(*code)
		if !kind.Valid() {
			return DeviceMessage{}, fmt.Errorf("%w: error %d out of range", ErrInvalidPayload, *code)
		}
		msg.Payload = ErrorReport{Error: kind}

	case DeviceMessageWiFiNetworks:
		networks, err := decodeNetworks(raw.Data)
		if err != nil {
			return DeviceMessage{}, err
		}
		msg.Payload = WiFiNetworks{Networks: networks}

	case DeviceMessageAck:
		msg.Payload = Ack{Data: cloneRaw(raw.Data)}
	}

	if msg.DeviceID == "" {
		msg.DeviceID = fallbackDevice
	}
	if msg.DeviceID == "" {
		return msg, ErrUnattributed
	}

	return msg, nil
}

// ParseEnvelope decodes a bus envelope. The serial number is mandatory: it
// is the routing key for every per-device signal.
func ParseEnvelope(payload []byte, now time.Time) (BusMessage, error) {
	var env Envelope
	var probe struct {
		Type *int `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return BusMessage{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if probe.Type == nil {
		return BusMessage{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return BusMessage{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	msgType := MessageType(env.Type)
	if !msgType.Valid() {
		return BusMessage{}, fmt.Errorf("%w: %d", ErrUnknownType, env.Type)
	}
	if env.SerialNumber == "" {
		return BusMessage{}, ErrUnattributed
	}

	msg := BusMessage{
		Type:          msgType,
		DeviceID:      env.SerialNumber,
		CorrelationID: env.CorrelationID,
		Timestamp:     now,
	}
	if env.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(env.Timestamp)
	}

	switch msgType {
	case MessageAlarm:
		alarm, err := decodeAlarm(env.Data)
		if err != nil {
			return BusMessage{}, err
		}
		msg.Payload = alarm

	case MessageConnectionStatus:
		var status struct {
			Connected *bool `json:"connected"`
		}
		if !isJSONObject(env.Data) {
			return BusMessage{}, fmt.Errorf("%w: connection status without data", ErrInvalidPayload)
		}
		if err := json.Unmarshal(env.Data, &status); err != nil || status.Connected == nil {
			return BusMessage{}, fmt.Errorf("%w: connection status needs a boolean \"connected\"", ErrInvalidPayload)
		}
		msg.Payload = ConnectionStatus{Connected: *status.Connected}

	case MessageConfiguration:
		var cfg Configuration
		if isJSONObject(env.Data) {
			if err := json.Unmarshal(env.Data, &cfg); err != nil {
				return BusMessage{}, fmt.Errorf("%w: configuration: %w", ErrInvalidPayload, err)
			}
		}
		msg.Payload = cfg

	case MessageAck:
		msg.Payload = Ack{Data: cloneRaw(env.Data)}
	}

	return msg, nil
}

func decodeNetworks(data json.RawMessage) ([]WiFiNetwork, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return []WiFiNetwork{}, nil
	}

	var networks []WiFiNetwork
	if err := json.Unmarshal(data, &networks); err == nil {
		return networks, nil
	}

	var wrapped WiFiNetworks
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: wifi networks: %w", ErrInvalidPayload, err)
	}
	if wrapped.Networks == nil {
		wrapped.Networks = []WiFiNetwork{}
	}
	return wrapped.Networks, nil
}

func decodeAlarm(data json.RawMessage) (Alarm, error) {
	if !isJSONObject(data) {
		return Alarm{}, nil
	}

	var extra map[string]any
	if err := json.Unmarshal(data, &extra); err != nil {
		return Alarm{}, fmt.Errorf("%w: alarm: %w", ErrInvalidPayload, err)
	}

	alarm := Alarm{Extra: extra}
	if d, ok := extra["distance"].(float64); ok {
		alarm.Distance = &d
	}
	return alarm, nil
}

func firstSet(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func isJSONObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func cloneRaw(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}
