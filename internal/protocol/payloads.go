package protocol

import "encoding/json"

// Payload is the type-dependent body of a message. Each message type maps
// to exactly one concrete Payload.
type Payload interface {
	payload()
}

// StateReport carries a DeviceMessageState payload.
type StateReport struct {
	State DeviceState `json:"state"`
}

// ErrorReport carries a DeviceMessageError payload.
type ErrorReport struct {
	Error DeviceErrorType `json:"error"`
}

// WiFiNetwork is one entry of a device's Wi-Fi scan.
type WiFiNetwork struct {
	SSID           string `json:"ssid"`
	RSSI           int    `json:"rssi"`
	EncryptionType int    `json:"encryptionType"`
}

// WiFiNetworks carries a DeviceMessageWiFiNetworks payload.
type WiFiNetworks struct {
	Networks []WiFiNetwork `json:"networks"`
}

// Ack carries an acknowledgement. Data is the raw reply body, passed to the
// waiting requester untouched.
type Ack struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Alarm carries a MessageAlarm payload. Distance is the measured distance
// in centimetres that tripped the sensor, when reported.
type Alarm struct {
	Distance *float64       `json:"distance,omitempty"`
	Extra    map[string]any `json:"-"`
}

// ConnectionStatus carries a MessageConnectionStatus payload.
type ConnectionStatus struct {
	Connected bool `json:"connected"`
}

// Configuration is the device's runtime configuration, carried by
// MessageConfiguration and used as the body of set-configuration.
type Configuration struct {
	Distance  *float64 `json:"distance,omitempty"`
	BeaconURL string   `json:"beaconUrl,omitempty"`
	Firmware  string   `json:"firmware,omitempty"`
}

// ProvisioningSettings is sent over serial to enrol a device: Wi-Fi
// credentials plus the client certificate it will present to the broker.
type ProvisioningSettings struct {
	SSID        string `json:"ssid"`
	Password    string `json:"password"`
	Certificate string `json:"certPem"`
	PrivateKey  string `json:"privateKey"`
}

func (StateReport) payload()      {}
func (ErrorReport) payload()      {}
func (WiFiNetworks) payload()     {}
func (Ack) payload()              {}
func (Alarm) payload()            {}
func (ConnectionStatus) payload() {}
func (Configuration) payload()    {}
