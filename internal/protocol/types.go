package protocol

import "fmt"

// Route identifies which transport carries a message or command.
type Route int

const (
	// RouteSerial is the local USB serial link to a single attached device.
	RouteSerial Route = iota

	// RouteBus is the cloud MQTT channel keyed by device serial number.
	RouteBus
)

func (r Route) String() string {
	switch r {
	case RouteSerial:
		return "serial"
	case RouteBus:
		return "bus"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// DeviceMessageType is the closed set of message kinds a device reports over serial.
type DeviceMessageType int

const (
	DeviceMessageState        DeviceMessageType = 0
	DeviceMessageWiFiNetworks DeviceMessageType = 1
	DeviceMessageError        DeviceMessageType = 2
	DeviceMessageAck          DeviceMessageType = 3
)

// Valid reports whether t is one of the known serial message kinds.
func (t DeviceMessageType) Valid() bool {
	return t >= DeviceMessageState && t <= DeviceMessageAck
}

func (t DeviceMessageType) String() string {
	switch t {
	case DeviceMessageState:
		return "state"
	case DeviceMessageWiFiNetworks:
		return "wifi_networks"
	case DeviceMessageError:
		return "error"
	case DeviceMessageAck:
		return "ack"
	default:
		return fmt.Sprintf("device_message(%d)", int(t))
	}
}

// MessageType is the closed set of message kinds carried in bus envelopes.
type MessageType int

const (
	MessageAlarm            MessageType = 0
	MessageConnectionStatus MessageType = 1
	MessageConfiguration    MessageType = 2
	MessageAck              MessageType = 3
)

// Valid reports whether t is one of the known bus message kinds.
func (t MessageType) Valid() bool {
	return t >= MessageAlarm && t <= MessageAck
}

func (t MessageType) String() string {
	switch t {
	case MessageAlarm:
		return "alarm"
	case MessageConnectionStatus:
		return "connection_status"
	case MessageConfiguration:
		return "configuration"
	case MessageAck:
		return "ack"
	default:
		return fmt.Sprintf("message(%d)", int(t))
	}
}

// AllMessageTypes lists every bus message type, in wire order.
func AllMessageTypes() []MessageType {
	return []MessageType{MessageAlarm, MessageConnectionStatus, MessageConfiguration, MessageAck}
}

// AllDeviceMessageTypes lists every serial message type, in wire order.
func AllDeviceMessageTypes() []DeviceMessageType {
	return []DeviceMessageType{DeviceMessageState, DeviceMessageWiFiNetworks, DeviceMessageError, DeviceMessageAck}
}

// DeviceState is the provisioning lifecycle stage reported by device firmware.
// Values progress linearly from StateStarted to StateInitialized; StateFatal
// is reachable from any of them.
type DeviceState int

const (
	// StateUnknown is the client-side value for a device never heard from.
	StateUnknown DeviceState = -1

	StateStarted                DeviceState = 0
	StateCipheringInitialized   DeviceState = 1
	StateWiFiConfigured         DeviceState = 2
	StateCertificatesConfigured DeviceState = 3
	StateConnectedToWiFi        DeviceState = 4
	StateProvisioned            DeviceState = 5
	StateConnectedToBroker      DeviceState = 6
	StateInitialized            DeviceState = 7
	StateFatal                  DeviceState = 8
)

// Valid reports whether s can appear in a device state report.
func (s DeviceState) Valid() bool {
	return s >= StateStarted && s <= StateFatal
}

func (s DeviceState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateStarted:
		return "started"
	case StateCipheringInitialized:
		return "ciphering_initialized"
	case StateWiFiConfigured:
		return "wifi_configured"
	case StateCertificatesConfigured:
		return "certificates_configured"
	case StateConnectedToWiFi:
		return "connected_to_wifi"
	case StateProvisioned:
		return "provisioned"
	case StateConnectedToBroker:
		return "connected_to_broker"
	case StateInitialized:
		return "initialized"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DeviceErrorType classifies a failure reported by or about a device.
type DeviceErrorType int

const (
	ErrorNone                   DeviceErrorType = 0
	ErrorCiphering              DeviceErrorType = 1
	ErrorCredentials            DeviceErrorType = 2
	ErrorConnectivity           DeviceErrorType = 3
	ErrorProvisioningSettings   DeviceErrorType = 4
	ErrorCommand                DeviceErrorType = 5
	ErrorStorage                DeviceErrorType = 6
	ErrorProvisioningAttempt    DeviceErrorType = 7
	ErrorBrokerConnection       DeviceErrorType = 8
	ErrorConfigurationRetrieval DeviceErrorType = 9
	ErrorSensorDetection        DeviceErrorType = 10
)

// Valid reports whether e is a known error classification.
func (e DeviceErrorType) Valid() bool {
	return e >= ErrorNone && e <= ErrorSensorDetection
}

func (e DeviceErrorType) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorCiphering:
		return "ciphering"
	case ErrorCredentials:
		return "credentials"
	case ErrorConnectivity:
		return "connectivity"
	case ErrorProvisioningSettings:
		return "provisioning_settings"
	case ErrorCommand:
		return "command"
	case ErrorStorage:
		return "storage"
	case ErrorProvisioningAttempt:
		return "provisioning_attempt"
	case ErrorBrokerConnection:
		return "broker_connection"
	case ErrorConfigurationRetrieval:
		return "configuration_retrieval"
	case ErrorSensorDetection:
		return "sensor_detection"
	default:
		return fmt.Sprintf("error(%d)", int(e))
	}
}
