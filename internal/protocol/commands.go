package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// SerialCommandType is the closed set of commands accepted over USB serial.
type SerialCommandType int

const (
	SerialHardReset            SerialCommandType = 0
	SerialRefreshWiFiNetworks  SerialCommandType = 1
	SerialProvisioningSettings SerialCommandType = 2
)

func (t SerialCommandType) String() string {
	switch t {
	case SerialHardReset:
		return "hard_reset"
	case SerialRefreshWiFiNetworks:
		return "refresh_wifi_networks"
	case SerialProvisioningSettings:
		return "provisioning_settings"
	default:
		return fmt.Sprintf("serial_command(%d)", int(t))
	}
}

// BusCommandType is the closed set of commands published to a device over the bus.
type BusCommandType int

const (
	BusReset            BusCommandType = 0
	BusGetConfiguration BusCommandType = 1
	BusSetConfiguration BusCommandType = 2
)

func (t BusCommandType) String() string {
	switch t {
	case BusReset:
		return "reset"
	case BusGetConfiguration:
		return "get_configuration"
	case BusSetConfiguration:
		return "set_configuration"
	default:
		return fmt.Sprintf("bus_command(%d)", int(t))
	}
}

// Command is an outbound instruction for a device. Route decides which
// transport carries it and therefore how Type is interpreted.
type Command struct {
	Route Route
	Type  int
	Data  any
}

// HardReset wipes the device's stored settings and restarts it.
func HardReset() Command {
	return Command{Route: RouteSerial, Type: int(SerialHardReset)}
}

// RefreshWiFiNetworks asks the device to rescan and report nearby networks.
func RefreshWiFiNetworks() Command {
	return Command{Route: RouteSerial, Type: int(SerialRefreshWiFiNetworks)}
}

// Provision sends Wi-Fi credentials and broker certificates to the device.
func Provision(settings ProvisioningSettings) Command {
	return Command{Route: RouteSerial, Type: int(SerialProvisioningSettings), Data: settings}
}

// Reset restarts a provisioned device over the bus.
func Reset() Command {
	return Command{Route: RouteBus, Type: int(BusReset)}
}

// GetConfiguration requests the device's runtime configuration.
func GetConfiguration() Command {
	return Command{Route: RouteBus, Type: int(BusGetConfiguration)}
}

// SetConfiguration pushes a new runtime configuration.
func SetConfiguration(cfg Configuration) Command {
	return Command{Route: RouteBus, Type: int(BusSetConfiguration), Data: cfg}
}

// Name returns a stable label for logs and metrics, e.g. "serial.hard_reset".
func (c Command) Name() string {
	switch c.Route {
	case RouteSerial:
		return "serial." + SerialCommandType(c.Type).String()
	case RouteBus:
		return "bus." + BusCommandType(c.Type).String()
	default:
		return c.Route.String()
	}
}

// Validate checks the command type belongs to its route and carries the
// body that type requires.
func (c Command) Validate() error {
	switch c.Route {
	case RouteSerial:
		switch SerialCommandType(c.Type) {
		case SerialHardReset, SerialRefreshWiFiNetworks:
			return nil
		case SerialProvisioningSettings:
			settings, ok := c.Data.(ProvisioningSettings)
			if !ok {
				return fmt.Errorf("%w: provisioning settings body required", ErrInvalidCommand)
			}
			if settings.SSID == "" {
				return fmt.Errorf("%w: provisioning settings need an ssid", ErrInvalidCommand)
			}
			return nil
		}
	case RouteBus:
		switch BusCommandType(c.Type) {
		case BusReset, BusGetConfiguration:
			return nil
		case BusSetConfiguration:
			if _, ok := c.Data.(Configuration); !ok {
				return fmt.Errorf("%w: configuration body required", ErrInvalidCommand)
			}
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown route %s", ErrInvalidCommand, c.Route)
	}
	return fmt.Errorf("%w: type %d not valid on %s", ErrInvalidCommand, c.Type, c.Route)
}

type serialCommandBody struct {
	Type int    `json:"type"`
	CID  string `json:"cid,omitempty"`
	Data any    `json:"data,omitempty"`
}

// EncodeSerialCommand renders the frame body for a serial command. The
// transport adds the frame delimiters.
func EncodeSerialCommand(cmd Command, correlationID string) ([]byte, error) {
	if cmd.Route != RouteSerial {
		return nil, fmt.Errorf("%w: %s is not a serial command", ErrInvalidCommand, cmd.Name())
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(serialCommandBody{Type: cmd.Type, CID: correlationID, Data: cmd.Data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", cmd.Name(), err)
	}
	return body, nil
}

// EncodeBusCommand renders the bus envelope for a command to deviceID.
func EncodeBusCommand(cmd Command, deviceID, correlationID string, now time.Time) ([]byte, error) {
	if cmd.Route != RouteBus {
		return nil, fmt.Errorf("%w: %s is not a bus command", ErrInvalidCommand, cmd.Name())
	}
	if deviceID == "" {
		return nil, ErrUnattributed
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	env := Envelope{
		Type:          cmd.Type,
		CorrelationID: correlationID,
		SerialNumber:  deviceID,
		Timestamp:     now.UnixMilli(),
	}
	if cmd.Data != nil {
		data, err := json.Marshal(cmd.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s data: %w", cmd.Name(), err)
		}
		env.Data = data
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", cmd.Name(), err)
	}
	return payload, nil
}
