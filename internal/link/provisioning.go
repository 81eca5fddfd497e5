package link

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// serialTarget returns the serial number commands on the serial link are
// addressed to.
func (s *Service) serialTarget() (string, error) {
	if s.serial == nil {
		return "", ErrNoSerial
	}
	id := s.demux.SerialDevice()
	if id == "" {
		return "", ErrNoSerialDevice
	}
	return id, nil
}

// checkAttached fails unless deviceID is the device on the serial link.
func (s *Service) checkAttached(deviceID string) error {
	id, err := s.serialTarget()
	if err != nil {
		return err
	}
	if deviceID != id {
		return fmt.Errorf("%w: %s", ErrNotAttached, deviceID)
	}
	return nil
}

// Execute is Request plus the follow-up a command implies. An acknowledged
// hard reset clears the device's state and error. A Wi-Fi refresh waits for
// the scan and returns the networks as the reply data. A fetched
// configuration stores the reported firmware version.
func (s *Service) Execute(ctx context.Context, deviceID string, cmd protocol.Command, timeout time.Duration) (correlation.Reply, error) {
	switch cmd.Route {
	case protocol.RouteSerial:
		switch protocol.SerialCommandType(cmd.Type) {
		case protocol.SerialHardReset:
			return s.hardReset(ctx, deviceID, timeout)
		case protocol.SerialRefreshWiFiNetworks:
			reply, networks, err := s.refreshWiFi(ctx, deviceID, timeout)
			if err != nil {
				return reply, err
			}
			reply.Data, err = json.Marshal(networks)
			return reply, err
		}
	case protocol.RouteBus:
		if protocol.BusCommandType(cmd.Type) == protocol.BusGetConfiguration {
			reply, _, err := s.getConfiguration(ctx, deviceID, timeout)
			return reply, err
		}
	}

	reply, err := s.Request(ctx, deviceID, cmd, timeout)
	if err == nil {
		s.logInfo("device command acknowledged", "device_id", deviceID, "command", cmd.Name())
	}
	return reply, err
}

// HardReset wipes the attached device's provisioning. Once the device
// acknowledges, its state and error are reset, which clears a fatal latch.
func (s *Service) HardReset(ctx context.Context) error {
	id, err := s.serialTarget()
	if err != nil {
		return err
	}
	_, err = s.hardReset(ctx, id, 0)
	return err
}

// RefreshWiFiNetworks asks the attached device to scan and returns the
// networks it reports.
func (s *Service) RefreshWiFiNetworks(ctx context.Context) ([]protocol.WiFiNetwork, error) {
	id, err := s.serialTarget()
	if err != nil {
		return nil, err
	}
	_, networks, err := s.refreshWiFi(ctx, id, 0)
	return networks, err
}

// SendProvisioningSettings enrols the attached device with Wi-Fi
// credentials and its broker certificate.
func (s *Service) SendProvisioningSettings(ctx context.Context, settings protocol.ProvisioningSettings) error {
	id, err := s.serialTarget()
	if err != nil {
		return err
	}
	_, err = s.Execute(ctx, id, protocol.Provision(settings), 0)
	return err
}

// GetConfiguration fetches deviceID's configuration over the bus. The
// reported firmware version is stored when a FirmwareStore is configured.
func (s *Service) GetConfiguration(ctx context.Context, deviceID string) (protocol.Configuration, error) {
	_, cfg, err := s.getConfiguration(ctx, deviceID, 0)
	return cfg, err
}

// SetConfiguration pushes cfg to deviceID over the bus and waits for the
// acknowledgement.
func (s *Service) SetConfiguration(ctx context.Context, deviceID string, cfg protocol.Configuration) error {
	_, err := s.Execute(ctx, deviceID, protocol.SetConfiguration(cfg), 0)
	return err
}

func (s *Service) hardReset(ctx context.Context, deviceID string, timeout time.Duration) (correlation.Reply, error) {
	reply, err := s.Request(ctx, deviceID, protocol.HardReset(), timeout)
	if err != nil {
		return reply, err
	}
	if err := s.tracker.Reset(deviceID); err != nil {
		return reply, err
	}
	s.logInfo("device hard reset", "device_id", deviceID)
	return reply, nil
}

// refreshWiFi waits for the WiFiNetworks message that follows the
// acknowledgement, within the same timeout the request had.
func (s *Service) refreshWiFi(ctx context.Context, deviceID string, timeout time.Duration) (correlation.Reply, []protocol.WiFiNetwork, error) {
	if err := s.checkAttached(deviceID); err != nil {
		return correlation.Reply{}, nil, err
	}

	// Subscribed before sending so a fast reply is not missed.
	feed := s.SubscribeSerial(deviceID, protocol.DeviceMessageWiFiNetworks)
	defer feed.Close()

	reply, err := s.Request(ctx, deviceID, protocol.RefreshWiFiNetworks(), timeout)
	if err != nil {
		return reply, nil, err
	}

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-feed.C():
		if !ok {
			return reply, nil, ErrClosed
		}
		scan, ok := msg.Payload.(protocol.WiFiNetworks)
		if !ok {
			return reply, nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, msg.Payload)
		}
		return reply, scan.Networks, nil
	case <-timer.C:
		return reply, nil, fmt.Errorf("%w: no wifi networks reported", correlation.ErrTimeout)
	case <-ctx.Done():
		return reply, nil, ctx.Err()
	}
}

func (s *Service) getConfiguration(ctx context.Context, deviceID string, timeout time.Duration) (correlation.Reply, protocol.Configuration, error) {
	reply, err := s.Request(ctx, deviceID, protocol.GetConfiguration(), timeout)
	if err != nil {
		return reply, protocol.Configuration{}, err
	}

	cfg, err := decodeConfiguration(reply.Data)
	if err != nil {
		return reply, protocol.Configuration{}, err
	}

	if cfg.Firmware != "" && s.firmware != nil {
		if err := s.firmware.UpdateFirmware(ctx, deviceID, cfg.Firmware); err != nil {
			s.logWarn("storing firmware version failed", "device_id", deviceID, "error", err)
		}
	}
	return reply, cfg, nil
}

func decodeConfiguration(data json.RawMessage) (protocol.Configuration, error) {
	var cfg protocol.Configuration
	if len(data) == 0 {
		return cfg, fmt.Errorf("%w: empty configuration", ErrUnexpectedReply)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return cfg, nil
}
