package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/audit"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/correlation"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/link"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/registry"
)

const (
	// maxSerialNumberLen bounds the {sn} path parameter.
	maxSerialNumberLen = 128

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Command names accepted by POST /devices/{sn}/commands.
const (
	commandReset                = "reset"
	commandGetConfiguration     = "get_configuration"
	commandSetConfiguration     = "set_configuration"
	commandHardReset            = "hard_reset"
	commandRefreshWiFiNetworks  = "refresh_wifi_networks"
	commandProvisioningSettings = "provisioning_settings"
)

// deviceView is a registry entry joined with the live signals for it.
type deviceView struct {
	registry.Device
	Status link.Snapshot `json:"status"`
}

// registerDeviceRequest is the body of POST /devices.
type registerDeviceRequest struct {
	ThingName   string `json:"thing_name"`
	DisplayName string `json:"display_name"`
}

// commandRequest is the body of POST /devices/{sn}/commands.
type commandRequest struct {
	Command   string          `json:"command"`
	Data      json.RawMessage `json:"data,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// commandResponse carries the device's acknowledgement.
type commandResponse struct {
	DeviceID      string          `json:"device_id"`
	Command       string          `json:"command"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// handleListDevices returns the caller's company devices with their live status.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	devices, err := s.registry.ListByCompany(r.Context(), claims.Company)
	if err != nil {
		s.logger.Error("listing devices failed", "company_id", claims.Company, "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{Device: d, Status: s.link.Snapshot(d.ThingName)})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleRegisterDevice adds a device to the caller's company.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, err := s.registry.Register(r.Context(), registry.Device{
		ThingName:   req.ThingName,
		CompanyID:   claims.Company,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		if !writeDomainError(w, err) {
			s.logger.Error("registering device failed", "thing_name", req.ThingName, "error", err)
			writeInternalError(w, "failed to register device")
		}
		return
	}

	s.recordAudit(r, audit.Entry{Action: audit.ActionRegister, DeviceID: dev.ThingName, Outcome: audit.OutcomeOK})
	writeJSON(w, http.StatusCreated, dev)
}

// handleGetDevice returns a single device with its live status.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	writeJSON(w, http.StatusOK, deviceView{Device: dev, Status: s.link.Snapshot(dev.ThingName)})
}

// handleDeleteDevice removes a device from the registry.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())

	if err := s.registry.Delete(r.Context(), dev.ThingName); err != nil {
		if !writeDomainError(w, err) {
			s.logger.Error("deleting device failed", "thing_name", dev.ThingName, "error", err)
			writeInternalError(w, "failed to delete device")
		}
		return
	}

	s.recordAudit(r, audit.Entry{Action: audit.ActionDelete, DeviceID: dev.ThingName, Outcome: audit.OutcomeOK})
	w.WriteHeader(http.StatusNoContent)
}

// handleGetDeviceHistory returns the most recent state transitions.
//
// Query parameters:
//   - limit: number of entries, 1..200 (default 50)
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	transitions, err := s.link.History(r.Context(), dev.ThingName, limit)
	if err != nil {
		s.logger.Error("reading state history failed", "device_id", dev.ThingName, "error", err)
		writeInternalError(w, "failed to read state history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   dev.ThingName,
		"transitions": transitions,
		"count":       len(transitions),
	})
}

// handleDeviceCommand sends a command to the device and waits for its
// acknowledgement.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.TimeoutMS < 0 {
		writeBadRequest(w, "timeout_ms must not be negative")
		return
	}

	cmd, err := parseCommand(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	timeout := min(time.Duration(req.TimeoutMS)*time.Millisecond, s.maxTimeout)

	reply, err := s.link.Execute(r.Context(), dev.ThingName, cmd, timeout)
	s.recordAudit(r, audit.Entry{
		Action:   audit.ActionCommand,
		DeviceID: dev.ThingName,
		Command:  cmd.Name(),
		Outcome:  commandOutcome(err),
	})
	if err != nil {
		s.writeCommandError(w, r, dev.ThingName, cmd, err)
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		DeviceID:      dev.ThingName,
		Command:       cmd.Name(),
		CorrelationID: reply.CorrelationID,
		Data:          reply.Data,
		ReceivedAt:    reply.ReceivedAt,
	})
}

// writeCommandError maps a failed request onto a response. A request the
// client abandoned gets no response at all.
func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, deviceID string, cmd protocol.Command, err error) {
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("device command cancelled by client",
			"device_id", deviceID,
			"request_id", requestID(r.Context()),
		)
		return
	}

	e, ok := classify(err)
	switch {
	case !ok:
		s.logger.Error("device command failed", "device_id", deviceID, "command", cmd.Name(), "error", err)
		writeInternalError(w, "device command failed")
		return
	case e.Status == http.StatusServiceUnavailable:
		s.logger.Warn("device command unavailable", "device_id", deviceID, "command", cmd.Name(), "error", err)
	}
	writeJSON(w, e.Status, e)
}

// commandOutcome labels a request result for the audit trail.
func commandOutcome(err error) string {
	switch {
	case err == nil:
		return correlation.OutcomeFulfilled
	case errors.Is(err, correlation.ErrTimeout):
		return correlation.OutcomeTimeout
	case errors.Is(err, correlation.ErrTransportClosed):
		return correlation.OutcomeTransportClosed
	case errors.Is(err, correlation.ErrSendFailed):
		return correlation.OutcomeSendFailed
	case errors.Is(err, context.Canceled):
		return correlation.OutcomeCancelled
	default:
		return audit.OutcomeFailed
	}
}

// parseCommand builds a protocol command from its API name and body.
func parseCommand(req commandRequest) (protocol.Command, error) {
	switch req.Command {
	case commandReset:
		return protocol.Reset(), nil
	case commandGetConfiguration:
		return protocol.GetConfiguration(), nil
	case commandSetConfiguration:
		var cfg protocol.Configuration
		if err := decodeData(req.Data, &cfg); err != nil {
			return protocol.Command{}, err
		}
		return protocol.SetConfiguration(cfg), nil
	case commandHardReset:
		return protocol.HardReset(), nil
	case commandRefreshWiFiNetworks:
		return protocol.RefreshWiFiNetworks(), nil
	case commandProvisioningSettings:
		var settings protocol.ProvisioningSettings
		if err := decodeData(req.Data, &settings); err != nil {
			return protocol.Command{}, err
		}
		return protocol.Provision(settings), nil
	case "":
		return protocol.Command{}, errors.New("command is required")
	default:
		return protocol.Command{}, errors.New("unknown command " + strconv.Quote(req.Command))
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("data is required for this command")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("invalid command data: " + err.Error())
	}
	return nil
}
