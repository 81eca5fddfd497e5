package api

import (
	"context"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// WebSocket event channels.
const (
	ChannelDeviceState        = "device.state"
	ChannelDeviceError        = "device.error"
	ChannelDeviceReachability = "device.reachability"
	ChannelDeviceAlarm        = "device.alarm"
)

// knownChannel reports whether a client may subscribe to channel.
func knownChannel(channel string) bool {
	switch channel {
	case ChannelDeviceState, ChannelDeviceError, ChannelDeviceReachability, ChannelDeviceAlarm:
		return true
	}
	return false
}

// stateEvent is the payload of ChannelDeviceState.
type stateEvent struct {
	DeviceID string               `json:"device_id"`
	State    protocol.DeviceState `json:"state"`
	Name     string               `json:"name"`
}

// errorEvent is the payload of ChannelDeviceError.
type errorEvent struct {
	DeviceID string                   `json:"device_id"`
	Error    protocol.DeviceErrorType `json:"error"`
	Name     string                   `json:"name"`
}

// reachabilityEvent is the payload of ChannelDeviceReachability.
type reachabilityEvent struct {
	DeviceID  string `json:"device_id"`
	Reachable bool   `json:"reachable"`
}

// alarmEvent is the payload of ChannelDeviceAlarm.
type alarmEvent struct {
	DeviceID  string    `json:"device_id"`
	Distance  *float64  `json:"distance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// startRelays forwards device signal changes to WebSocket clients of the
// owning company until ctx is cancelled.
func (s *Server) startRelays(ctx context.Context) {
	states := s.link.SubscribeState("")
	errs := s.link.SubscribeError("")
	reach := s.link.SubscribeReachability("")
	alarms := s.link.Subscribe("", protocol.MessageAlarm)

	go func() {
		<-ctx.Done()
		states.Close()
		errs.Close()
		reach.Close()
		alarms.Close()
	}()

	go func() {
		for change := range states.C() {
			s.relay(ctx, ChannelDeviceState, change.Key, stateEvent{
				DeviceID: change.Key,
				State:    change.Value,
				Name:     change.Value.String(),
			})
		}
	}()

	go func() {
		for change := range errs.C() {
			s.relay(ctx, ChannelDeviceError, change.Key, errorEvent{
				DeviceID: change.Key,
				Error:    change.Value,
				Name:     change.Value.String(),
			})
		}
	}()

	go func() {
		for change := range reach.C() {
			s.relay(ctx, ChannelDeviceReachability, change.Key, reachabilityEvent{
				DeviceID:  change.Key,
				Reachable: change.Value,
			})
		}
	}()

	go func() {
		for msg := range alarms.C() {
			event := alarmEvent{DeviceID: msg.DeviceID, Timestamp: msg.Timestamp}
			if alarm, ok := msg.Payload.(protocol.Alarm); ok {
				event.Distance = alarm.Distance
			}
			s.relay(ctx, ChannelDeviceAlarm, msg.DeviceID, event)
		}
	}()
}

// relay broadcasts payload to the company owning deviceID. Events for
// devices missing from the registry are dropped.
func (s *Server) relay(ctx context.Context, channel, deviceID string, payload any) {
	company, err := s.registry.CompanyOf(ctx, deviceID)
	if err != nil {
		s.logger.Debug("dropping event for unregistered device",
			"channel", channel,
			"device_id", deviceID,
			"error", err,
		)
		return
	}
	s.hub.Broadcast(channel, company, deviceID, payload)
}
