package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// Measurement names written by this package.
const (
	MeasurementDeviceState        = "device_state"
	MeasurementDeviceError        = "device_error"
	MeasurementDeviceReachability = "device_reachability"
	MeasurementDeviceAlarm        = "device_alarm"
	MeasurementCommandResult      = "command_result"
)

// RecordState writes the exposed provisioning state of a device.
func (c *Client) RecordState(deviceID string, state protocol.DeviceState, at time.Time) {
	c.writePoint(statePoint(deviceID, state, at))
}

// RecordError writes the current error classification of a device.
func (c *Client) RecordError(deviceID string, kind protocol.DeviceErrorType, at time.Time) {
	c.writePoint(errorPoint(deviceID, kind, at))
}

// RecordReachability writes a reachability edge.
func (c *Client) RecordReachability(deviceID string, reachable bool, at time.Time) {
	c.writePoint(reachabilityPoint(deviceID, reachable, at))
}

// RecordAlarm writes an alarm raised by a device. The measured distance is
// included when the device reported one.
func (c *Client) RecordAlarm(msg protocol.BusMessage) {
	c.writePoint(alarmPoint(msg))
}

// RecordCommand writes the outcome of a correlated request.
//
// Example:
//
//	client.RecordCommand("bus.get_configuration", "fulfilled", 340*time.Millisecond)
func (c *Client) RecordCommand(command, outcome string, elapsed time.Duration) {
	c.writePoint(commandPoint(command, outcome, elapsed, time.Now()))
}

func (c *Client) writePoint(point *write.Point) {
	if c == nil || !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(point)
}

func statePoint(deviceID string, state protocol.DeviceState, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementDeviceState,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{
			"state": int64(state),
			"name":  state.String(),
			"fatal": state == protocol.StateFatal,
		},
		at,
	)
}

func errorPoint(deviceID string, kind protocol.DeviceErrorType, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementDeviceError,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{
			"error": int64(kind),
			"name":  kind.String(),
		},
		at,
	)
}

func reachabilityPoint(deviceID string, reachable bool, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementDeviceReachability,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{"reachable": reachable},
		at,
	)
}

func alarmPoint(msg protocol.BusMessage) *write.Point {
	fields := map[string]interface{}{"count": int64(1)}
	if alarm, ok := msg.Payload.(protocol.Alarm); ok && alarm.Distance != nil {
		fields["distance_cm"] = *alarm.Distance
	}

	return write.NewPoint(
		MeasurementDeviceAlarm,
		map[string]string{"device_id": msg.DeviceID},
		fields,
		msg.Timestamp,
	)
}

func commandPoint(command, outcome string, elapsed time.Duration, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementCommandResult,
		map[string]string{
			"command": command,
			"outcome": outcome,
		},
		map[string]interface{}{"elapsed_ms": float64(elapsed) / float64(time.Millisecond)},
		at,
	)
}
