// Package influxdb records Museum Alert device telemetry in InfluxDB.
//
// A Client is one of the link service's recorders: it turns state,
// reachability, alarm and command events into points.
//
// # Measurements
//
//   - device_state: exposed provisioning state per device
//   - device_error: error classification per device
//   - device_reachability: reachability edges
//   - device_alarm: alarms with the measured distance when reported
//   - command_result: outcome and latency of correlated requests
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	svc := link.New(link.Config{..., Recorders: []link.Recorder{client}})
//
// Writes never block the caller. Rejected batches reach SetOnError and are
// counted by WriteErrors; a nil or closed Client drops points.
package influxdb
