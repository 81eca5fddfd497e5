// Package link is the device link service of Museum Alert.
//
// A Service joins the two transports a device can be reached on, the local
// USB serial frame transport and the MQTT bus, to the components that
// interpret their traffic:
//
//   - the demultiplexer classifies every frame and envelope;
//   - the correlation engine matches acknowledgements to requests;
//   - the device tracker keeps provisioning state and errors;
//   - the reachability aggregator keeps per-device reachability.
//
// Callers read the per-device signals, subscribe to their change streams
// and send commands with Request. Provisioning helpers wrap the common
// command flows: HardReset, RefreshWiFiNetworks, SendProvisioningSettings,
// GetConfiguration and SetConfiguration.
//
// Recorders (InfluxDB, Prometheus, Kafka) are fed from the change streams
// by pump goroutines, so a slow recorder never delays dispatch.
//
// # Usage
//
//	svc := link.New(link.Config{
//	    Serial:    transport,
//	    Bus:       adapter,
//	    History:   device.NewSQLiteStateHistoryRepository(db.DB),
//	    Observer:  promMetrics,
//	    Recorders: []link.Recorder{influx, promMetrics},
//	})
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	reply, err := svc.Request(ctx, "MAS-EC357A188534", protocol.GetConfiguration(), 0)
package link
