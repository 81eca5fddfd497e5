// Package mqtt connects the link service to the cloud broker the deployed
// sensors talk to.
//
// Sensors publish envelopes on a per-device events topic and listen on a
// per-device commands topic, both scoped by the owning company:
//
//	{prefix}/companies/{companyId}/devices/{sn}/events
//	{prefix}/companies/{companyId}/devices/{sn}/commands
//	{prefix}/system/status
//
// The prefix defaults to "museum-alert". The service announces itself on
// the status topic with a retained online message, a graceful offline
// message on Close, and an unexpected_disconnect LWT held by the broker.
//
// Sessions are clean; Client remembers its subscriptions and replays them
// after paho reconnects. Handler panics and errors are logged and counted
// (see Stats), never propagated into paho.
//
// Production brokers should use TLS (mqtt.broker.tls) and per-client ACLs.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
