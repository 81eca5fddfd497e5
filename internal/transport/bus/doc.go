// Package bus adapts the MQTT client into per-device, per-type channels.
//
// Inbound envelopes arrive on the wildcard events topic
//
//	{prefix}/companies/+/devices/+/events
//
// and are handed, in arrival order, to a single handler (the demultiplexer).
// The demultiplexer hands decoded messages back through Deliver, which
// broadcasts them to every Subscription whose device and type filter match.
//
// Commands are published to {prefix}/companies/{companyId}/devices/{sn}/commands.
// The company segment is learned from inbound topics and, for devices not
// heard from yet, asked of a CompanyResolver (the device registry).
//
// The bus connection signal (Connected, OnConnectionChange) is about the
// broker link only. It says nothing about whether any device is reachable.
package bus
