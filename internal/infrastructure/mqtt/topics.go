package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every museum-alert topic.
const DefaultTopicPrefix = "museum-alert"

// Topic leaf names for per-device channels.
const (
	// LeafEvents carries device-originated envelopes (alarms, status, config, acks).
	LeafEvents = "events"

	// LeafCommands carries envelopes sent to a device.
	LeafCommands = "commands"
)

// Topics provides builders for museum-alert MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{Prefix: "museum-alert"}
//	topics.DeviceEvents("acme", "MAS-001")
//	// Returns: "museum-alert/companies/acme/devices/MAS-001/events"
type Topics struct {
	// Prefix replaces DefaultTopicPrefix when set.
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceEvents returns the topic a device publishes its envelopes on.
//
// Example: museum-alert/companies/acme/devices/MAS-001/events
func (t Topics) DeviceEvents(companyID, serialNumber string) string {
	return fmt.Sprintf("%s/companies/%s/devices/%s/%s", t.prefix(), companyID, serialNumber, LeafEvents)
}

// DeviceCommands returns the topic a device listens on for commands.
//
// Example: museum-alert/companies/acme/devices/MAS-001/commands
func (t Topics) DeviceCommands(companyID, serialNumber string) string {
	return fmt.Sprintf("%s/companies/%s/devices/%s/%s", t.prefix(), companyID, serialNumber, LeafCommands)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the service status topic (online/offline, LWT).
//
// Example: museum-alert/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceEvents returns a pattern matching every device's event topic.
//
// Pattern: museum-alert/companies/+/devices/+/events
func (t Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/companies/+/devices/+/%s", t.prefix(), LeafEvents)
}

// CompanyDeviceEvents returns a pattern matching one company's devices.
//
// Pattern: museum-alert/companies/acme/devices/+/events
func (t Topics) CompanyDeviceEvents(companyID string) string {
	return fmt.Sprintf("%s/companies/%s/devices/+/%s", t.prefix(), companyID, LeafEvents)
}

// AllTopics returns a pattern matching all museum-alert topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: museum-alert/#
func (t Topics) AllTopics() string {
	return t.prefix() + "/#"
}

// DeviceTopic is a parsed per-device topic.
type DeviceTopic struct {
	CompanyID    string
	SerialNumber string
	Leaf         string
}

// ParseDeviceTopic splits a concrete per-device topic. It returns false for
// anything outside {prefix}/companies/{companyId}/devices/{sn}/{leaf}.
func (t Topics) ParseDeviceTopic(topic string) (DeviceTopic, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return DeviceTopic{}, false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 5 || parts[0] != "companies" || parts[2] != "devices" {
		return DeviceTopic{}, false
	}
	for _, p := range []string{parts[1], parts[3], parts[4]} {
		if p == "" || strings.ContainsAny(p, "+#") {
			return DeviceTopic{}, false
		}
	}

	return DeviceTopic{CompanyID: parts[1], SerialNumber: parts[3], Leaf: parts[4]}, true
}
