package registry

import (
	"fmt"
	"regexp"
	"time"
)

// maxThingNameLength matches the broker's client id limit.
const maxThingNameLength = 128

var thingNamePattern = regexp.MustCompile(`^[A-Za-z0-9_:-]+$`)

// Device is a sensor known to the cloud: its thing name (the serial number
// it reports as "sn") and the company that owns it.
type Device struct {
	ThingName   string    `json:"thing_name"`
	CompanyID   string    `json:"company_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Firmware    string    `json:"firmware,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields the broker topic layout depends on.
func (d Device) Validate() error {
	if d.ThingName == "" {
		return fmt.Errorf("%w: thing name is required", ErrInvalidDevice)
	}
	if len(d.ThingName) > maxThingNameLength {
		return fmt.Errorf("%w: thing name longer than %d", ErrInvalidDevice, maxThingNameLength)
	}
	if !thingNamePattern.MatchString(d.ThingName) {
		return fmt.Errorf("%w: thing name %q has characters not allowed in a topic", ErrInvalidDevice, d.ThingName)
	}
	if d.CompanyID == "" {
		return fmt.Errorf("%w: company id is required", ErrInvalidDevice)
	}
	if !thingNamePattern.MatchString(d.CompanyID) {
		return fmt.Errorf("%w: company id %q has characters not allowed in a topic", ErrInvalidDevice, d.CompanyID)
	}
	return nil
}
