package storage

import (
	"errors"
	"time"
)

// ErrDeviceNotFound is returned when a lookup misses.
var ErrDeviceNotFound = errors.New("device not found")

// Device is one registered acquisition device.
type Device struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	SerialNumber string                 `json:"serial_number"`
	Manufacturer string                 `json:"manufacturer"`
	Modality     string                 `json:"modality"`
	Site         string                 `json:"site"`
	Status       string                 `json:"status"`
	Parameter    map[string]interface{} `json:"parameter,omitempty"`

	// TokenHash is the encoded PBKDF2 hash of the device credential,
	// including its salt and parameters. Never the credential itself.
	TokenHash string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// DeviceDetails is the mutable registration subset of a Device.
type DeviceDetails struct {
	Name         string
	SerialNumber string
	Manufacturer string
	Modality     string
	Site         string
	Parameter    map[string]interface{}
}
