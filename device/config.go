package main

import (
	"fmt"
	"os"

	"github.com/scanhub-os/scanhub/common/config"
)

// DeviceConfig is the device agent configuration loaded from device.toml.
type DeviceConfig struct {
	Server  ServerConnectionConfig `toml:"server"`
	Details DeviceDetailsConfig    `toml:"details"`
	Logging LoggingConfig          `toml:"logging"`
}

// ServerConnectionConfig holds the connection and identity settings for the
// ScanHub server.
type ServerConnectionConfig struct {
	URL         string `toml:"url"`
	DeviceID    string `toml:"device_id"`
	DeviceToken string `toml:"device_token"` // overridden by SCANHUB_DEVICE_TOKEN when set
	CAPath      string `toml:"ca_path"`
}

// DeviceDetailsConfig describes the acquisition hardware reported on registration.
type DeviceDetailsConfig struct {
	Name         string `toml:"name"`
	SerialNumber string `toml:"serial_number"`
	Manufacturer string `toml:"manufacturer"`
	Modality     string `toml:"modality"`
	Site         string `toml:"site"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

// DefaultDeviceConfig returns a device configuration with sensible defaults.
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		Server: ServerConnectionConfig{
			URL: "ws://localhost:8443/api/v1/device/ws",
		},
		Details: DeviceDetailsConfig{
			Name:     "simulator",
			Modality: "MRI",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// loadConfig finds and parses device.toml, writing a default file beside the
// executable when none exists. The device token may come from the environment
// so it never has to live on disk.
func loadConfig() (*DeviceConfig, string, error) {
	cfg := DefaultDeviceConfig()

	path, data, err := config.FindConfigFile("device.toml", "device")
	if err != nil {
		exe, exeErr := os.Executable()
		if exeErr != nil {
			return nil, "", fmt.Errorf("cannot locate executable for default config: %w", exeErr)
		}
		path = exe + ".toml"
		if writeErr := config.WriteDefaultTOML(path, cfg); writeErr != nil {
			return nil, "", writeErr
		}
	} else if err := config.LoadTOML(data, cfg); err != nil {
		return nil, "", err
	}

	if token := os.Getenv("SCANHUB_DEVICE_TOKEN"); token != "" {
		cfg.Server.DeviceToken = token
	}

	if err := cfg.validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func (c *DeviceConfig) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.DeviceID == "" {
		return fmt.Errorf("server.device_id is required")
	}
	if c.Server.DeviceToken == "" {
		return fmt.Errorf("server.device_token is required (config or SCANHUB_DEVICE_TOKEN)")
	}
	if c.Details.Name == "" {
		return fmt.Errorf("details.name is required")
	}
	return nil
}
