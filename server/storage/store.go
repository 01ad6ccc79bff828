// Package storage persists device records for the ScanHub server behind a
// backend-neutral Store interface with SQLite and PostgreSQL implementations.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Store is the device record store used by the server.
type Store interface {
	// CreateDevice provisions a device with a hashed credential.
	CreateDevice(ctx context.Context, device *Device, token string) error

	// GetDevice returns the device record or ErrDeviceNotFound.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices returns all registered devices.
	ListDevices(ctx context.Context) ([]*Device, error)

	// UpsertDeviceDetails replaces the registration details of a device and
	// forces its status ONLINE. The credential is left untouched.
	UpsertDeviceDetails(ctx context.Context, id string, details DeviceDetails) error

	// UpdateDeviceStatus sets the lifecycle status of a device.
	UpdateDeviceStatus(ctx context.Context, id string, status string) error

	// TouchDevice records liveness contact at the given time.
	TouchDevice(ctx context.Context, id string, seen time.Time) error

	Close() error
}

// DatabaseConfig selects and parameterizes the storage backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" (default) or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string

	MaxOpenConns        int `toml:"max_open_conns"`
	MaxIdleConns        int `toml:"max_idle_conns"`
	ConnMaxLifetimeSecs int `toml:"conn_max_lifetime_seconds"`
}

// NewStore creates a Store implementation based on the database configuration.
// SQLite is the default backend; PostgreSQL is selected with driver="postgres".
func NewStore(cfg *DatabaseConfig) (Store, error) {
	if cfg == nil {
		cfg = &DatabaseConfig{}
	}

	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		path := cfg.Path
		if path == "" {
			path = "scanhub.db"
		}
		return NewSQLiteStore(path)

	case "postgres", "postgresql":
		return NewPostgresStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported database driver: %q (supported: sqlite, postgres)", cfg.Driver)
	}
}
