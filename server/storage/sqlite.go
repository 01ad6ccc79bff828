package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	serial_number TEXT NOT NULL DEFAULT '',
	manufacturer  TEXT NOT NULL DEFAULT '',
	modality      TEXT NOT NULL DEFAULT '',
	site          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'OFFLINE',
	parameter     TEXT NOT NULL DEFAULT '{}',
	token_hash    TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	last_seen     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
`

// NewSQLiteStore creates a new SQLite-backed store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	connStr := dbPath
	if dbPath != ":memory:" {
		connStr += "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return store, nil
}

// CreateDevice provisions a device record with a hashed credential.
func (s *SQLiteStore) CreateDevice(ctx context.Context, device *Device, token string) error {
	hash, err := HashToken(token)
	if err != nil {
		return err
	}
	param, err := marshalParameter(device.Parameter)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	status := device.Status
	if status == "" {
		status = "OFFLINE"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, serial_number, manufacturer, modality, site, status, parameter, token_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID, device.Name, device.SerialNumber, device.Manufacturer,
		device.Modality, device.Site, status, param, hash, now, now)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// GetDevice returns the device record or ErrDeviceNotFound.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, serial_number, manufacturer, modality, site, status, parameter, token_hash, created_at, updated_at, last_seen
		FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// ListDevices returns all registered devices ordered by name.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, serial_number, manufacturer, modality, site, status, parameter, token_hash, created_at, updated_at, last_seen
		FROM devices ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpsertDeviceDetails replaces the registration details and forces ONLINE.
func (s *SQLiteStore) UpsertDeviceDetails(ctx context.Context, id string, details DeviceDetails) error {
	param, err := marshalParameter(details.Parameter)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, serial_number = ?, manufacturer = ?, modality = ?, site = ?,
			parameter = ?, status = 'ONLINE', updated_at = ?
		WHERE id = ?`,
		details.Name, details.SerialNumber, details.Manufacturer, details.Modality, details.Site,
		param, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update device details: %w", err)
	}
	return requireRow(res)
}

// UpdateDeviceStatus sets the lifecycle status of a device.
func (s *SQLiteStore) UpdateDeviceStatus(ctx context.Context, id string, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return requireRow(res)
}

// TouchDevice records liveness contact.
func (s *SQLiteStore) TouchDevice(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE id = ?`, seen.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return requireRow(res)
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var param string
	var lastSeen sql.NullTime

	err := row.Scan(&d.ID, &d.Name, &d.SerialNumber, &d.Manufacturer, &d.Modality, &d.Site,
		&d.Status, &param, &d.TokenHash, &d.CreatedAt, &d.UpdatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	if param != "" && param != "{}" {
		if err := json.Unmarshal([]byte(param), &d.Parameter); err != nil {
			return nil, fmt.Errorf("failed to decode device parameter: %w", err)
		}
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return &d, nil
}

func marshalParameter(p map[string]interface{}) (string, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode device parameter: %w", err)
	}
	return string(raw), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
