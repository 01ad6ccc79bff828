package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
)

// PostgresStore implements Store for PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS devices (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	serial_number TEXT NOT NULL DEFAULT '',
	manufacturer  TEXT NOT NULL DEFAULT '',
	modality      TEXT NOT NULL DEFAULT '',
	site          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'OFFLINE',
	parameter     JSONB NOT NULL DEFAULT '{}',
	token_hash    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_seen     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
`

// NewPostgresStore creates a PostgreSQL-backed store from the given config.
func NewPostgresStore(cfg *DatabaseConfig) (*PostgresStore, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSecs) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) CreateDevice(ctx context.Context, device *Device, token string) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		device.ID, device.Name, device.SerialNumber, device.Manufacturer,
		device.Modality, device.Site, status, param, hash, now, now)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, serial_number, manufacturer, modality, site, status, parameter, token_hash, created_at, updated_at, last_seen
		FROM devices WHERE id = $1`, id)
	return scanDevice(row)
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*Device, error) {
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

func (s *PostgresStore) UpsertDeviceDetails(ctx context.Context, id string, details DeviceDetails) error {
	param, err := marshalParameter(details.Parameter)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET name = $1, serial_number = $2, manufacturer = $3, modality = $4, site = $5,
			parameter = $6, status = 'ONLINE', updated_at = $7
		WHERE id = $8`,
		details.Name, details.SerialNumber, details.Manufacturer, details.Modality, details.Site,
		param, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update device details: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, id string, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) TouchDevice(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = $1 WHERE id = $2`, seen.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
