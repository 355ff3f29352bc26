// Package storage persists telegrams, telemetry records and fixes.
//
// Every backend enforces the natural keys with unique constraints and maps a
// constraint rejection to ErrDuplicate, so callers can treat re-delivery as a
// no-op without locking.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms_receiver/internal/telegram"
)

// ErrDuplicate is returned when a write collides with a stored natural key:
// a telegram id seen before, or a (device, fix time) pair already stored.
var ErrDuplicate = errors.New("duplicate")

// Stats summarises the stored rows.
type Stats struct {
	Telegrams int64
	Records   int64
	Fixes     int64
	LastFix   *time.Time // Nil while no fix is stored.
}

// Store is the durable home of the three telegram entities.
type Store interface {
	// SaveRaw stores a received telegram and sets raw.ID.
	SaveRaw(ctx context.Context, raw *telegram.RawTelegram) error
	// SaveRecord stores the decoded telemetry of the telegram rawID.
	SaveRecord(ctx context.Context, rawID int64, rec *telegram.TelemetryRecord) error
	// SaveTelemetry stores a telegram together with its decoded telemetry,
	// atomically, and sets raw.ID.
	SaveTelemetry(ctx context.Context, raw *telegram.RawTelegram, rec *telegram.TelemetryRecord) error
	// SaveFix stores one fix belonging to the telegram rawID.
	SaveFix(ctx context.Context, rawID int64, fix telegram.FixRecord) error
	// Stats counts stored rows and reports the newest fix time.
	Stats(ctx context.Context) (Stats, error)
	// CreateSchema creates the tables if they do not exist.
	CreateSchema(ctx context.Context) error
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Driver     string // "postgres" or "sqlite".
	SQLitePath string
	Postgres   PostgresConfig
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Driver:     "postgres",
		SQLitePath: "sms.db",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "eecology",
			User:     "smswriter",
			Password: "smspw",
		},
	}
}

// Open opens the configured Store backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return pg, nil
	case "sqlite":
		lite, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
