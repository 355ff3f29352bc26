package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sms_receiver/internal/telegram"
)

// pgUniqueViolation is the SQLSTATE of a unique constraint rejection.
const pgUniqueViolation = "23505"

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresStore keeps telegrams in the PostGIS enabled "sms" schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	// Timestamps are stored without zone and are always UTC.
	poolCfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateSchema creates the sms schema and its tables.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS postgis;
	CREATE SCHEMA IF NOT EXISTS sms;

	CREATE TABLE IF NOT EXISTS sms.raw_telegram (
		id           BIGSERIAL PRIMARY KEY,
		telegram_id  UUID NOT NULL UNIQUE,
		sender       TEXT,
		body         TEXT,
		destination  TEXT,
		gateway_id   TEXT,
		sent_at      TIMESTAMP WITHOUT TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sms.telemetry (
		raw_id           BIGINT PRIMARY KEY REFERENCES sms.raw_telegram(id),
		device_serial    BIGINT NOT NULL,
		recorded_at      TIMESTAMP WITHOUT TIME ZONE NOT NULL,
		battery_voltage  REAL,
		memory_usage     REAL,
		debug_block      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_device ON sms.telemetry(device_serial, recorded_at);

	CREATE TABLE IF NOT EXISTS sms.fix (
		raw_id         BIGINT NOT NULL REFERENCES sms.telemetry(raw_id),
		device_serial  BIGINT NOT NULL,
		fix_time       TIMESTAMP WITHOUT TIME ZONE NOT NULL,
		longitude      DOUBLE PRECISION NOT NULL,
		latitude       DOUBLE PRECISION NOT NULL,
		location       geometry(POINT, 4326),
		PRIMARY KEY (raw_id, fix_time),
		UNIQUE (device_serial, fix_time)
	);

	CREATE INDEX IF NOT EXISTS idx_fix_time ON sms.fix(fix_time);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveRaw inserts a received telegram.
func (s *PostgresStore) SaveRaw(ctx context.Context, raw *telegram.RawTelegram) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sms.raw_telegram (telegram_id, sender, body, destination, gateway_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, raw.TelegramID.String(), raw.Sender, raw.Body, raw.Destination, raw.GatewayID, raw.SentAt.UTC()).Scan(&raw.ID)
	if err != nil {
		return fmt.Errorf("insert raw telegram %s: %w", raw.TelegramID, classifyPostgres(err))
	}
	return nil
}

// SaveRecord inserts the decoded telemetry of a stored telegram.
func (s *PostgresStore) SaveRecord(ctx context.Context, rawID int64, rec *telegram.TelemetryRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sms.telemetry (raw_id, device_serial, recorded_at, battery_voltage, memory_usage, debug_block)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rawID, rec.DeviceSerial, rec.RecordedAt.UTC(), rec.BatteryVoltage, rec.MemoryUsage, rec.DebugBlock)
	if err != nil {
		return fmt.Errorf("insert telemetry for raw %d: %w", rawID, classifyPostgres(err))
	}
	return nil
}

// SaveTelemetry inserts a received telegram and its decoded telemetry in one
// transaction and sets raw.ID. Neither row is kept if either insert fails.
func (s *PostgresStore) SaveTelemetry(ctx context.Context, raw *telegram.RawTelegram, rec *telegram.TelemetryRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO sms.raw_telegram (telegram_id, sender, body, destination, gateway_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, raw.TelegramID.String(), raw.Sender, raw.Body, raw.Destination, raw.GatewayID, raw.SentAt.UTC()).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert raw telegram %s: %w", raw.TelegramID, classifyPostgres(err))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sms.telemetry (raw_id, device_serial, recorded_at, battery_voltage, memory_usage, debug_block)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, rec.DeviceSerial, rec.RecordedAt.UTC(), rec.BatteryVoltage, rec.MemoryUsage, rec.DebugBlock)
	if err != nil {
		return fmt.Errorf("insert telemetry for raw %d: %w", id, classifyPostgres(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit telemetry for raw %d: %w", id, classifyPostgres(err))
	}
	raw.ID = id
	return nil
}

// SaveFix inserts one fix. Each call runs in its own implicit transaction,
// so a rejected fix leaves earlier ones in place.
func (s *PostgresStore) SaveFix(ctx context.Context, rawID int64, fix telegram.FixRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sms.fix (raw_id, device_serial, fix_time, longitude, latitude, location)
		VALUES ($1, $2, $3, $4, $5, ST_GeomFromEWKT($6))
	`, rawID, fix.DeviceSerial, fix.FixTime.UTC(), fix.Longitude, fix.Latitude, fix.EWKT())
	if err != nil {
		return fmt.Errorf("insert fix %d@%s: %w", fix.DeviceSerial, fix.FixTime.Format(time.RFC3339), classifyPostgres(err))
	}
	return nil
}

// Stats counts stored rows and reports the newest fix time.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sms.raw_telegram),
			(SELECT COUNT(*) FROM sms.telemetry),
			(SELECT COUNT(*) FROM sms.fix),
			(SELECT MAX(fix_time) FROM sms.fix)
	`).Scan(&st.Telegrams, &st.Records, &st.Fixes, &st.LastFix)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if st.LastFix != nil {
		t := st.LastFix.UTC()
		st.LastFix = &t
	}
	return st, nil
}

// classifyPostgres maps unique constraint rejections to ErrDuplicate.
func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
