package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sms_receiver/internal/telegram"
)

// sqliteTime is the fixed-width UTC layout timestamps are stored in, so
// that text ordering matches time ordering.
const sqliteTime = "2006-01-02 15:04:05.000"

// SQLiteStore keeps telegrams in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path and
// creates the schema. An empty path or ":memory:" opens a private in-memory
// database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	memory := path == "" || path == ":memory:"
	if memory {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.CreateSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSchema creates the database tables and indices.
func (s *SQLiteStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS raw_telegram (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id  TEXT NOT NULL UNIQUE,
		sender       TEXT,
		body         TEXT,
		destination  TEXT,
		gateway_id   TEXT,
		sent_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		raw_id           INTEGER PRIMARY KEY REFERENCES raw_telegram(id),
		device_serial    INTEGER NOT NULL,
		recorded_at      TEXT NOT NULL,
		battery_voltage  REAL,
		memory_usage     REAL,
		debug_block      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_device ON telemetry(device_serial, recorded_at);

	CREATE TABLE IF NOT EXISTS fix (
		raw_id         INTEGER NOT NULL REFERENCES telemetry(raw_id),
		device_serial  INTEGER NOT NULL,
		fix_time       TEXT NOT NULL,
		longitude      REAL NOT NULL,
		latitude       REAL NOT NULL,
		location       TEXT,  -- EWKT, SRID 4326.
		PRIMARY KEY (raw_id, fix_time),
		UNIQUE (device_serial, fix_time)
	);

	CREATE INDEX IF NOT EXISTS idx_fix_time ON fix(fix_time);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveRaw inserts a received telegram.
func (s *SQLiteStore) SaveRaw(ctx context.Context, raw *telegram.RawTelegram) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_telegram (telegram_id, sender, body, destination, gateway_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, raw.TelegramID.String(), raw.Sender, raw.Body, raw.Destination, raw.GatewayID, formatSQLiteTime(raw.SentAt))
	if err != nil {
		return fmt.Errorf("insert raw telegram %s: %w", raw.TelegramID, classifySQLite(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("raw telegram id: %w", err)
	}
	raw.ID = id
	return nil
}

// SaveRecord inserts the decoded telemetry of a stored telegram.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rawID int64, rec *telegram.TelemetryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry (raw_id, device_serial, recorded_at, battery_voltage, memory_usage, debug_block)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rawID, rec.DeviceSerial, formatSQLiteTime(rec.RecordedAt), rec.BatteryVoltage, rec.MemoryUsage, rec.DebugBlock)
	if err != nil {
		return fmt.Errorf("insert telemetry for raw %d: %w", rawID, classifySQLite(err))
	}
	return nil
}

// SaveTelemetry inserts a received telegram and its decoded telemetry in one
// transaction and sets raw.ID. Neither row is kept if either insert fails.
func (s *SQLiteStore) SaveTelemetry(ctx context.Context, raw *telegram.RawTelegram, rec *telegram.TelemetryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO raw_telegram (telegram_id, sender, body, destination, gateway_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, raw.TelegramID.String(), raw.Sender, raw.Body, raw.Destination, raw.GatewayID, formatSQLiteTime(raw.SentAt))
	if err != nil {
		return fmt.Errorf("insert raw telegram %s: %w", raw.TelegramID, classifySQLite(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("raw telegram id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO telemetry (raw_id, device_serial, recorded_at, battery_voltage, memory_usage, debug_block)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, rec.DeviceSerial, formatSQLiteTime(rec.RecordedAt), rec.BatteryVoltage, rec.MemoryUsage, rec.DebugBlock)
	if err != nil {
		return fmt.Errorf("insert telemetry for raw %d: %w", id, classifySQLite(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry for raw %d: %w", id, classifySQLite(err))
	}
	raw.ID = id
	return nil
}

// SaveFix inserts one fix.
func (s *SQLiteStore) SaveFix(ctx context.Context, rawID int64, fix telegram.FixRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fix (raw_id, device_serial, fix_time, longitude, latitude, location)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rawID, fix.DeviceSerial, formatSQLiteTime(fix.FixTime), fix.Longitude, fix.Latitude, fix.EWKT())
	if err != nil {
		return fmt.Errorf("insert fix %d@%s: %w", fix.DeviceSerial, fix.FixTime.Format(time.RFC3339), classifySQLite(err))
	}
	return nil
}

// Stats counts stored rows and reports the newest fix time.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var lastFix sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM raw_telegram),
			(SELECT COUNT(*) FROM telemetry),
			(SELECT COUNT(*) FROM fix),
			(SELECT MAX(fix_time) FROM fix)
	`).Scan(&st.Telegrams, &st.Records, &st.Fixes, &lastFix)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	if lastFix.Valid {
		t, err := time.ParseInLocation(sqliteTime, lastFix.String, time.UTC)
		if err != nil {
			return Stats{}, fmt.Errorf("parse last fix time %q: %w", lastFix.String, err)
		}
		st.LastFix = &t
	}
	return st, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

// classifySQLite maps unique and primary key rejections to ErrDuplicate.
func classifySQLite(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %s", ErrDuplicate, se.Error())
	case sqlite3.SQLITE_CONSTRAINT:
		// Connections without extended result codes only report the primary code.
		if strings.Contains(se.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, se.Error())
		}
	}
	return err
}
