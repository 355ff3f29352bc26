package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sms_receiver/internal/telegram"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseArchive mirrors stored fixes into ClickHouse for track analytics.
// It is append-only; ReplacingMergeTree collapses repeated (device, time)
// rows during merges, so re-sending a fix is harmless.
type ClickHouseArchive struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseArchive{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (a *ClickHouseArchive) Close() error {
	return a.conn.Close()
}

// CreateSchema creates the fix archive table.
func (a *ClickHouseArchive) CreateSchema(ctx context.Context) error {
	err := a.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fix_archive (
			device_serial  Int64,
			fix_time       DateTime('UTC'),
			longitude      Float64,
			latitude       Float64,
			telegram_id    UUID,
			gateway_id     LowCardinality(String),
			archived_at    DateTime64(3, 'UTC') DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(archived_at)
		PARTITION BY toYYYYMM(fix_time)
		ORDER BY (device_serial, fix_time)`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ArchiveFixes appends the fixes of one telegram in a single batch.
func (a *ClickHouseArchive) ArchiveFixes(ctx context.Context, raw telegram.RawTelegram, fixes []telegram.FixRecord) error {
	if len(fixes) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO fix_archive (device_serial, fix_time, longitude, latitude, telegram_id, gateway_id)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, f := range fixes {
		if err := batch.Append(f.DeviceSerial, f.FixTime.UTC(), f.Longitude, f.Latitude, raw.TelegramID, raw.GatewayID); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append fix: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}
