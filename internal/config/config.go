// Package config loads the receiver configuration.
//
// Values are layered with koanf, later layers winning:
//
//  1. built-in defaults
//  2. an optional YAML file (-config flag or SMS_RECEIVER_CONFIG)
//  3. SMS_ environment variables, e.g. SMS_SERVER_SECRET or
//     SMS_STORAGE_POSTGRES_HOST
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"sms_receiver/internal/logging"
	"sms_receiver/internal/storage"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SMS_"
	// PathEnvVar names the config file when no -config flag is given.
	PathEnvVar = "SMS_RECEIVER_CONFIG"
)

// Config is the complete receiver configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Protocol   ProtocolConfig   `koanf:"protocol"`
	Storage    StorageConfig    `koanf:"storage"`
	ClickHouse ClickHouseConfig `koanf:"clickhouse"`
	NATS       NATSConfig       `koanf:"nats"`
	Status     StatusConfig     `koanf:"status"`
	Log        LogConfig        `koanf:"log"`
}

// ServerConfig configures the HTTP gateway endpoint.
type ServerConfig struct {
	Addr   string `koanf:"addr" validate:"required"`
	Secret string `koanf:"secret"` // Shared secret of the SMS gateway.
}

// ProtocolConfig selects how telegram bodies are decoded.
type ProtocolConfig struct {
	Revision     string `koanf:"revision" validate:"required,oneof=parity length"`
	DateEncoding string `koanf:"date_encoding" validate:"omitempty,oneof=calendar day-of-year doy"`
	SerialPrefix string `koanf:"serial_prefix"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Driver     string         `koanf:"driver" validate:"required,oneof=postgres sqlite"`
	SQLitePath string         `koanf:"sqlite_path"`
	Postgres   PostgresConfig `koanf:"postgres"`
}

// PostgresConfig holds the PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// ClickHouseConfig configures the optional fix archive.
type ClickHouseConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host" validate:"required_if=Enabled true"`
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// NATSConfig configures the optional NATS telegram feed.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"required_if=Enabled true"`
	Subject string `koanf:"subject" validate:"required_if=Enabled true"`
	Queue   string `koanf:"queue"`
}

// StatusConfig tunes the /status staleness check.
type StatusConfig struct {
	// AlertTooOld is the age in hours after which the newest fix is stale.
	AlertTooOld int `koanf:"alert_too_old" validate:"gte=1"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// Default returns the built-in configuration.
func Default() *Config {
	st := storage.DefaultConfig()
	return &Config{
		Server:   ServerConfig{Addr: ":6565"},
		Protocol: ProtocolConfig{Revision: "parity"},
		Storage: StorageConfig{
			Driver:     st.Driver,
			SQLitePath: st.SQLitePath,
			Postgres: PostgresConfig{
				Host:     st.Postgres.Host,
				Port:     st.Postgres.Port,
				Database: st.Postgres.Database,
				User:     st.Postgres.User,
				Password: st.Postgres.Password,
			},
		},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "default",
			User:     "default",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "sms.telegrams",
			Queue:   "sms_receiver",
		},
		Status: StatusConfig{AlertTooOld: 24},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment. An empty path falls back to SMS_RECEIVER_CONFIG; if that is
// unset too, no file is read.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Keys contain underscores themselves (sqlite_path), so env names are
	// matched against the known keys instead of split on "_".
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	transform := func(name string) string {
		return known[strings.ToLower(strings.TrimPrefix(name, EnvPrefix))]
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		return errors.New("invalid configuration: storage.sqlite_path is required for the sqlite driver")
	}
	return nil
}

// StoreConfig converts the storage section for storage.Open.
func (c *Config) StoreConfig() storage.Config {
	pg := c.Storage.Postgres
	return storage.Config{
		Driver:     c.Storage.Driver,
		SQLitePath: c.Storage.SQLitePath,
		Postgres: storage.PostgresConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			User:     pg.User,
			Password: pg.Password,
		},
	}
}

// ArchiveConfig converts the clickhouse section for storage.OpenClickHouse.
func (c *Config) ArchiveConfig() storage.ClickHouseConfig {
	return storage.ClickHouseConfig{
		Host:     c.ClickHouse.Host,
		Port:     c.ClickHouse.Port,
		Database: c.ClickHouse.Database,
		User:     c.ClickHouse.User,
		Password: c.ClickHouse.Password,
	}
}

// LoggingConfig converts the log section for logging.Init.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
