// Command sms_receiver ingests telegrams from wildlife-tracking devices that
// an SMS gateway forwards over HTTP or that are published on NATS.
//
// Usage:
//
//	sms_receiver serve  [-config file]
//	sms_receiver schema [-config file]
//	sms_receiver decode [-config file] [-input file] [-format json|geojson|kml] [-pretty]
//
// Every setting can be overridden with an SMS_ environment variable, e.g.
// SMS_SERVER_SECRET or SMS_STORAGE_DRIVER=sqlite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sms_receiver/internal/api"
	"sms_receiver/internal/config"
	"sms_receiver/internal/decoder"
	"sms_receiver/internal/feed"
	"sms_receiver/internal/ingest"
	"sms_receiver/internal/logging"
	"sms_receiver/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func usage(w io.Writer) {
	fmt.Fprintln(w, "sms_receiver - commands:")
	fmt.Fprintln(w, "  serve   - accept telegrams over HTTP (and NATS when enabled)")
	fmt.Fprintln(w, "  schema  - create the database tables")
	fmt.Fprintln(w, "  decode  - decode telegram bodies, one per line, to JSON")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sms_receiver serve  [-config sms_receiver.yaml]")
	fmt.Fprintln(w, "  sms_receiver schema [-config sms_receiver.yaml]")
	fmt.Fprintln(w, "  sms_receiver decode [-config sms_receiver.yaml] [-input bodies.txt] [-format json|geojson|kml] [-pretty]")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])

	var err error
	switch cmd {
	case "serve":
		err = runServe(os.Args[2:])
	case "schema":
		err = runSchema(os.Args[2:])
	case "decode":
		err = runDecode(os.Args[2:], os.Stdin, os.Stdout)
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		logging.Error().Err(err).Str("command", cmd).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig parses the common -config flag and initialises logging.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "", "YAML config file (env: "+config.PathEnvVar+")")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LoggingConfig())
	return cfg, nil
}

func newDecoder(cfg *config.Config) (*decoder.Decoder, error) {
	p := cfg.Protocol
	return decoder.NewFromNames(p.Revision, p.DateEncoding, p.SerialPrefix)
}

func runServe(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	if cfg.Server.Secret == "" {
		return errors.New("server.secret must be set (SMS_SERVER_SECRET)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dec, err := newDecoder(cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []ingest.Option{ingest.WithLogger(logging.Component("ingest"))}
	if cfg.ClickHouse.Enabled {
		archive, err := storage.OpenClickHouse(ctx, cfg.ArchiveConfig())
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, ingest.WithArchive(archive))
	}
	coord := ingest.NewCoordinator(store, dec, opts...)

	if cfg.NATS.Enabled {
		sub := feed.NewSubscriber(coord, feed.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		}, logging.Component("feed"))
		if err := sub.Start(); err != nil {
			return err
		}
		defer func() {
			if err := sub.Stop(); err != nil {
				logging.Error().Err(err).Msg("stopping NATS feed")
			}
		}()
	}

	logging.Info().
		Str("version", version).
		Str("revision", dec.Revision().Name()).
		Str("date_encoding", dec.DateEncoding().String()).
		Str("storage", cfg.Storage.Driver).
		Msg("sms_receiver starting")

	server := api.NewServer(coord, store, api.Config{
		Addr:        cfg.Server.Addr,
		Secret:      cfg.Server.Secret,
		AlertTooOld: time.Duration(cfg.Status.AlertTooOld) * time.Hour,
		Version:     version,
	}, logging.Component("api"))

	return server.Run(ctx)
}

func runSchema(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("schema", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateSchema(ctx); err != nil {
		return err
	}
	logging.Info().Str("storage", cfg.Storage.Driver).Msg("schema created")

	if cfg.ClickHouse.Enabled {
		archive, err := storage.OpenClickHouse(ctx, cfg.ArchiveConfig())
		if err != nil {
			return err
		}
		defer archive.Close()
		if err := archive.CreateSchema(ctx); err != nil {
			return err
		}
		logging.Info().Msg("clickhouse archive schema created")
	}
	return nil
}
