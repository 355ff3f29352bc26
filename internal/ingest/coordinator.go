// Package ingest commits received telegrams to storage.
//
// Coordinator.Ingest is the only writer of durable state. Under at-least-once
// delivery the same telegram may arrive many times and concurrently; the
// store's unique constraints decide which attempt wins and every other
// attempt is reported as an accepted duplicate.
package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"sms_receiver/internal/storage"
	"sms_receiver/internal/telegram"
)

// Store is the subset of storage.Store the coordinator writes through.
type Store interface {
	SaveRaw(ctx context.Context, raw *telegram.RawTelegram) error
	SaveTelemetry(ctx context.Context, raw *telegram.RawTelegram, rec *telegram.TelemetryRecord) error
	SaveFix(ctx context.Context, rawID int64, fix telegram.FixRecord) error
}

// Decoder turns a telegram body into a telemetry record.
type Decoder interface {
	Decode(body string) (*telegram.TelemetryRecord, error)
}

// FixArchive receives the fixes that were newly stored for a telegram.
type FixArchive interface {
	ArchiveFixes(ctx context.Context, raw telegram.RawTelegram, fixes []telegram.FixRecord) error
}

// Outcome is the verdict reported back to the transport.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Reason explains a Rejected outcome.
type Reason int

const (
	NoReason Reason = iota
	InvalidMessage
	StorageError
)

func (r Reason) String() string {
	switch r {
	case InvalidMessage:
		return "invalid message"
	case StorageError:
		return "storage error"
	default:
		return ""
	}
}

// Result describes what one Ingest call did.
type Result struct {
	Outcome   Outcome
	Reason    Reason
	Err       error // Cause of a rejection.
	Duplicate bool  // The telegram was stored by an earlier delivery.

	Record       *telegram.TelemetryRecord
	FixesStored  int
	FixesSkipped int // Already stored from another telegram.
	FixesFailed  int
}

// Coordinator runs the ingestion pipeline for single telegrams.
type Coordinator struct {
	store   Store
	decoder Decoder
	archive FixArchive
	log     zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArchive mirrors newly stored fixes into a.
func WithArchive(a FixArchive) Option {
	return func(c *Coordinator) { c.archive = a }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator creates a coordinator writing to store.
func NewCoordinator(store Store, dec Decoder, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, decoder: dec, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest decodes raw and stores it with its record and fixes.
//
// A telegram whose id is already stored is Accepted without further work.
// A body that does not decode is Rejected with InvalidMessage, but the raw
// telegram is stored on its own so it can be decoded again later. The raw
// telegram and its record are written in one transaction, so a failed write
// leaves nothing behind and a redelivery starts over. Fixes that fail to
// store are logged and counted; they never reject the telegram.
func (c *Coordinator) Ingest(ctx context.Context, raw telegram.RawTelegram) Result {
	log := c.log.With().Str("telegram_id", raw.TelegramID.String()).Logger()

	rec, decodeErr := c.decoder.Decode(raw.Body)
	if decodeErr != nil {
		if res, stored := c.saveRaw(ctx, log, &raw); !stored {
			return res
		}
		log.Warn().Err(decodeErr).Str("body", raw.Body).Msg("telegram rejected")
		return Result{Outcome: Rejected, Reason: InvalidMessage, Err: decodeErr}
	}
	rec.RecordedAt = raw.SentAt

	if err := c.store.SaveTelemetry(ctx, &raw, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			log.Info().Msg("telegram already stored")
			return Result{Outcome: Accepted, Duplicate: true}
		}
		log.Error().Err(err).Msg("failed to store telemetry")
		return Result{Outcome: Rejected, Reason: StorageError, Err: err, Record: rec}
	}

	res := Result{Outcome: Accepted, Record: rec}
	stored := make([]telegram.FixRecord, 0, len(rec.Fixes))
	for _, fix := range rec.Fixes {
		err := c.store.SaveFix(ctx, raw.ID, fix)
		switch {
		case err == nil:
			res.FixesStored++
			stored = append(stored, fix)
		case errors.Is(err, storage.ErrDuplicate):
			res.FixesSkipped++
		default:
			res.FixesFailed++
			log.Warn().Err(err).
				Int64("device", fix.DeviceSerial).
				Time("fix_time", fix.FixTime).
				Msg("failed to store fix")
		}
	}

	if c.archive != nil && len(stored) > 0 {
		if err := c.archive.ArchiveFixes(ctx, raw, stored); err != nil {
			log.Warn().Err(err).Int("fixes", len(stored)).Msg("failed to archive fixes")
		}
	}

	log.Debug().
		Int64("device", rec.DeviceSerial).
		Int("fixes_stored", res.FixesStored).
		Int("fixes_skipped", res.FixesSkipped).
		Msg("telegram accepted")
	return res
}

// saveRaw stores an undecodable telegram. It reports false with the result to
// return when the telegram was not newly stored.
func (c *Coordinator) saveRaw(ctx context.Context, log zerolog.Logger, raw *telegram.RawTelegram) (Result, bool) {
	err := c.store.SaveRaw(ctx, raw)
	switch {
	case err == nil:
		return Result{}, true
	case errors.Is(err, storage.ErrDuplicate):
		log.Info().Msg("telegram already stored")
		return Result{Outcome: Accepted, Duplicate: true}, false
	default:
		log.Error().Err(err).Msg("failed to store telegram")
		return Result{Outcome: Rejected, Reason: StorageError, Err: err}, false
	}
}
