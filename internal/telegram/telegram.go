// Package telegram provides the SMS telegram types shared by the decoder,
// the ingestion pipeline and the storage backends.
package telegram

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// SRID of the coordinate reference system fixes are reported in (WGS84).
const SRID = 4326

// RawTelegram is a telegram exactly as it was received from the gateway.
type RawTelegram struct {
	ID          int64     `json:"-"` // Storage surrogate key, set once stored.
	TelegramID  uuid.UUID `json:"telegram_id"`
	Sender      string    `json:"sender"`
	Body        string    `json:"body"`
	Destination string    `json:"destination"`
	GatewayID   string    `json:"gateway_id"`
	SentAt      time.Time `json:"sent_at"`
}

// TelemetryRecord is the decoded device-health snapshot of one telegram.
type TelemetryRecord struct {
	DeviceSerial   int64       `json:"device_serial"`
	BatteryVoltage float64     `json:"battery_voltage"`
	MemoryUsage    float64     `json:"memory_usage_percent"`
	DebugBlock     *string     `json:"debug_block"`
	RecordedAt     time.Time   `json:"recorded_at"`
	Fixes          []FixRecord `json:"fixes"`
}

// FixRecord is one GPS position sample.
// (DeviceSerial, FixTime) identifies a fix across telegrams.
type FixRecord struct {
	DeviceSerial int64     `json:"device_serial"`
	FixTime      time.Time `json:"fix_time"`
	Longitude    float64   `json:"longitude"`
	Latitude     float64   `json:"latitude"`
	Point        orb.Point `json:"-"`
}

// EWKT renders the fix location as extended WKT, e.g. "SRID=4326;POINT(4.98 52.49)".
func (f FixRecord) EWKT() string {
	return fmt.Sprintf("SRID=%d;%s", SRID, wkt.MarshalString(f.Point))
}

// Request is the inbound tuple handed over by a transport once it has
// authenticated the sender.
type Request struct {
	TelegramID  string    `json:"message_id"`
	Sender      string    `json:"from"`
	Body        string    `json:"message"`
	Destination string    `json:"sent_to"`
	GatewayID   string    `json:"device_id"`
	SentAt      FlexInt64 `json:"sent_timestamp"` // Epoch milliseconds.
}

// ToRaw validates the request and converts it into a RawTelegram.
func (r Request) ToRaw() (RawTelegram, error) {
	id, err := uuid.Parse(r.TelegramID)
	if err != nil {
		return RawTelegram{}, fmt.Errorf("telegram id %q: %w", r.TelegramID, err)
	}
	if r.SentAt <= 0 {
		return RawTelegram{}, fmt.Errorf("sent timestamp missing")
	}
	return RawTelegram{
		TelegramID:  id,
		Sender:      r.Sender,
		Body:        r.Body,
		Destination: r.Destination,
		GatewayID:   r.GatewayID,
		SentAt:      time.UnixMilli(int64(r.SentAt)).UTC(),
	}, nil
}

// FlexInt64 handles JSON fields that can be either string or number.
// SMS gateways post every field as a string, other feeds use numbers.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*f = FlexInt64(i)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flexint64: %w", err)
	}
	if s == "" {
		*f = 0
		return nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("flexint64: %w", err)
	}
	*f = FlexInt64(i)
	return nil
}
