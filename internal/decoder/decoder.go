// Package decoder parses SMS telegrams from tracking devices into telemetry
// records.
//
// A telegram is a comma separated list of positional fields:
//
//	serial,battery_mV,memory_permille[,debug x5][,date,time,lon,lat]...
//
// e.g. "1608,4108,0000,014023,019,00820202020204020200,3,842,14261,45780,49842689,524984249".
// The decoder is pure: it performs no I/O and holds no mutable state, so one
// Decoder may be shared by any number of goroutines.
package decoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"sms_receiver/internal/telegram"
)

const (
	headerFields = 3
	debugFields  = 5
	fixFields    = 4

	coordinateScale = 1e7
)

var (
	// ErrMalformedHeader means a mandatory header field is not numeric, or
	// a detected debug block is cut short.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrMalformedBody means the body is not a telegram at all (fewer than
	// three fields), or a fix group cannot be decoded.
	ErrMalformedBody = errors.New("malformed body")
)

// FieldError reports which field of a telegram could not be decoded.
type FieldError struct {
	Kind  error // ErrMalformedHeader or ErrMalformedBody.
	Index int   // 0-based field position in the body.
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: field %d %q", e.Kind, e.Index, e.Value)
	}
	return fmt.Sprintf("%v: field %d %q: %v", e.Kind, e.Index, e.Value, e.Err)
}

func (e *FieldError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Decoder turns telegram bodies into telemetry records.
type Decoder struct {
	revision     Revision
	encoding     DateEncoding
	serialPrefix string
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithDateEncoding overrides the revision's default fix date encoding.
func WithDateEncoding(e DateEncoding) Option {
	return func(d *Decoder) { d.encoding = e }
}

// WithSerialPrefix strips prefix (e.g. "ID") from the device serial field.
func WithSerialPrefix(prefix string) Option {
	return func(d *Decoder) { d.serialPrefix = prefix }
}

// New creates a Decoder for the given protocol revision.
func New(rev Revision, opts ...Option) *Decoder {
	d := &Decoder{revision: rev, encoding: rev.DateEncoding()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromNames creates a Decoder from configuration values. An empty
// encoding selects the revision's default.
func NewFromNames(revision, encoding, serialPrefix string) (*Decoder, error) {
	rev, err := DefaultRegistry().Lookup(revision)
	if err != nil {
		return nil, err
	}
	opts := []Option{WithSerialPrefix(serialPrefix)}
	if encoding != "" {
		enc, err := ParseDateEncoding(encoding)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithDateEncoding(enc))
	}
	return New(rev, opts...), nil
}

// Revision returns the protocol revision the decoder applies.
func (d *Decoder) Revision() Revision { return d.revision }

// DateEncoding returns the fix date encoding the decoder applies.
func (d *Decoder) DateEncoding() DateEncoding { return d.encoding }

// Decode parses a telegram body. The returned record has no RecordedAt; the
// caller stamps it with the telegram's sent time.
func (d *Decoder) Decode(body string) (*telegram.TelemetryRecord, error) {
	fields := strings.Split(strings.TrimSpace(body), ",")
	if len(fields) < headerFields {
		return nil, fmt.Errorf("%w: %d fields, want at least %d", ErrMalformedBody, len(fields), headerFields)
	}

	serial, err := unsigned(strings.TrimPrefix(fields[0], d.serialPrefix))
	if err != nil {
		return nil, &FieldError{Kind: ErrMalformedHeader, Index: 0, Value: fields[0], Err: err}
	}
	battery, err := unsigned(fields[1])
	if err != nil {
		return nil, &FieldError{Kind: ErrMalformedHeader, Index: 1, Value: fields[1], Err: err}
	}
	memory, err := unsigned(fields[2])
	if err != nil {
		return nil, &FieldError{Kind: ErrMalformedHeader, Index: 2, Value: fields[2], Err: err}
	}

	rec := &telegram.TelemetryRecord{
		DeviceSerial:   serial,
		BatteryVoltage: float64(battery) / 1000,
		MemoryUsage:    float64(memory) / 10,
		Fixes:          []telegram.FixRecord{},
	}

	// Devices pad with empty fields for fixes they do not have yet. The
	// padding must not count towards the revision's debug block check.
	rest := trimTrailingEmpty(fields[headerFields:])
	pos := headerFields
	if len(rest) == 0 {
		return rec, nil
	}

	if d.revision.HasDebugBlock(rest) {
		if len(rest) < debugFields {
			return nil, &FieldError{
				Kind:  ErrMalformedHeader,
				Index: pos,
				Value: strings.Join(rest, ","),
				Err:   fmt.Errorf("debug block has %d of %d fields", len(rest), debugFields),
			}
		}
		block := strings.Join(rest[:debugFields], ",")
		rec.DebugBlock = &block
		rest = rest[debugFields:]
		pos += debugFields
	}

	for len(rest) >= fixFields && rest[0] != "" {
		fix, err := d.decodeFix(serial, rest[:fixFields], pos)
		if err != nil {
			return nil, err
		}
		rec.Fixes = append(rec.Fixes, fix)
		rest = rest[fixFields:]
		pos += fixFields
	}

	return rec, nil
}

// decodeFix parses one [date, time, lon, lat] group starting at field pos.
func (d *Decoder) decodeFix(serial int64, group []string, pos int) (telegram.FixRecord, error) {
	fixTime, err := d.encoding.Decode(group[0], group[1])
	if err != nil {
		return telegram.FixRecord{}, &FieldError{Kind: ErrMalformedBody, Index: pos, Value: group[0] + "," + group[1], Err: err}
	}
	lonRaw, err := strconv.ParseInt(group[2], 10, 64)
	if err != nil {
		return telegram.FixRecord{}, &FieldError{Kind: ErrMalformedBody, Index: pos + 2, Value: group[2], Err: err}
	}
	latRaw, err := strconv.ParseInt(group[3], 10, 64)
	if err != nil {
		return telegram.FixRecord{}, &FieldError{Kind: ErrMalformedBody, Index: pos + 3, Value: group[3], Err: err}
	}

	lon := float64(lonRaw) / coordinateScale
	lat := float64(latRaw) / coordinateScale
	return telegram.FixRecord{
		DeviceSerial: serial,
		FixTime:      fixTime,
		Longitude:    lon,
		Latitude:     lat,
		Point:        orb.Point{lon, lat},
	}, nil
}

// unsigned parses a zero-padded decimal field.
func unsigned(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("not numeric")
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

func trimTrailingEmpty(fields []string) []string {
	n := len(fields)
	for n > 0 && fields[n-1] == "" {
		n--
	}
	return fields[:n]
}
