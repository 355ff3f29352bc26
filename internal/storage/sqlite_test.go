package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sms_receiver/internal/telegram"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRaw(body string) *telegram.RawTelegram {
	return &telegram.RawTelegram{
		TelegramID:  uuid.New(),
		Sender:      "+31612345678",
		Body:        body,
		Destination: "+31687654321",
		GatewayID:   "gw-1",
		SentAt:      time.Date(2014, 9, 18, 13, 0, 0, 0, time.UTC),
	}
}

func testFix(serial int64, at time.Time) telegram.FixRecord {
	return telegram.FixRecord{
		DeviceSerial: serial,
		FixTime:      at,
		Longitude:    4.9842689,
		Latitude:     52.4984249,
		Point:        orb.Point{4.9842689, 52.4984249},
	}
}

func TestSQLiteStore_SaveRawAssignsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testRaw("1608,4108,0000")
	require.NoError(t, s.SaveRaw(ctx, first))
	second := testRaw("1608,4108,0000")
	require.NoError(t, s.SaveRaw(ctx, second))

	assert.NotZero(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSQLiteStore_DuplicateRaw(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw := testRaw("1608,4108,0000")
	require.NoError(t, s.SaveRaw(ctx, raw))

	again := *raw
	again.ID = 0
	err := s.SaveRaw(ctx, &again)
	require.ErrorIs(t, err, ErrDuplicate)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Telegrams)
}

func TestSQLiteStore_DuplicateFix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2014, 9, 18, 12, 43, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		raw := testRaw("1608,4108,0000,14261,45780,49842689,524984249")
		require.NoError(t, s.SaveRaw(ctx, raw))
		require.NoError(t, s.SaveRecord(ctx, raw.ID, &telegram.TelemetryRecord{
			DeviceSerial:   1608,
			BatteryVoltage: 4.108,
			RecordedAt:     raw.SentAt,
		}))

		err := s.SaveFix(ctx, raw.ID, testFix(1608, at))
		if i == 0 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrDuplicate)
		}
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Telegrams)
	assert.EqualValues(t, 2, st.Records)
	assert.EqualValues(t, 1, st.Fixes)
}

func TestSQLiteStore_DuplicateRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw := testRaw("1608,4108,0000")
	require.NoError(t, s.SaveRaw(ctx, raw))
	rec := &telegram.TelemetryRecord{DeviceSerial: 1608, RecordedAt: raw.SentAt}
	require.NoError(t, s.SaveRecord(ctx, raw.ID, rec))
	require.ErrorIs(t, s.SaveRecord(ctx, raw.ID, rec), ErrDuplicate)
}

func TestSQLiteStore_SaveTelemetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw := testRaw("99999999999,4108,0000")
	rec := &telegram.TelemetryRecord{DeviceSerial: 99999999999, RecordedAt: raw.SentAt}
	require.NoError(t, s.SaveTelemetry(ctx, raw, rec))
	assert.NotZero(t, raw.ID)

	var serial int64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT device_serial FROM telemetry WHERE raw_id = ?`, raw.ID).Scan(&serial))
	assert.EqualValues(t, 99999999999, serial)

	again := *raw
	require.ErrorIs(t, s.SaveTelemetry(ctx, &again, rec), ErrDuplicate)
}

func TestSQLiteStore_SaveTelemetryRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		CREATE TRIGGER reject_telemetry BEFORE INSERT ON telemetry
		BEGIN SELECT RAISE(ABORT, 'telemetry rejected'); END`)
	require.NoError(t, err)

	raw := testRaw("1608,4108,0000")
	err = s.SaveTelemetry(ctx, raw, &telegram.TelemetryRecord{DeviceSerial: 1608, RecordedAt: raw.SentAt})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Telegrams)

	_, err = s.db.ExecContext(ctx, `DROP TRIGGER reject_telemetry`)
	require.NoError(t, err)
	require.NoError(t, s.SaveTelemetry(ctx, raw, &telegram.TelemetryRecord{DeviceSerial: 1608, RecordedAt: raw.SentAt}))
}

func TestSQLiteStore_ForeignKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SaveRecord(ctx, 999, &telegram.TelemetryRecord{DeviceSerial: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)

	err = s.SaveFix(ctx, 999, testFix(1, time.Now()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Telegrams)
	assert.Nil(t, st.LastFix)

	raw := testRaw("")
	require.NoError(t, s.SaveRaw(ctx, raw))
	require.NoError(t, s.SaveRecord(ctx, raw.ID, &telegram.TelemetryRecord{DeviceSerial: 7, RecordedAt: raw.SentAt}))

	early := time.Date(2014, 9, 18, 10, 0, 0, 0, time.UTC)
	late := time.Date(2014, 9, 18, 12, 43, 30, 0, time.UTC)
	require.NoError(t, s.SaveFix(ctx, raw.ID, testFix(7, late)))
	require.NoError(t, s.SaveFix(ctx, raw.ID, testFix(7, early)))

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Telegrams)
	assert.EqualValues(t, 1, st.Records)
	assert.EqualValues(t, 2, st.Fixes)
	require.NotNil(t, st.LastFix)
	assert.True(t, st.LastFix.Equal(late), "last fix = %v", st.LastFix)
}

func TestSQLiteStore_StoresEWKT(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw := testRaw("")
	require.NoError(t, s.SaveRaw(ctx, raw))
	require.NoError(t, s.SaveRecord(ctx, raw.ID, &telegram.TelemetryRecord{DeviceSerial: 7, RecordedAt: raw.SentAt}))
	require.NoError(t, s.SaveFix(ctx, raw.ID, testFix(7, raw.SentAt)))

	var location string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT location FROM fix`).Scan(&location))
	assert.Equal(t, "SRID=4326;POINT(4.9842689 52.4984249)", location)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "sqlite"
	cfg.SQLitePath = ":memory:"

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
