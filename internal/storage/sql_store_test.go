package storage

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/lr-logger/internal/calibration"
	"github.com/roman-kulish/lr-logger/internal/controller"
	"github.com/roman-kulish/lr-logger/internal/device"
)

func testSession(t *testing.T) *controller.AcquisitionSession {
	t.Helper()

	return &controller.AcquisitionSession{
		ID: "5f0c3a52-3a8e-4b5e-9f0e-6d1c9b0a7e11",
		Descriptor: device.DeviceDescriptor{
			Manufacturer: "HIOKI",
			Model:        "LR8450",
			Serial:       "230000001",
			Firmware:     "V2.10",
			Channels:     4,
		},
		Channels: []device.ChannelSpec{
			{ID: device.ChannelID{Module: 1, Index: 1}, Kind: device.Voltage, Range: 10, Role: "pack", Enabled: true},
			{ID: device.ChannelID{Module: 1, Index: 2}, Kind: device.Temperature, Range: 100, Thermocouple: "K", Reference: device.ReferenceInternal, Enabled: true},
		},
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Running:   true,
	}
}

func testSamples(n int) []calibration.CalibratedSample {
	samples := make([]calibration.CalibratedSample, n)
	for i := range samples {
		samples[i] = calibration.CalibratedSample{
			Channel:   device.ChannelID{Module: 1, Index: 1},
			Role:      "pack",
			Value:     float64(i) * 2,
			Raw:       float64(i),
			Sequence:  uint64(i),
			Timestamp: float64(i) * 0.1,
		}
	}
	return samples
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name   string
		driver Driver
		query  string
		want   string
	}{
		{"sqlite unchanged", DriverSqlite, "SELECT a FROM t WHERE a = ? AND b = ?", "SELECT a FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", DriverPostgres, "SELECT a FROM t WHERE a = ? AND b = ?", "SELECT a FROM t WHERE a = $1 AND b = $2"},
		{"no placeholders", DriverPostgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rebind(tt.driver, tt.query); got != tt.want {
				t.Errorf("rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDriverValidate(t *testing.T) {
	require.NoError(t, DriverSqlite.Validate())
	require.NoError(t, DriverPostgres.Validate())
	require.Error(t, Driver("mysql").Validate())
}

func TestCreateSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, DriverPostgres)
	session := testSession(t)

	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO sessions")).
		ExpectExec().
		WithArgs(session.ID, "HIOKI", "LR8450", "230000001", "V2.10", sqlmock.AnyArg(), sqlmock.AnyArg(), session.StartedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CreateSession(context.Background(), session))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSessionRequiresID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, DriverSqlite)
	require.Error(t, store.CreateSession(context.Background(), &controller.AcquisitionSession{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSamplesChunks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, DriverSqlite, WithMaxBatchSize(2))
	samples := testSamples(3)
	sessionID := "s-1"

	insert := regexp.QuoteMeta("INSERT INTO samples")

	mock.ExpectBegin()
	mock.ExpectExec(insert).
		WithArgs(
			sessionID, int64(0), 0.0, "CH1_1", "pack", 0.0, 0.0, false,
			sessionID, int64(1), 0.1, "CH1_1", "pack", 2.0, 1.0, false,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(insert).
		WithArgs(sessionID, int64(2), 0.2, "CH1_1", "pack", 4.0, 2.0, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.StoreSamples(context.Background(), sessionID, samples))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSamplesEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, DriverSqlite)
	require.NoError(t, store.StoreSamples(context.Background(), "s-1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSamplesRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, DriverPostgres)
	failure := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (session_id, sequence, channel) DO NOTHING")).
		WillReturnError(failure)
	mock.ExpectRollback()

	err = store.StoreSamples(context.Background(), "s-1", testSamples(1))
	require.ErrorIs(t, err, failure)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishSession(t *testing.T) {
	stoppedAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	capacity := &calibration.CapacityTest{CurrentMA: 500, Role: "pack", CapacityMAh: 12.5}

	t.Run("updates", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPrepare(regexp.QuoteMeta("UPDATE sessions")).
			ExpectExec().
			WithArgs(stoppedAt, 12.5, sqlmock.AnyArg(), "s-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, NewStore(db, DriverPostgres).FinishSession(context.Background(), "s-1", stoppedAt, capacity))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown session", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPrepare(regexp.QuoteMeta("UPDATE sessions")).
			ExpectExec().
			WithArgs(stoppedAt, nil, nil, "missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err = NewStore(db, DriverSqlite).FinishSession(context.Background(), "missing", stoppedAt, nil)
		require.ErrorIs(t, err, ErrSessionNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

var sessionColumns = []string{
	"id", "manufacturer", "model", "serial", "firmware", "descriptor", "channels", "started_at", "stopped_at", "capacity",
}

func TestSession(t *testing.T) {
	startedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stoppedAt := startedAt.Add(time.Hour)

	t.Run("found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rows := sqlmock.NewRows(sessionColumns).AddRow(
			"s-1", "HIOKI", "LR8450", "230000001", "V2.10",
			`{"manufacturer":"HIOKI","model":"LR8450","firmware":"V2.10","channels":4,"dialect":0}`,
			`[{"id":"CH1_1","kind":"voltage","range":10,"role":"pack","enabled":true}]`,
			startedAt, stoppedAt,
			`{"active":false,"currentMA":500,"role":"pack","capacityMAh":12.5}`,
		)

		mock.ExpectPrepare(regexp.QuoteMeta("FROM sessions")).
			ExpectQuery().
			WithArgs("s-1").
			WillReturnRows(rows)

		session, err := NewStore(db, DriverSqlite).Session(context.Background(), "s-1")
		require.NoError(t, err)
		require.Equal(t, "LR8450", session.Model)
		require.NotNil(t, session.Descriptor)
		require.Equal(t, 4, session.Descriptor.Channels)
		require.Len(t, session.Channels, 1)
		require.Equal(t, device.ChannelID{Module: 1, Index: 1}, session.Channels[0].ID)
		require.Equal(t, device.Voltage, session.Channels[0].Kind)
		require.NotNil(t, session.StoppedAt)
		require.True(t, stoppedAt.Equal(*session.StoppedAt))
		require.NotNil(t, session.Capacity)
		require.InDelta(t, 12.5, session.Capacity.CapacityMAh, 1e-9)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPrepare(regexp.QuoteMeta("FROM sessions")).
			ExpectQuery().
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(sessionColumns))

		_, err = NewStore(db, DriverSqlite).Session(context.Background(), "nope")
		require.ErrorIs(t, err, ErrSessionNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	startedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(sessionColumns).
		AddRow("s-1", "HIOKI", "LR8450", "", "V2.10", nil, `[]`, startedAt, nil, nil).
		AddRow("s-2", "HIOKI", "LR8451", "", "V1.00", nil, `[]`, startedAt.Add(time.Hour), nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at")).WillReturnRows(rows)

	sessions, err := NewStore(db, DriverSqlite).Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "s-2", sessions[1].ID)
	require.Nil(t, sessions[0].StoppedAt)
	require.Nil(t, sessions[0].Capacity)
	require.Nil(t, sessions[0].Descriptor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewStore(db, DriverPostgres).InitSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSqliteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSqliteStore(filepath.Join(t.TempDir(), "lrlogger.db"), WithMaxBatchSize(2))
	defer store.Close()

	session := testSession(t)
	require.NoError(t, store.CreateSession(ctx, session))

	samples := testSamples(5)
	require.NoError(t, store.StoreSamples(ctx, session.ID, samples))
	// duplicates are ignored
	require.NoError(t, store.StoreSamples(ctx, session.ID, samples[:2]))

	stoppedAt := session.StartedAt.Add(10 * time.Minute)
	capacity := &calibration.CapacityTest{CurrentMA: 1000, Role: "pack", CapacityMAh: 166.7}
	require.NoError(t, store.FinishSession(ctx, session.ID, stoppedAt, capacity))

	got, err := store.Session(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.Descriptor.Serial, got.Serial)
	require.Equal(t, session.Channels, got.Channels)
	require.True(t, session.StartedAt.Equal(got.StartedAt))
	require.NotNil(t, got.StoppedAt)
	require.True(t, stoppedAt.Equal(*got.StoppedAt))
	require.NotNil(t, got.Capacity)
	require.InDelta(t, 166.7, got.Capacity.CapacityMAh, 1e-9)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples WHERE session_id = ?", session.ID).Scan(&count))
	require.Equal(t, 5, count)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
