package stats

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/user/image-random-service/internal/runtimesettings"
)

func newSettingsDB(t *testing.T) *runtimesettings.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE runtime_settings (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		description TEXT,
		updated_at TEXT NOT NULL,
		updated_by TEXT
	)`)
	require.NoError(t, err)
	return runtimesettings.New(db, zap.NewNop())
}

func TestBeginRequestTracksInFlightAndTotals(t *testing.T) {
	s := New()

	finish1 := s.BeginRequest()
	finish2 := s.BeginRequest()
	require.Equal(t, 2, s.Snapshot().InFlight)

	finish1(ResultOK)
	finish2(ResultNoMatch)

	snap := s.Snapshot()
	require.Equal(t, 0, snap.InFlight)
	require.EqualValues(t, 1, snap.LifetimeTotal[ResultOK])
	require.EqualValues(t, 1, snap.LifetimeTotal[ResultNoMatch])
	require.Equal(t, 1, snap.WindowCounts[ResultOK])
	require.Equal(t, 60, snap.WindowSeconds)
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	store := newSettingsDB(t)
	ctx := context.Background()

	s := New()
	s.BeginRequest()(ResultOK)
	s.BeginRequest()(ResultOK)
	s.BeginRequest()(ResultError)
	require.NoError(t, s.Flush(ctx, store))

	restored := New()
	require.NoError(t, restored.LoadFromSettings(ctx, store))
	snap := restored.Snapshot()
	require.EqualValues(t, 2, snap.LifetimeTotal[ResultOK])
	require.EqualValues(t, 1, snap.LifetimeTotal[ResultError])
	// the sliding window is process-local and starts empty
	require.Empty(t, snap.WindowCounts)
}

func TestLoadFromSettingsToleratesMissingAndCorrupt(t *testing.T) {
	store := newSettingsDB(t)
	ctx := context.Background()

	s := New()
	require.NoError(t, s.LoadFromSettings(ctx, store))

	require.NoError(t, store.Set(ctx, "stats.random.total", "not json", "test"))
	require.NoError(t, s.LoadFromSettings(ctx, store))
}
