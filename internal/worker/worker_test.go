package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/runtimesettings"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE jobs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			type          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			priority      INTEGER NOT NULL DEFAULT 0,
			run_after     TEXT,
			attempt       INTEGER NOT NULL DEFAULT 0,
			max_attempts  INTEGER NOT NULL DEFAULT 3,
			payload_json  TEXT NOT NULL DEFAULT '{}',
			last_error    TEXT,
			locked_by     TEXT,
			locked_at     TEXT,
			ref_type      TEXT,
			ref_id        TEXT
		);
		CREATE TABLE runtime_settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			description TEXT,
			updated_at TEXT NOT NULL,
			updated_by TEXT
		);
	`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWorkerDispatchesClaimedJobToRegisteredHandler(t *testing.T) {
	db := newTestDB(t)
	queue := jobqueue.New(db)
	settings := runtimesettings.New(db, zap.NewNop())
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, "hydrate_metadata", map[string]any{"illust_id": 1}, 0, "", "", 3)
	require.NoError(t, err)

	w := New(queue, settings, zap.NewNop(), Options{IdleInterval: 10 * time.Millisecond})

	ran := make(chan struct{}, 1)
	w.Register("hydrate_metadata", func(ctx context.Context, job *jobqueue.Job) Result {
		ran <- struct{}{}
		return Result{Outcome: jobqueue.OutcomeSuccess}
	})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	w.Start(runCtx)
	defer w.Stop()

	select {
	case <-ran:
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("handler was not invoked within timeout")
	}

	// Give Finalize's async-looking path time to land (it's synchronous in
	// claimAndRun, but the dispatch loop may have already moved on to the
	// idle sleep by the time we check).
	time.Sleep(50 * time.Millisecond)

	counts, err := queue.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[jobqueue.StatusCompleted])
}

func TestWorkerDLQsUnknownJobType(t *testing.T) {
	db := newTestDB(t)
	queue := jobqueue.New(db)
	settings := runtimesettings.New(db, zap.NewNop())
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, "no_such_type", nil, 0, "", "", 3)
	require.NoError(t, err)

	w := New(queue, settings, zap.NewNop(), Options{IdleInterval: 10 * time.Millisecond})
	runCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	w.Start(runCtx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		counts, err := queue.StatusCounts(ctx)
		require.NoError(t, err)
		return counts[jobqueue.StatusDLQ] == 1
	}, time.Second, 20*time.Millisecond)
}

func TestWorkerHeartbeatWritesRuntimeSetting(t *testing.T) {
	db := newTestDB(t)
	queue := jobqueue.New(db)
	settings := runtimesettings.New(db, zap.NewNop())
	ctx := context.Background()

	w := New(queue, settings, zap.NewNop(), Options{IdleInterval: 10 * time.Millisecond})
	runCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	w.Start(runCtx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		st, err := settings.Get(ctx, heartbeatSettingsKey)
		require.NoError(t, err)
		return st != nil
	}, time.Second, 20*time.Millisecond)
}
