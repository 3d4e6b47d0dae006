package runtimesettings

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE runtime_settings (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		description TEXT,
		updated_at TEXT NOT NULL,
		updated_by TEXT
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetAndGet(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "pick_strategy", `"weighted"`, "admin"))
	got, err := s.Get(ctx, "pick_strategy")
	require.NoError(t, err)
	require.Equal(t, `"weighted"`, got.ValueJSON)
	require.Equal(t, "admin", got.UpdatedBy)
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop())
	got, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetStringFallback(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop())
	require.Equal(t, "round_robin", s.GetString(context.Background(), "pick_strategy", "round_robin"))
}

func TestSetUpsertsOnConflict(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", `1`, "a"))
	require.NoError(t, s.Set(ctx, "k", `2`, "b"))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, `2`, got.ValueJSON)
	require.Equal(t, "b", got.UpdatedBy)
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", `1`, "a"))
	require.NoError(t, s.Delete(ctx, "k"))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}
