package randompick

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newCatalogDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root, err := filepath.Abs(filepath.Join("..", "database", "migrations"))
	require.NoError(t, err)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(root, e.Name()))
		require.NoError(t, err)
		_, err = db.Exec(string(b))
		require.NoError(t, err)
	}
	return db
}

func insertCatalogImage(t *testing.T, db *sql.DB, illustID int64, randomKey float64, width int) int64 {
	t.Helper()
	res, err := db.Exec(`
		INSERT INTO images (illust_id, page_index, extension, original_url, proxy_path, random_key, width, height, status)
		VALUES (?, 0, 'jpg', 'https://example.test/x.jpg', '/i/x.jpg', ?, ?, 1000, 1)
	`, illustID, randomKey, width)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestPickAscendingWithWraparound(t *testing.T) {
	db := newCatalogDB(t)
	e := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	a := insertCatalogImage(t, db, 1, 0.2, 100)
	b := insertCatalogImage(t, db, 2, 0.6, 100)

	// r below both keys picks the smallest key at-or-above r
	res, err := e.Pick(ctx, Filters{R18: R18Any}, now, PickOptions{R: 0.1})
	require.NoError(t, err)
	require.Equal(t, a, res.Image.ID)

	// r between the keys picks the higher one
	res, err = e.Pick(ctx, Filters{R18: R18Any}, now, PickOptions{R: 0.4})
	require.NoError(t, err)
	require.Equal(t, b, res.Image.ID)

	// r above every key wraps to the smallest
	res, err = e.Pick(ctx, Filters{R18: R18Any}, now, PickOptions{R: 0.9})
	require.NoError(t, err)
	require.Equal(t, a, res.Image.ID)
}

func TestPickSeedDeterministic(t *testing.T) {
	db := newCatalogDB(t)
	e := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := int64(1); i <= 20; i++ {
		insertCatalogImage(t, db, i, float64(i)/21.0, 100)
	}

	first, err := e.Pick(ctx, Filters{R18: R18Any}, now, PickOptions{R: -1, Seed: "stable-seed"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Pick(ctx, Filters{R18: R18Any}, now, PickOptions{R: -1, Seed: "stable-seed"})
		require.NoError(t, err)
		require.Equal(t, first.Image.ID, again.Image.ID)
	}
}

func TestPickHonorsFiltersAndNoMatch(t *testing.T) {
	db := newCatalogDB(t)
	e := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	insertCatalogImage(t, db, 1, 0.5, 100)
	wide := insertCatalogImage(t, db, 2, 0.8, 2000)

	minWidth := 1000
	res, err := e.Pick(ctx, Filters{R18: R18Any, MinWidth: &minWidth}, now, PickOptions{R: 0.1})
	require.NoError(t, err)
	require.Equal(t, wide, res.Image.ID)

	impossible := 999999
	_, err = e.Pick(ctx, Filters{R18: R18Any, MinWidth: &impossible}, now, PickOptions{R: 0.1})
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestPickFailCooldownExcludesRecentFailures(t *testing.T) {
	db := newCatalogDB(t)
	e := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	bad := insertCatalogImage(t, db, 1, 0.2, 100)
	good := insertCatalogImage(t, db, 2, 0.7, 100)

	_, err := db.Exec(`UPDATE images SET last_fail_at = ? WHERE id = ?`,
		now.Add(-10*time.Second).UTC().Format("2006-01-02T15:04:05.000Z"), bad)
	require.NoError(t, err)

	// within the cooldown only the good image is eligible
	res, err := e.Pick(ctx, Filters{R18: R18Any, FailCooldownMs: 60_000}, now, PickOptions{R: 0.1})
	require.NoError(t, err)
	require.Equal(t, good, res.Image.ID)

	// with the cooldown elapsed the bad image is eligible again
	res, err = e.Pick(ctx, Filters{R18: R18Any, FailCooldownMs: 5_000}, now, PickOptions{R: 0.1})
	require.NoError(t, err)
	require.Equal(t, bad, res.Image.ID)
}

func TestPickQualityStrategyPrefersPopular(t *testing.T) {
	db := newCatalogDB(t)
	e := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	plain := insertCatalogImage(t, db, 1, 0.25, 100)
	popular := insertCatalogImage(t, db, 2, 0.75, 100)
	_, err := db.Exec(`UPDATE images SET bookmark_count = 50000, view_count = 900000 WHERE id = ?`, popular)
	require.NoError(t, err)
	_ = plain

	q := DefaultQualityOptions()
	q.Samples = 16
	q.Best = true
	res, err := e.Pick(ctx, Filters{R18: R18Any}, now, PickOptions{
		Strategy: StrategyQuality, R: -1, Seed: "q-seed", Quality: q,
	})
	require.NoError(t, err)
	require.Equal(t, popular, res.Image.ID)
	require.Equal(t, StrategyQuality, res.StrategyUsed)
}
