// Package testutil provides shared fixtures for the end-to-end tests: a
// migrated temp-file SQLite database, a catalog image row builder, and a
// wired test application.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/image-random-service/internal/database"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/repository"
)

// NewTestDB opens a WAL-mode SQLite database under t.TempDir() with the
// full migrated schema, closed automatically when the test completes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.RunMigrations(db))
	return db
}

// ImageFixture describes one catalog row InsertImage creates. Zero values
// get serviceable defaults (active status, jpg, page 0).
type ImageFixture struct {
	IllustID    int64
	PageIndex   int
	Extension   string
	OriginalURL string
	RandomKey   float64
	Status      models.ImageStatus
	Width       *int
	Height      *int
	XRestrict   *int
}

// InsertImage inserts f and stamps its proxy_path from the new row id,
// returning the stored row.
func InsertImage(t *testing.T, db *sql.DB, f ImageFixture) *models.Image {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewImageRepository(db)

	if f.Extension == "" {
		f.Extension = "jpg"
	}
	if f.Status == 0 {
		f.Status = models.ImageActive
	}
	now := time.Now().UTC()
	id, err := repo.Insert(ctx, &models.Image{
		IllustID:    f.IllustID,
		PageIndex:   f.PageIndex,
		Extension:   f.Extension,
		OriginalURL: f.OriginalURL,
		ProxyPath:   "/",
		RandomKey:   f.RandomKey,
		Status:      f.Status,
		Width:       f.Width,
		Height:      f.Height,
		XRestrict:   f.XRestrict,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)

	require.NoError(t, repo.Update(ctx, id, map[string]any{
		"proxy_path": "/i/" + strconv.FormatInt(id, 10) + "." + f.Extension,
	}))

	img, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, img)
	return img
}
