package repository

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/user/image-random-service/internal/models"
)

func newSchemaDB(t *testing.T) *sql.DB {
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

func TestImageRepository_InsertFindUpdate(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewImageRepository(db)
	ctx := context.Background()

	id, err := repo.Insert(ctx, &models.Image{
		IllustID:  123, PageIndex: 0, Extension: "jpg",
		OriginalURL: "https://i.pximg.net/x.jpg", ProxyPath: "/i/1.jpg", RandomKey: 0.5,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(123), got.IllustID)
	require.Equal(t, models.ImageActive, got.Status)

	require.NoError(t, repo.Update(ctx, id, map[string]any{"status": int(models.ImageBroken)}))
	got2, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.ImageBroken, got2.Status)
}

func TestImageRepository_ListNeedingHydration(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewImageRepository(db)
	ctx := context.Background()

	_, err := repo.Insert(ctx, &models.Image{IllustID: 1, PageIndex: 0, Extension: "jpg", OriginalURL: "u", ProxyPath: "p"})
	require.NoError(t, err)

	imgs, err := repo.ListNeedingHydration(ctx, 10)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
}

func TestTagRepository_FindOrCreateAndAttach(t *testing.T) {
	db := newSchemaDB(t)
	tagRepo := NewTagRepository(db)
	imgRepo := NewImageRepository(db)
	ctx := context.Background()

	imgID, err := imgRepo.Insert(ctx, &models.Image{IllustID: 1, PageIndex: 0, Extension: "jpg", OriginalURL: "u", ProxyPath: "p"})
	require.NoError(t, err)

	tagID, err := tagRepo.FindOrCreate(ctx, "scenery")
	require.NoError(t, err)
	tagID2, err := tagRepo.FindOrCreate(ctx, "scenery")
	require.NoError(t, err)
	require.Equal(t, tagID, tagID2)

	require.NoError(t, tagRepo.AttachToImage(ctx, imgID, tagID))
	tags, err := tagRepo.ListForImage(ctx, imgID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, "scenery", tags[0].Name)
}

func TestPixivTokenRepository_InsertAndUpdate(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewPixivTokenRepository(db)
	ctx := context.Background()

	id, err := repo.Insert(ctx, &models.PixivToken{Name: "main", RefreshTokenEnc: []byte("enc"), RefreshTokenMasked: "****abcd", Enabled: true, Weight: 1})
	require.NoError(t, err)

	require.NoError(t, repo.Update(ctx, id, map[string]any{"error_count": 3}))
	got, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, got.ErrorCount)
	require.True(t, got.Enabled)
}

func TestProxyEndpointRepository_FindAllEnabled(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewProxyEndpointRepository(db)
	ctx := context.Background()

	_, err := repo.Insert(ctx, &models.ProxyEndpoint{Scheme: models.ProxySchemeHTTP, Host: "proxy.local", Port: 8080, Enabled: true, Source: "manual"})
	require.NoError(t, err)
	_, err = repo.Insert(ctx, &models.ProxyEndpoint{Scheme: models.ProxySchemeHTTP, Host: "disabled.local", Port: 8080, Enabled: false, Source: "manual"})
	require.NoError(t, err)

	enabled, err := repo.FindAllEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "proxy.local", enabled[0].Host)
}

func TestAPIKeyRepository_RoundTrip(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewAPIKeyRepository(db)
	ctx := context.Background()

	id, err := repo.Insert(ctx, &models.APIKey{Name: "public", KeyHash: "h", KeyHint: "abcd", Enabled: true, RPM: 60, Burst: 10})
	require.NoError(t, err)

	got, err := repo.FindByKeyHash(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)

	require.NoError(t, repo.SetEnabled(ctx, id, false))
	got2, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.False(t, got2.Enabled)
}

func TestRequestLogRepository_InsertAndList(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewRequestLogRepositoryImpl(db, zap.NewNop())
	ctx := context.Background()

	_, err := repo.Insert(ctx, &models.RequestLog{RequestID: "req_1", Method: "GET", Path: "/random", StatusCode: 200, DurationMs: 12})
	require.NoError(t, err)

	logs, total, err := repo.List(ctx, 10, 0, nil, nil, nil, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	require.Equal(t, "/random", logs[0].Path)
}

func TestImportRepository_InsertAndList(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewImportRepository(db)
	ctx := context.Background()

	id, err := repo.Insert(ctx, &models.Import{SourceURL: "https://pixiv.net/x"})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, id, "done", nil, nil))
	imports, total, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "done", imports[0].Status)
}

func TestAdminAuditRepository_InsertAndList(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewAdminAuditRepository(db)
	ctx := context.Background()

	_, err := repo.Insert(ctx, &models.AdminAudit{Actor: "admin", Action: "proxy.disable"})
	require.NoError(t, err)

	entries, total, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "proxy.disable", entries[0].Action)
}

func TestProxyPoolRepository_FindOrCreateAndMembers(t *testing.T) {
	db := newSchemaDB(t)
	poolRepo := NewProxyPoolRepository(db)
	proxyRepo := NewProxyEndpointRepository(db)
	ctx := context.Background()

	poolID, err := poolRepo.FindOrCreate(ctx, "default")
	require.NoError(t, err)
	poolID2, err := poolRepo.FindOrCreate(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, poolID, poolID2)

	epID, err := proxyRepo.Insert(ctx, &models.ProxyEndpoint{Scheme: models.ProxySchemeHTTP, Host: "p1", Port: 8080, Enabled: true, Source: "manual"})
	require.NoError(t, err)

	require.NoError(t, poolRepo.SetMember(ctx, poolID, epID, true, 2))
	members, err := poolRepo.ListMembers(ctx, poolID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, epID, members[0].EndpointID)
	require.Equal(t, 2, members[0].Weight)

	// upsert tweaks the existing membership row
	require.NoError(t, poolRepo.SetMember(ctx, poolID, epID, false, 3))
	members, err = poolRepo.ListMembers(ctx, poolID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.False(t, members[0].Enabled)
}

func TestTokenProxyBindingRepository_OverrideRoundTrip(t *testing.T) {
	db := newSchemaDB(t)
	poolRepo := NewProxyPoolRepository(db)
	proxyRepo := NewProxyEndpointRepository(db)
	tokenRepo := NewPixivTokenRepository(db)
	bindingRepo := NewTokenProxyBindingRepository(db)
	ctx := context.Background()

	poolID, err := poolRepo.FindOrCreate(ctx, "default")
	require.NoError(t, err)
	tokenID, err := tokenRepo.Insert(ctx, &models.PixivToken{Name: "t", RefreshTokenEnc: []byte("enc"), RefreshTokenMasked: "***", Enabled: true, Weight: 1})
	require.NoError(t, err)
	primaryID, err := proxyRepo.Insert(ctx, &models.ProxyEndpoint{Scheme: models.ProxySchemeHTTP, Host: "primary", Port: 8080, Enabled: true, Source: "manual"})
	require.NoError(t, err)
	altID, err := proxyRepo.Insert(ctx, &models.ProxyEndpoint{Scheme: models.ProxySchemeHTTP, Host: "alt", Port: 8080, Enabled: true, Source: "manual"})
	require.NoError(t, err)

	bindingID, err := bindingRepo.Upsert(ctx, &models.TokenProxyBinding{TokenID: tokenID, PoolID: poolID, PrimaryProxyID: primaryID})
	require.NoError(t, err)

	now := time.Now().UTC()
	b, err := bindingRepo.FindByTokenAndPool(ctx, tokenID, poolID)
	require.NoError(t, err)
	require.Equal(t, primaryID, b.EffectiveProxyID(now))

	require.NoError(t, bindingRepo.InstallOverride(ctx, bindingID, altID, now.Add(time.Hour)))
	b, err = bindingRepo.FindByTokenAndPool(ctx, tokenID, poolID)
	require.NoError(t, err)
	require.Equal(t, altID, b.EffectiveProxyID(now))
	// an expired override falls back to the primary
	require.Equal(t, primaryID, b.EffectiveProxyID(now.Add(2*time.Hour)))

	require.NoError(t, bindingRepo.ClearOverride(ctx, bindingID))
	b, err = bindingRepo.FindByTokenAndPool(ctx, tokenID, poolID)
	require.NoError(t, err)
	require.Nil(t, b.OverrideProxyID)
}

func TestImageRepository_CursorListings(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewImageRepository(db)
	ctx := context.Background()

	userA, userB := int64(7), int64(9)
	nameA, nameB := "alice", "bob"
	for i := 0; i < 3; i++ {
		uid, uname := &userA, &nameA
		if i == 2 {
			uid, uname = &userB, &nameB
		}
		_, err := repo.Insert(ctx, &models.Image{
			IllustID: int64(100 + i), PageIndex: 0, Extension: "jpg",
			OriginalURL: "u", ProxyPath: "p", RandomKey: float64(i) / 10,
			UserID: uid, UserName: uname,
		})
		require.NoError(t, err)
	}

	page1, err := repo.ListActive(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	page2, err := repo.ListActive(ctx, page1[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.Greater(t, page2[0].ID, page1[1].ID)

	authors, err := repo.ListAuthors(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, authors, 2)
	require.Equal(t, userA, authors[0].UserID)
	require.EqualValues(t, 2, authors[0].ImageCount)
}

func TestProxyEndpointRepository_FindByIdentity(t *testing.T) {
	db := newSchemaDB(t)
	repo := NewProxyEndpointRepository(db)
	ctx := context.Background()

	_, err := repo.Insert(ctx, &models.ProxyEndpoint{Scheme: models.ProxySchemeSocks5, Host: "10.0.0.1", Port: 1080, Username: "u", Enabled: true, Source: "manual"})
	require.NoError(t, err)

	ep, err := repo.FindByIdentity(ctx, "socks5", "10.0.0.1", 1080, "u")
	require.NoError(t, err)
	require.NotNil(t, ep)

	missing, err := repo.FindByIdentity(ctx, "socks5", "10.0.0.1", 1080, "other")
	require.NoError(t, err)
	require.Nil(t, missing)
}
