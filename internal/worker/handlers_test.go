package worker

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/outbound"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/secretvault"
	"github.com/user/image-random-service/internal/selector"
	"github.com/user/image-random-service/internal/tokencache"
)

func newFullSchemaDB(t *testing.T) *sql.DB {
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

func testVault(t *testing.T) *secretvault.Vault {
	t.Helper()
	key, err := secretvault.GenerateKey()
	require.NoError(t, err)
	v, err := secretvault.Open(key)
	require.NoError(t, err)
	return v
}

func TestEasyProxiesRefreshNoSourceIsNoop(t *testing.T) {
	db := newFullSchemaDB(t)
	settings := runtimesettings.New(db, zap.NewNop())
	proxyRepo := repository.NewProxyEndpointRepository(db)
	factory := outbound.NewFactory(2 * time.Second)

	h := EasyProxiesRefreshHandler(settings, proxyRepo, testVault(t), factory, zap.NewNop())
	res := h(context.Background(), &jobqueue.Job{Type: JobTypeEasyProxiesRefresh})
	require.Equal(t, jobqueue.OutcomeSuccess, res.Outcome)

	all, err := proxyRepo.FindAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestEasyProxiesRefreshMergesProviderList(t *testing.T) {
	db := newFullSchemaDB(t)
	ctx := context.Background()
	settings := runtimesettings.New(db, zap.NewNop())
	proxyRepo := repository.NewProxyEndpointRepository(db)
	factory := outbound.NewFactory(2 * time.Second)
	vault := testVault(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("http://u:pw@10.0.0.1:3128\nsocks5://10.0.0.2:1080\ngarbage\n"))
	}))
	defer upstream.Close()

	require.NoError(t, settings.Set(ctx, easyProxiesSourceKey, `"`+upstream.URL+`"`, "test"))

	h := EasyProxiesRefreshHandler(settings, proxyRepo, vault, factory, zap.NewNop())
	res := h(ctx, &jobqueue.Job{Type: JobTypeEasyProxiesRefresh})
	require.Equal(t, jobqueue.OutcomeSuccess, res.Outcome)

	all, err := proxyRepo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, ep := range all {
		require.Equal(t, "easy_proxies", ep.Source)
	}
}

func TestImportURLHandlerInsertsCatalogRow(t *testing.T) {
	db := newFullSchemaDB(t)
	ctx := context.Background()
	queue := jobqueue.New(db)
	imageRepo := repository.NewImageRepository(db)
	importRepo := repository.NewImportRepository(db)

	p := ImportURLPayload{
		URL:       "https://i.pximg.net/img-original/img/2023/01/01/00/00/00/12345670_p0.jpg",
		IllustID:  12345670,
		PageIndex: 0,
		Extension: "jpg",
	}
	id, err := EnqueueImportURL(queue, p)(ctx)
	require.NoError(t, err)
	require.NotZero(t, id)

	job, err := queue.Claim(ctx, "w1", time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)

	h := ImportURLHandler(imageRepo, importRepo, func() float64 { return 0.25 })
	res := h(ctx, job)
	require.Equal(t, jobqueue.OutcomeSuccess, res.Outcome)

	img, err := imageRepo.FindByIllustPage(ctx, 12345670, 0)
	require.NoError(t, err)
	require.NotNil(t, img)
	require.Equal(t, 0.25, img.RandomKey)
	require.Equal(t, "/i/1.jpg", img.ProxyPath)

	// re-running the same import is idempotent
	res = h(ctx, job)
	require.Equal(t, jobqueue.OutcomeSuccess, res.Outcome)
}

func TestHydrationRunBatchStampsSummary(t *testing.T) {
	db := newFullSchemaDB(t)
	ctx := context.Background()
	queue := jobqueue.New(db)
	imageRepo := repository.NewImageRepository(db)
	tagRepo := repository.NewTagRepository(db)
	tokenRepo := repository.NewPixivTokenRepository(db)
	bindingRepo := repository.NewTokenProxyBindingRepository(db)
	proxyRepo := repository.NewProxyEndpointRepository(db)
	runRepo := repository.NewHydrationRunRepository(db)
	vault := testVault(t)
	factory := outbound.NewFactory(2 * time.Second)

	enc, err := vault.Encrypt("refresh-token")
	require.NoError(t, err)
	_, err = tokenRepo.Insert(ctx, &models.PixivToken{
		Name: "main", RefreshTokenEnc: enc, RefreshTokenMasked: "***", Enabled: true, Weight: 1,
	})
	require.NoError(t, err)

	_, err = imageRepo.Insert(ctx, &models.Image{
		IllustID: 777, PageIndex: 0, Extension: "jpg",
		OriginalURL: "https://example.test/777.jpg", ProxyPath: "/i/1.jpg", RandomKey: 0.4,
	})
	require.NoError(t, err)

	runID, err := StartHydrationRun(ctx, runRepo, queue, "manual-sweep")
	require.NoError(t, err)

	job, err := queue.Claim(ctx, "w1", time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, JobTypeHydrateMetadata, job.Type)

	cache := tokencache.New(func(key string) (string, time.Duration, error) {
		return "access-token", time.Hour, nil
	}, time.Minute)

	width, height := 800, 600
	title := "hydrated title"
	fetch := func(ctx context.Context, client *http.Client, accessToken string, illustID int64) (*illustMetadata, error) {
		require.Equal(t, "access-token", accessToken)
		return &illustMetadata{
			Width: &width, Height: &height, Title: &title,
			User: &struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			}{ID: 9, Name: "painter"},
			Tags: []struct {
				Name string `json:"name"`
			}{{Name: "scenery"}},
		}, nil
	}

	h := HydrateMetadataHandler(imageRepo, tagRepo, tokenRepo, bindingRepo, proxyRepo, 1,
		vault, selector.New(), cache, factory, runRepo, fetch, zap.NewNop())
	res := h(ctx, job)
	require.Equal(t, jobqueue.OutcomeSuccess, res.Outcome)

	run, err := runRepo.FindByID(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "completed", run.Status)
	require.NotNil(t, run.SummaryJSON)
	require.Contains(t, *run.SummaryJSON, `"hydrated":1`)

	img, err := imageRepo.FindByIllustPage(ctx, 777, 0)
	require.NoError(t, err)
	require.NotNil(t, img.Width)
	require.Equal(t, 800, *img.Width)
	require.True(t, img.HasCompleteMetadata())

	tags, err := tagRepo.ListForImage(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, "scenery", tags[0].Name)
}
