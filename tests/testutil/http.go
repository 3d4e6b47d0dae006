package testutil

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/image-random-service/internal/api"
	"github.com/user/image-random-service/internal/api/handler"
	"github.com/user/image-random-service/internal/authjwt"
	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/outbound"
	"github.com/user/image-random-service/internal/randompick"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/secretvault"
	"github.com/user/image-random-service/internal/selector"
	"github.com/user/image-random-service/internal/stats"
	"github.com/user/image-random-service/internal/streamfetch"
	"github.com/user/image-random-service/internal/worker"
)

// AppConfig tunes the test application NewApp assembles.
type AppConfig struct {
	AdminUsername   string
	AdminPassword   string
	Secret          string
	PixivConfigured bool
}

// App is a fully wired service instance over a migrated temp database,
// served through httptest. The worker is built but not started; call
// StartWorker when a scenario needs the background loop.
type App struct {
	DB       *sql.DB
	Queue    *jobqueue.Queue
	Settings *runtimesettings.Store
	Stats    *stats.Stats
	Vault    *secretvault.Vault
	Issuer   *authjwt.Issuer
	Worker   *worker.Worker

	ImageRepo repository.ImageRepository
	TagRepo   repository.TagRepository

	Server *httptest.Server
}

// NewApp assembles a reduced version of the dependency graph cmd/imagesvc
// builds, against a fresh temp database, and serves it via httptest. There
// is no imgproxy config, dedup or token cache, and the worker registers
// only the import_url handler and runs no sub-loops.
func NewApp(t *testing.T, cfg AppConfig) *App {
	t.Helper()

	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin"
	}
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = "admin123"
	}
	if cfg.Secret == "" {
		cfg.Secret = "e2e-test-secret"
	}

	db := NewTestDB(t)
	logger := zap.NewNop()

	key, err := secretvault.GenerateKey()
	require.NoError(t, err)
	vault, err := secretvault.Open(key)
	require.NoError(t, err)

	settings := runtimesettings.New(db, logger)
	queue := jobqueue.New(db)
	randomStats := stats.New()
	issuer := authjwt.NewIssuer(cfg.Secret, authjwt.DefaultTTL)
	sel := selector.New()
	factory := outbound.NewFactory(5 * time.Second)
	fetcher := streamfetch.New(factory)
	engine := randompick.New(db)

	imageRepo := repository.NewImageRepository(db)
	tagRepo := repository.NewTagRepository(db)
	tokenRepo := repository.NewPixivTokenRepository(db)
	proxyRepo := repository.NewProxyEndpointRepository(db)
	proxyPoolRepo := repository.NewProxyPoolRepository(db)
	bindingRepo := repository.NewTokenProxyBindingRepository(db)
	apiKeyRepo := repository.NewAPIKeyRepository(db)
	importRepo := repository.NewImportRepository(db)

	poolID, err := proxyPoolRepo.FindOrCreate(context.Background(), "default")
	require.NoError(t, err)

	randomDeps := &handler.RandomDeps{
		Engine:          engine,
		ImageRepo:       imageRepo,
		TagRepo:         tagRepo,
		TokenRepo:       tokenRepo,
		BindingRepo:     bindingRepo,
		ProxyRepo:       proxyRepo,
		PoolRepo:        proxyPoolRepo,
		ProxyPoolID:     poolID,
		Vault:           vault,
		Selector:        sel,
		Factory:         factory,
		Fetcher:         fetcher,
		Queue:           queue,
		Settings:        settings,
		Stats:           randomStats,
		Logger:          logger,
		PixivConfigured: cfg.PixivConfigured,
	}

	w := worker.New(queue, settings, logger, worker.Options{
		IdleInterval: 20 * time.Millisecond,
	})
	var keySeq int
	w.Register(worker.JobTypeImportURL, worker.ImportURLHandler(imageRepo, importRepo, func() float64 {
		keySeq++
		return float64(keySeq%97) / 97.0
	}))

	srv := api.NewServer(api.ServerDeps{
		DB:       db,
		Logger:   logger,
		Settings: settings,
		Queue:    queue,
		Stats:    randomStats,
		Issuer:   issuer,

		ImageRepo:  imageRepo,
		TagRepo:    tagRepo,
		APIKeyRepo: apiKeyRepo,

		Random: randomDeps,

		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,

		HeartbeatStaleSeconds: 60,
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &App{
		DB:        db,
		Queue:     queue,
		Settings:  settings,
		Stats:     randomStats,
		Vault:     vault,
		Issuer:    issuer,
		Worker:    w,
		ImageRepo: imageRepo,
		TagRepo:   tagRepo,
		Server:    ts,
	}
}

// StartWorker runs the background loop until the test ends.
func (a *App) StartWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a.Worker.Start(ctx)
	t.Cleanup(func() {
		a.Worker.Stop()
		cancel()
	})
}

// WaitForQueueDrain polls until no pending/running/failed jobs remain.
func (a *App) WaitForQueueDrain(t *testing.T, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := a.Queue.StatusCounts(context.Background())
		require.NoError(t, err)
		return counts[jobqueue.StatusPending] == 0 &&
			counts[jobqueue.StatusRunning] == 0 &&
			counts[jobqueue.StatusFailed] == 0
	}, timeout, 25*time.Millisecond)
}
