package main

import (
	"context"
	"fmt"
	"log"
	mathrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/user/image-random-service/internal/api"
	"github.com/user/image-random-service/internal/api/handler"
	"github.com/user/image-random-service/internal/authjwt"
	"github.com/user/image-random-service/internal/config"
	"github.com/user/image-random-service/internal/database"
	"github.com/user/image-random-service/internal/imgproxy"
	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/logging"
	"github.com/user/image-random-service/internal/outbound"
	"github.com/user/image-random-service/internal/pixivoauth"
	"github.com/user/image-random-service/internal/randompick"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/secretvault"
	"github.com/user/image-random-service/internal/selector"
	"github.com/user/image-random-service/internal/stats"
	"github.com/user/image-random-service/internal/streamfetch"
	"github.com/user/image-random-service/internal/tokencache"
	"github.com/user/image-random-service/internal/version"
	"github.com/user/image-random-service/internal/worker"
)

const defaultProxyPoolName = "default"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("image-random-service - %s\n\n", version.Short())
	fmt.Println("Usage: imagesvc [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --init         Generate .env.example configuration template")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without options, starts the image random-pick service.")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Use environment variables or .env file (see .env.example)")
	fmt.Println("  Run 'imagesvc --init' to generate configuration template")
}

func getLogDir() string {
	if dir := os.Getenv("APP_LOGS_DIR"); dir != "" {
		return dir
	}
	return "logs"
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := getLogDir()
	logger, err := logging.New(cfg.Server.LogLevel, logDir, logging.Rotation{
		MaxSizeMB:  cfg.LogRotation.MaxSizeMB,
		MaxBackups: cfg.LogRotation.MaxBackups,
		MaxAgeDays: cfg.LogRotation.MaxAgeDays,
		Compress:   cfg.LogRotation.Compress,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting image-random-service",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Second, read-only pool for the random-pick scans so they never queue
	// behind the writer's busy timeout.
	rodb, err := database.NewReadOnly(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init read-only database: %w", err)
	}
	defer rodb.Close()

	// Secret vault: field-level encryption for credential/proxy passwords.
	// Dev mode persists a generated key under data/ so restarts keep working
	// without an operator-supplied FIELD_ENCRYPTION_KEY.
	encKey := cfg.Security.FieldEncryptionKey
	if encKey == "" && cfg.Security.FieldEncryptionKeyFile != "" {
		encKey, err = secretvault.LoadOrGenerateKeyFile(cfg.Security.FieldEncryptionKeyFile)
		if err != nil {
			return fmt.Errorf("load field encryption key: %w", err)
		}
	}
	if encKey == "" && cfg.Env == "dev" {
		encKey, err = secretvault.LoadOrGenerateKeyFile("data/field_encryption.key")
		if err != nil {
			return fmt.Errorf("generate dev field encryption key: %w", err)
		}
	}
	vault, err := secretvault.Open(encKey)
	if err != nil && err != secretvault.ErrNotConfigured {
		return fmt.Errorf("open secret vault: %w", err)
	}

	settings := runtimesettings.New(db, logger)
	queue := jobqueue.New(db)
	randomStats := stats.New()
	if err := randomStats.LoadFromSettings(context.Background(), settings); err != nil {
		logger.Warn("load stats from settings", zap.Error(err))
	}

	issuer := authjwt.NewIssuer(cfg.Security.SecretKey, authjwt.DefaultTTL)
	sel := selector.New()
	factory := outbound.NewFactory(120 * time.Second)
	fetcher := streamfetch.New(factory)
	engine := randompick.New(rodb)
	dedup := randompick.NewDedup(randompick.DefaultDedupOptions())

	imgproxyCfg, err := imgproxy.LoadFromEnv(map[string]string{
		"IMGPROXY_BASE_URL":        cfg.Imgproxy.BaseURL,
		"IMGPROXY_KEY":             cfg.Imgproxy.Key,
		"IMGPROXY_SALT":            cfg.Imgproxy.Salt,
		"IMGPROXY_MAX_DIM":         fmt.Sprintf("%d", cfg.Imgproxy.MaxDim),
		"IMGPROXY_DEFAULT_OPTIONS": cfg.Imgproxy.DefaultOptions,
		"IMGPROXY_URL_CHUNK_SIZE":  fmt.Sprintf("%d", cfg.Imgproxy.URLChunkSize),
	})
	if err != nil {
		return fmt.Errorf("load imgproxy config: %w", err)
	}

	imageRepo := repository.NewImageRepository(db)
	tagRepo := repository.NewTagRepository(db)
	tokenRepo := repository.NewPixivTokenRepository(db)
	proxyRepo := repository.NewProxyEndpointRepository(db)
	proxyPoolRepo := repository.NewProxyPoolRepository(db)
	bindingRepo := repository.NewTokenProxyBindingRepository(db)
	apiKeyRepo := repository.NewAPIKeyRepository(db)
	importRepo := repository.NewImportRepository(db)
	requestLogRepo := repository.NewRequestLogRepositoryImpl(db, logger)
	hydrationRunRepo := repository.NewHydrationRunRepository(db)

	proxyPoolID, err := proxyPoolRepo.FindOrCreate(context.Background(), defaultProxyPoolName)
	if err != nil {
		return fmt.Errorf("ensure default proxy pool: %w", err)
	}

	pixivConfigured := cfg.Pixiv.OAuthClientID != "" && cfg.Pixiv.OAuthClientSecret != ""
	pixivCfg := pixivoauth.Config{
		ClientID:     cfg.Pixiv.OAuthClientID,
		ClientSecret: cfg.Pixiv.OAuthClientSecret,
		HashSecret:   cfg.Pixiv.OAuthHashSecret,
	}

	tokenCache := tokencache.New(func(key string) (string, time.Duration, error) {
		tokenID, err := parseTokenCacheKey(key)
		if err != nil {
			return "", 0, err
		}
		tok, err := tokenRepo.FindByID(context.Background(), tokenID)
		if err != nil || tok == nil {
			return "", 0, fmt.Errorf("tokencache: token %d not found", tokenID)
		}
		refreshToken, err := vault.Decrypt(tok.RefreshTokenEnc)
		if err != nil {
			return "", 0, fmt.Errorf("tokencache: decrypt refresh token: %w", err)
		}
		client, err := factory.Build(outbound.ClientOptions{})
		if err != nil {
			return "", 0, err
		}
		defer client.CloseIdleConnections()
		result, err := pixivoauth.Refresh(context.Background(), client, pixivCfg, refreshToken)
		if err != nil {
			return "", 0, err
		}
		return result.AccessToken, result.ExpiresIn, nil
	}, 60*time.Second)

	randomDeps := &handler.RandomDeps{
		Engine:          engine,
		ImageRepo:       imageRepo,
		TagRepo:         tagRepo,
		TokenRepo:       tokenRepo,
		BindingRepo:     bindingRepo,
		ProxyRepo:       proxyRepo,
		PoolRepo:        proxyPoolRepo,
		ProxyPoolID:     proxyPoolID,
		Vault:           vault,
		Selector:        sel,
		Factory:         factory,
		Fetcher:         fetcher,
		Queue:           queue,
		Settings:        settings,
		Imgproxy:        imgproxyCfg,
		Stats:           randomStats,
		Logger:          logger,
		Dedup:           dedup,
		PixivConfigured: pixivConfigured,
	}

	// Worker: handler registry + periodic sub-loops.
	subLoops := []worker.SubLoop{
		{Name: "proxy_probe", Interval: 5 * time.Minute, Run: worker.EnqueueProxyProbe(queue)},
		{Name: "easy_proxies_refresh", Interval: time.Hour, Run: worker.EnqueueEasyProxiesRefresh(queue)},
		{Name: "request_log_cleanup", Interval: 24 * time.Hour, Run: worker.EnqueueRequestLogCleanup(queue)},
		{Name: "stats_flush", Interval: 5 * time.Minute, Run: func(ctx context.Context) error {
			return randomStats.Flush(ctx, settings)
		}},
	}
	if pixivConfigured {
		subLoops = append(subLoops, worker.SubLoop{
			Name: "token_refresh_sweep", Interval: 6 * time.Hour,
			Run: worker.EnqueueTokenRefreshSweep(queue, tokenRepo),
		})
	}
	w := worker.New(queue, settings, logger, worker.Options{SubLoops: subLoops})

	w.Register(worker.JobTypeProxyProbe, worker.ProxyProbeHandler(proxyRepo, vault, factory, logger))
	w.Register(worker.JobTypeEasyProxiesRefresh, worker.EasyProxiesRefreshHandler(settings, proxyRepo, vault, factory, logger))
	w.Register(worker.JobTypeRequestLogCleanup, worker.RequestLogCleanupHandler(requestLogRepo, 30*24*time.Hour))
	w.Register(worker.JobTypeImportURL, worker.ImportURLHandler(imageRepo, importRepo, mathRandFloat))

	metadataClient, err := factory.Build(outbound.ClientOptions{})
	if err != nil {
		return fmt.Errorf("build metadata client: %w", err)
	}
	w.Register(worker.JobTypeHealURL, worker.HealURLHandler(imageRepo, worker.NewHTTPURLResolver(metadataClient), logger))
	w.Register(worker.JobTypeHydrateMetadata, worker.HydrateMetadataHandler(
		imageRepo, tagRepo, tokenRepo, bindingRepo, proxyRepo, proxyPoolID,
		vault, sel, tokenCache, factory, hydrationRunRepo, worker.DefaultMetadataFetcher, logger,
	))
	w.Register(worker.JobTypeTokenRefresh, worker.TokenRefreshHandler(tokenRepo, vault, func(refreshToken string) (string, time.Duration, bool, error) {
		client, err := factory.Build(outbound.ClientOptions{})
		if err != nil {
			return "", 0, false, err
		}
		defer client.CloseIdleConnections()
		tok, err := pixivoauth.Refresh(context.Background(), client, pixivCfg, refreshToken)
		if err != nil {
			return "", 0, pixivoauth.IsAuthFailure(err), err
		}
		return tok.AccessToken, tok.ExpiresIn, false, nil
	}))

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	w.Start(workerCtx)
	logger.Info("worker started", zap.String("worker_id", w.ID()))

	server := api.NewServer(api.ServerDeps{
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

		AdminUsername: cfg.Security.AdminUsername,
		AdminPassword: cfg.Security.AdminPassword,

		HeartbeatStaleSeconds: cfg.Worker.HeartbeatStaleSeconds,

		PublicAPIKeyRequired: cfg.PublicAPI.Required,
		PublicAPIKeyRPM:      cfg.PublicAPI.RPM,
		PublicAPIKeyBurst:    cfg.PublicAPI.Burst,
		PublicAPIKeySecret:   cfg.Security.SecretKey,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	w.Stop()
	cancelWorker()

	if err := randomStats.Flush(context.Background(), settings); err != nil {
		logger.Warn("flush stats", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func mathRandFloat() float64 {
	return mathrand.Float64()
}

func parseTokenCacheKey(key string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(key, "pixiv_token:%d", &id)
	if err != nil {
		return 0, fmt.Errorf("tokencache: unparseable key %q: %w", key, err)
	}
	return id, nil
}
