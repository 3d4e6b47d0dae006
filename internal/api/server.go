package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/image-random-service/internal/api/handler"
	"github.com/user/image-random-service/internal/api/middleware"
	"github.com/user/image-random-service/internal/authjwt"
	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/stats"
)

// Server wraps the HTTP router and its dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds every collaborator the public and admin HTTP surface
// composes.
type ServerDeps struct {
	DB       *sql.DB
	Logger   *zap.Logger
	Settings *runtimesettings.Store
	Queue    *jobqueue.Queue
	Stats    *stats.Stats
	Issuer   *authjwt.Issuer

	ImageRepo  repository.ImageRepository
	TagRepo    repository.TagRepository
	APIKeyRepo repository.APIKeyRepository

	Random *handler.RandomDeps

	AdminUsername string
	AdminPassword string

	HeartbeatStaleSeconds int

	PublicAPIKeyRequired bool
	PublicAPIKeyRPM      int
	PublicAPIKeyBurst    int
	PublicAPIKeySecret   string
}

// NewServer builds the gin engine and mounts the public and admin HTTP
// surface.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())

	serveDeps := &handler.ServeDeps{ImageRepo: deps.ImageRepo, Random: deps.Random}
	catalogDeps := &handler.CatalogDeps{ImageRepo: deps.ImageRepo, TagRepo: deps.TagRepo}
	healthHandler := handler.NewHealthHandler(deps.DB, deps.Settings, deps.Queue, deps.HeartbeatStaleSeconds)
	authHandler := handler.NewAuthHandler(deps.Issuer, deps.AdminUsername, deps.AdminPassword, logger)
	requireAdmin := middleware.RequireAdmin(deps.Issuer, deps.AdminUsername)
	apiKeyAuth := middleware.APIKeyAuth(deps.APIKeyRepo, deps.PublicAPIKeySecret, deps.PublicAPIKeyRequired, deps.PublicAPIKeyRPM, deps.PublicAPIKeyBurst)

	// Health/version: unauthenticated liveness surface.
	r.GET("/healthz", healthHandler.Health)
	r.GET("/version", handler.Version)

	// Metrics: admin-authenticated.
	r.GET("/metrics", requireAdmin, handler.MetricsHandler(deps.Stats))

	// Admin session.
	adminGroup := r.Group("/admin/api")
	{
		adminGroup.POST("/login", authHandler.Login)
		adminGroup.POST("/logout", requireAdmin, authHandler.Logout)
	}

	// Public read-only catalog listing/detail.
	r.GET("/images", handler.ListImages(catalogDeps))
	r.GET("/images/:id", handler.GetImage(catalogDeps))
	r.GET("/tags", handler.ListTags(catalogDeps))
	r.GET("/authors", handler.ListAuthors(catalogDeps))

	// Random-pick, API-key gated when configured.
	r.GET("/random", apiKeyAuth, handler.RandomHandler(deps.Random))

	// Serve by image id / legacy illust id.
	r.GET("/i/:idext", handler.ServeByImageID(serveDeps))
	r.GET("/:idext", handler.ServeByIllustID(serveDeps))

	return &Server{router: r, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run starts the HTTP server directly, without graceful shutdown. Nothing in
// this module calls it: cmd/imagesvc wires its own *http.Server for graceful
// shutdown, and the tests drive the Server through httptest.
func (s *Server) Run(addr string) error {
	s.logger.Info("starting server", zap.String("addr", addr))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return srv.ListenAndServe()
}
