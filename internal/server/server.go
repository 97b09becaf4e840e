package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/zhejian/linkshortener/internal/analytics"
	"github.com/zhejian/linkshortener/internal/api"
	"github.com/zhejian/linkshortener/internal/cache"
	"github.com/zhejian/linkshortener/internal/clicks"
	"github.com/zhejian/linkshortener/internal/config"
	"github.com/zhejian/linkshortener/internal/middleware"
	"github.com/zhejian/linkshortener/internal/observability"
	"github.com/zhejian/linkshortener/internal/qrcode"
	"github.com/zhejian/linkshortener/internal/ratelimit"
	"github.com/zhejian/linkshortener/internal/repository"
	"github.com/zhejian/linkshortener/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter initializes all dependencies and returns a configured Gin router.
// This is useful for testing where you don't need the full HTTP server.
// rdb may be nil, in which case caching is disabled and rate limiting is
// process-local. A nil dispatcher drops clicks.
func NewRouter(cfg *config.Config, db *pgxpool.Pool, rdb redis.Cmdable, dispatcher service.ClickDispatcher, obs *observability.Observability) *gin.Engine {
	logger := obs.Logger

	linkRepo := repository.NewLinkRepository(db)
	clickRepo := repository.NewClickRepository(db)

	urlCache := cache.New(rdb, cache.Options{OpTimeout: cfg.Cache.OpTimeout}, logger)
	limiter := ratelimit.New(rdb, ratelimit.Options{
		Limit:     cfg.RateLimit.Limit,
		Window:    cfg.RateLimit.Window,
		OpTimeout: cfg.RateLimit.OpTimeout,
	}, logger)

	linkService := service.NewLinkService(
		linkRepo,
		urlCache,
		service.NewShortCodeGenerator(cfg.App.ShortCodeLen, nil),
		dispatcher,
		qrcode.NewRenderer(),
		service.Options{
			BaseURL:     cfg.App.BaseURL,
			MaxRetries:  cfg.App.ShortCodeRetries,
			CacheTTL:    cfg.Cache.TTL,
			MinAliasLen: cfg.App.MinAliasLen,
			MaxAliasLen: cfg.App.MaxAliasLen,
			QRSize:      cfg.App.QRSize,
		},
		logger,
	)
	analyticsService := analytics.NewService(linkRepo, clickRepo)

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	metrics := middleware.NewHTTPMetrics(obs.Registry)

	r := gin.New()
	r.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.Observability.ServiceName),
		middleware.Logging(logger),
		metrics.Handler(),
	)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(obs.Registry, promhttp.HandlerOpts{})))

	handler := api.NewHandler(linkService, analyticsService, db, urlCache, logger)
	handler.RegisterRoutes(r, auth.Require(), middleware.RateLimit(limiter))
	return r
}

// NewServer initializes all dependencies and returns a configured HTTP server.
// This includes the router plus HTTP server settings (timeouts, address, etc.).
func NewServer(cfg *config.Config, db *pgxpool.Pool, rdb redis.Cmdable, dispatcher service.ClickDispatcher, obs *observability.Observability) *http.Server {
	router := NewRouter(cfg, db, rdb, dispatcher, obs)

	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// NewRecorder builds the click recorder shared by the in-process sink and
// the analytics worker.
func NewRecorder(cfg *config.Config, db *pgxpool.Pool, logger *slog.Logger) *clicks.Recorder {
	geo := clicks.NewGeoLocator(clicks.GeoOptions{
		BaseURL:          cfg.Geo.BaseURL,
		Timeout:          cfg.Geo.Timeout,
		BreakerFailures:  cfg.Geo.BreakerFailures,
		BreakerOpenDelay: cfg.Geo.BreakerOpenDelay,
	}, logger)

	return clicks.NewRecorder(
		repository.NewLinkRepository(db),
		repository.NewClickRepository(db),
		geo,
		clicks.RecorderOptions{Retries: cfg.Clicks.PersistRetries},
		logger,
	)
}
