package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/medbook/scheduler/internal/config"
	"github.com/medbook/scheduler/internal/domain/scheduling"
	"github.com/medbook/scheduler/internal/platform/auth"
	"github.com/medbook/scheduler/internal/platform/db"
	"github.com/medbook/scheduler/internal/platform/middleware"
	"github.com/medbook/scheduler/internal/platform/telemetry"
	"github.com/medbook/scheduler/migrations"
)

const serviceName = "scheduler-server"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", serviceName).Logger()
}

// routerDeps carries everything newRouter needs that touches the network.
type routerDeps struct {
	scheduling *scheduling.Handler
	pinger     db.Pinger
	stats      db.StatsFunc
	limiter    echo.MiddlewareFunc
}

func newRouter(cfg *config.Config, logger zerolog.Logger, deps routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(telemetry.RouteSpan())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("64K"))
	if deps.limiter != nil {
		e.Use(deps.limiter)
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.AuthSigningKey == "" {
		jwtCfg.SigningKey = nil
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(deps.pinger, deps.stats, 5*time.Second))

	apiV1 := e.Group("/api/v1")
	deps.scheduling.RegisterRoutes(apiV1)

	return e
}

// rateLimitConfig overlays the configured rate and burst on the in-process
// defaults. Non-positive values keep the default.
func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// newRateLimiter picks the Redis limiter when REDIS_URL is set so every
// replica shares one budget, and the in-process limiter otherwise. The
// returned closer releases the Redis client.
func newRateLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (echo.MiddlewareFunc, func() error, error) {
	if cfg.RedisURL == "" {
		return middleware.RateLimit(rateLimitConfig(cfg)), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup; rate limiter will retry per request")
	}

	// Same average rate as the token bucket, counted over a fixed window.
	limit := int(cfg.RateLimitRPS * cfg.RateLimitWindow.Seconds())
	if limit < cfg.RateLimitBurst {
		limit = cfg.RateLimitBurst
	}
	rl := middleware.NewRedisRateLimiter(rdb, limit, cfg.RateLimitWindow, serviceName+":rl")
	return rl.Middleware(logger, cfg.RateLimitFailOpen), rdb.Close, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode: requests without a token act as admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	if cfg.AutoMigrate {
		if err := autoMigrate(ctx, cfg, logger); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	limiter, closeLimiter, err := newRateLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLimiter() }()

	appts := scheduling.NewAppointmentRepoPG(pool)
	dir := scheduling.NewDirectoryRepoPG(pool)
	engine := scheduling.NewEngine(db.NewTxManager(pool), appts, dir,
		scheduling.WithRetries(cfg.StoreRetries),
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
	)
	handler := scheduling.NewHandler(engine, scheduling.NewQueryService(appts, dir))

	e := newRouter(cfg, logger, routerDeps{
		scheduling: handler,
		pinger:     pool,
		stats:      db.StatsOf(pool),
		limiter:    limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(e, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func autoMigrate(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, cfg.DBSchema)
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	logger.Info().Int("applied", count).Str("schema", cfg.DBSchema).Msg("migrations applied")
	return nil
}
