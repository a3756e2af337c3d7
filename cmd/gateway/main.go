package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/claimcache"
	"github.com/linkarc/link-core/internal/config"
	"github.com/linkarc/link-core/internal/gateway"
	"github.com/linkarc/link-core/internal/stdcontext"
	"github.com/linkarc/link-core/internal/telemetry"
)

const serviceName = "gateway"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(serviceName)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	// --- OpenTelemetry ---
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), cfg.Service.Name, endpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", endpoint))
		}
	}

	// --- Claim cache (Redis) ---
	var store *claimcache.Store
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("failed to parse redis url", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Redis connection failed", zap.Error(err))
		}
		logger.Info("Redis connected", zap.String("addr", opts.Addr))
		store = claimcache.New(rdb, cfg.Cache.TTLCap(), cfg.Cache.Timeout(), logger)
	} else {
		logger.Warn("no redis url configured, claim cache disabled")
	}

	// --- Token validator (JWKS) ---
	var validator gateway.Validator
	if cfg.JWKS.URL != "" {
		v, err := gateway.NewJWKSValidator(cfg.JWKS.URL)
		if err != nil {
			logger.Fatal("JWKS validator init failed", zap.Error(err))
		}
		validator = v
		logger.Info("JWKS validator ready", zap.String("url", cfg.JWKS.URL))
	} else {
		logger.Warn("no jwks url configured, bearer tokens cannot be validated")
	}

	establisher := gateway.NewEstablisher(
		cfg.Service.Name, store, validator,
		gateway.DefaultTransactionTypes(), cfg.Auth.RequireAuth, logger,
	)
	links := gateway.NewLinksClient(cfg.Upstream.LinksURL, 10*time.Second)

	// --- HTTP Server ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(cfg.Service.Name))
	e.Use(establisher.Middleware())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			stdcontext.Logger(c.Request().Context()).Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	gateway.NewHandler(links).Register(e)

	go func() {
		logger.Info("gateway HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := e.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("gateway shut down cleanly")
}
