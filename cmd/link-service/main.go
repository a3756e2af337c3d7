package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/config"
	"github.com/linkarc/link-core/internal/jobs"
	"github.com/linkarc/link-core/internal/links"
	"github.com/linkarc/link-core/internal/outbox"
	"github.com/linkarc/link-core/internal/propagate"
	"github.com/linkarc/link-core/internal/stdcontext"
	"github.com/linkarc/link-core/internal/telemetry"
)

const serviceName = "link-service"

// expireBatchSize bounds how many links one expiry sweep removes.
const expireBatchSize = 256

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

	// --- Database ---
	poolCfg, err := pgxpool.ParseConfig(cfg.PG.URL)
	if err != nil {
		logger.Fatal("failed to parse pg url", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	// --- Link cache (Redis) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("failed to parse redis url", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Redis connection failed", zap.Error(err))
		}
		logger.Info("Redis connected", zap.String("addr", opts.Addr))
	} else {
		logger.Warn("no redis url configured, serving links without a cache")
	}

	// --- Service ---
	svc := links.NewService(pool, rdb, cfg.Cache.TTLCap(), cfg.Cache.Timeout())
	outboxQueries := outbox.New(pool)

	// --- Scheduled jobs ---
	scheduler := jobs.NewScheduler(cfg.Service.Name, logger)
	err = scheduler.Add(jobs.Job{
		Name: "expire-links",
		Spec: "0 * * * * *",
		Run: func(ctx context.Context) error {
			n, err := svc.ExpireLinks(ctx, time.Now(), expireBatchSize)
			if err != nil {
				return err
			}
			if n > 0 {
				stdcontext.Logger(ctx).Info("expired links removed", zap.Int64("links", n))
			}
			return nil
		},
	})
	if err != nil {
		logger.Fatal("failed to schedule expire-links", zap.Error(err))
	}
	err = scheduler.Add(jobs.Job{
		Name: "outbox-cleanup",
		Spec: "@every " + cfg.Outbox.CleanupInterval().String(),
		Run: func(ctx context.Context) error {
			cutoff := pgtype.Timestamptz{Time: time.Now().Add(-cfg.Outbox.Retention()), Valid: true}
			n, err := outboxQueries.DeleteProcessedBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				stdcontext.Logger(ctx).Info("processed outbox rows deleted", zap.Int64("rows", n))
			}
			return nil
		},
	})
	if err != nil {
		logger.Fatal("failed to schedule outbox-cleanup", zap.Error(err))
	}

	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()
	scheduler.Start(jobCtx)

	// --- HTTP Server ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(cfg.Service.Name))
	e.Use(propagate.Middleware(cfg.Service.Name, logger))
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

	links.NewHandler(svc).Register(e)

	go func() {
		logger.Info("link-service HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
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

	jobCancel()
	scheduler.Stop()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("link-service shut down cleanly")
}
