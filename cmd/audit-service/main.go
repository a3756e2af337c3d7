package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/audit"
	"github.com/linkarc/link-core/internal/config"
	"github.com/linkarc/link-core/internal/consumer"
	"github.com/linkarc/link-core/internal/natsclient"
	"github.com/linkarc/link-core/internal/propagate"
	"github.com/linkarc/link-core/internal/stdcontext"
	"github.com/linkarc/link-core/internal/telemetry"
)

const serviceName = "audit-service"

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

	// --- NATS JetStream ---
	natsClient, err := natsclient.NewClient(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// --- Event consumer ---
	queries := audit.New(pool)
	recorder := audit.NewRecorder(queries, logger)

	sub, err := consumer.NewSubscriber(natsClient, consumer.Config{
		Durable:     serviceName,
		ServiceName: cfg.Service.Name,
		Logger:      logger,
	}, recorder.Handle)
	if err != nil {
		logger.Fatal("subscriber init failed", zap.Error(err))
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()
	if err := sub.Start(consumerCtx); err != nil {
		logger.Fatal("failed to start event consumer", zap.Error(err))
	}

	// --- HTTP Server (read API) ---
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

	audit.RegisterRoutes(e, queries)

	go func() {
		logger.Info("audit-service HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
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

	consumerCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("audit-service shut down cleanly")
}
