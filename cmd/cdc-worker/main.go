package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/cdc"
	"github.com/linkarc/link-core/internal/config"
	"github.com/linkarc/link-core/internal/natsclient"
	"github.com/linkarc/link-core/internal/telemetry"
)

const serviceName = "cdc-worker"

// repairInterval is how often stale PENDING rows are swept back through
// the projector.
const repairInterval = 30 * time.Second

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
		mp, err := telemetry.InitMeterProvider(context.Background(), cfg.Service.Name, endpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- NATS JetStream ---
	natsClient, err := natsclient.NewClient(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// --- Database (query side) ---
	// The replication connection only speaks the WAL protocol; slot
	// inspection, repair reads and reconciliation run on a regular pool.
	poolCfg, err := pgxpool.ParseConfig(queryURL(cfg.PG.URL))
	if err != nil {
		logger.Fatal("failed to parse pg url", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	replURL := os.Getenv("PG_REPLICATION_URL")
	if replURL == "" {
		replURL = replicationURL(cfg.PG.URL)
	}

	// --- Worker ---
	router := cdc.NewRouter(cfg.CDC.TopicMap, cfg.CDC.DefaultTopic)
	worker, err := cdc.NewWorker(cdc.Config{
		ReplicationURL: replURL,
		DB:             pool,
		Projector:      cdc.NewProjector(router, cfg.CDC.DefaultTraceFlags, logger),
		Publisher:      cdc.NewPublisher(natsClient.JS),
		Reconciler:     cdc.NewReconciler(pool, cfg.CDC.ReconcileInterval(), logger),
		RepairInterval: repairInterval,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("worker init failed", zap.Error(err))
	}

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("replication worker failed", zap.Error(err))
	}
	logger.Info("cdc-worker shut down cleanly")
}

// replicationURL appends replication=database, which the streaming
// connection requires and regular query connections reject.
func replicationURL(pgURL string) string {
	if strings.Contains(pgURL, "replication=") {
		return pgURL
	}
	if strings.Contains(pgURL, "?") {
		return pgURL + "&replication=database"
	}
	return pgURL + "?replication=database"
}

// queryURL strips replication=database so the same PG_URL can feed both
// connection kinds.
func queryURL(pgURL string) string {
	u := strings.ReplaceAll(pgURL, "?replication=database&", "?")
	u = strings.ReplaceAll(u, "&replication=database", "")
	return strings.ReplaceAll(u, "?replication=database", "")
}
