package cdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/outbox"
)

const (
	// SlotName is the logical replication slot the worker owns.
	SlotName = "outbox_slot"
	// PublicationName must cover the outbox_events table.
	PublicationName = "outbox_pub"

	outputPlugin    = "pgoutput"
	standbyTimeout  = 10 * time.Second
	repairBatchSize = 256
)

// Config wires a Worker.
type Config struct {
	// ReplicationURL is a postgres URL with replication=database.
	ReplicationURL string
	// DB is a regular pool used for slot inspection, repair reads and
	// reconciliation. It must not be the replication connection.
	DB outbox.DBTX

	Projector  *Projector
	Publisher  messagePublisher
	Reconciler *Reconciler

	// RepairInterval is how often the worker re-publishes stale PENDING
	// rows the replication stream failed to deliver. Zero disables the
	// sweep.
	RepairInterval time.Duration
	// RepairMinAge keeps the sweep away from rows the live stream is
	// still acknowledging.
	RepairMinAge time.Duration

	Logger *zap.Logger
}

type messagePublisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Worker tails the write-ahead log and projects committed outbox inserts
// into the broker.
type Worker struct {
	cfg     Config
	decoder *Decoder
	queries *outbox.Queries
	logger  *zap.Logger

	projected metric.Int64Counter
	failed    metric.Int64Counter
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.ReplicationURL == "" {
		return nil, errors.New("cdc: ReplicationURL is required")
	}
	if cfg.DB == nil {
		return nil, errors.New("cdc: DB is required")
	}
	if cfg.Projector == nil || cfg.Publisher == nil || cfg.Reconciler == nil {
		return nil, errors.New("cdc: projector, publisher and reconciler are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RepairMinAge <= 0 {
		cfg.RepairMinAge = 30 * time.Second
	}

	meter := otel.Meter("link-core/cdc")
	projected, err := meter.Int64Counter("outbox_rows_projected_total")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("outbox_rows_failed_total")
	if err != nil {
		return nil, err
	}

	return &Worker{
		cfg:       cfg,
		decoder:   NewDecoder(),
		queries:   outbox.New(cfg.DB),
		logger:    cfg.Logger,
		projected: projected,
		failed:    failed,
	}, nil
}

// Run connects to the replication stream and projects rows until ctx is
// canceled. The reconciler and the repair sweep run on their own
// goroutines for the lifetime of Run.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, w.cfg.ReplicationURL)
	if err != nil {
		return fmt.Errorf("replication connect: %w", err)
	}
	defer conn.Close(context.Background())

	w.createSlot(ctx, conn)

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	w.logger.Info("replication source identified",
		zap.String("system_id", sysident.SystemID),
		zap.Int32("timeline", sysident.Timeline),
		zap.String("xlogpos", sysident.XLogPos.String()))

	startLSN := w.resolveStartLSN(ctx, sysident.XLogPos)

	err = pglogrepl.StartReplication(ctx, conn, SlotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '2'",
			fmt.Sprintf("publication_names '%s'", PublicationName),
		},
	})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	w.logger.Info("logical replication started",
		zap.String("slot", SlotName),
		zap.String("publication", PublicationName),
		zap.String("lsn", startLSN.String()))

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.cfg.Reconciler.Run(runCtx)
	}()
	if w.cfg.RepairInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.repairLoop(runCtx)
		}()
	}

	err = w.stream(ctx, conn, startLSN)
	stop()
	wg.Wait()
	return err
}

// createSlot is idempotent: on a restart the slot already exists and the
// create fails, which is fine.
func (w *Worker) createSlot(ctx context.Context, conn *pgconn.PgConn) {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, SlotName, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		w.logger.Warn("replication slot not created, assuming it exists",
			zap.String("slot", SlotName), zap.Error(err))
		return
	}
	w.logger.Info("replication slot created", zap.String("slot", SlotName))
}

// resolveStartLSN resumes from the slot's confirmed flush position so rows
// written while the worker was down are replayed. Falls back to the
// current head when the slot has never confirmed anything.
func (w *Worker) resolveStartLSN(ctx context.Context, fallback pglogrepl.LSN) pglogrepl.LSN {
	var confirmed *string
	err := w.cfg.DB.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		SlotName,
	).Scan(&confirmed)
	if err != nil || confirmed == nil {
		w.logger.Warn("no confirmed flush position, starting from current head", zap.Error(err))
		return fallback
	}
	lsn, err := pglogrepl.ParseLSN(*confirmed)
	if err != nil {
		w.logger.Warn("confirmed flush position unparseable, starting from current head",
			zap.String("lsn", *confirmed), zap.Error(err))
		return fallback
	}
	return lsn
}

func (w *Worker) stream(ctx context.Context, conn *pgconn.PgConn, startLSN pglogrepl.LSN) error {
	clientXLogPos := startLSN
	nextStandby := time.Now().Add(standbyTimeout)

	for {
		if ctx.Err() != nil {
			w.logger.Info("replication stream stopping")
			return nil
		}

		if time.Now().After(nextStandby) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: clientXLogPos,
			})
			if err != nil {
				return fmt.Errorf("standby status update: %w", err)
			}
			nextStandby = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				w.logger.Info("replication stream stopping")
				return nil
			}
			return fmt.Errorf("receive message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("postgres wal error %s: %s", errMsg.Severity, errMsg.Message)
		}
		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			w.handleWAL(ctx, xld.WALData)
			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
		}
	}
}

func (w *Worker) handleWAL(ctx context.Context, walData []byte) {
	logical, err := pglogrepl.ParseV2(walData, false)
	if err != nil {
		w.logger.Error("wal message unparseable", zap.Error(err))
		return
	}
	switch msg := logical.(type) {
	case *pglogrepl.RelationMessageV2:
		w.decoder.RegisterRelation(msg)
	case *pglogrepl.InsertMessageV2:
		w.handleInsert(ctx, msg)
	}
}

func (w *Worker) handleInsert(ctx context.Context, msg *pglogrepl.InsertMessageV2) {
	row, watched, err := w.decoder.DecodeInsert(msg)
	if err != nil {
		w.logger.Error("outbox insert undecodable, row left pending", zap.Error(err))
		w.failed.Add(ctx, 1)
		return
	}
	if !watched {
		return
	}
	w.emit(ctx, row)
}

// emit projects and publishes one row. Failures leave the row PENDING for
// the repair sweep; successes queue it for the reconciler.
func (w *Worker) emit(ctx context.Context, row Row) {
	msg, err := w.cfg.Projector.Project(row)
	if err != nil {
		w.logger.Error("outbox row malformed, left pending", zap.Error(err))
		w.failed.Add(ctx, 1)
		return
	}
	if err := w.cfg.Publisher.Publish(ctx, msg); err != nil {
		w.logger.Error("event publish failed, row left pending",
			zap.String("row_id", msg.RowID),
			zap.String("topic", msg.Topic),
			zap.Error(err))
		w.failed.Add(ctx, 1)
		return
	}
	w.cfg.Reconciler.MarkPublished(msg.RowID)
	w.projected.Add(ctx, 1)
}

// repairLoop re-publishes PENDING rows the stream did not deliver, such as
// rows whose first publish failed or rows written while the slot was
// broken. JetStream dedupe on the row id absorbs any overlap with the
// live stream.
func (w *Worker) repairLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RepairInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repair(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("pending row repair failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) repair(ctx context.Context) error {
	events, err := w.queries.ListPendingEvents(ctx, repairBatchSize)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-w.cfg.RepairMinAge)
	for _, ev := range events {
		if ev.CreatedAt.Valid && ev.CreatedAt.Time.After(cutoff) {
			continue
		}
		w.emit(ctx, rowFromEvent(ev))
	}
	return nil
}
