package cdc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/natsclient"
	"github.com/linkarc/link-core/internal/outbox"
)

// DefaultReconcileInterval bounds how long an acknowledged row may stay
// PENDING before the reconciler flips it to PROCESSED.
const DefaultReconcileInterval = 2 * time.Second

// Publisher writes projected messages to JetStream. The subject embeds the
// aggregate id, so the broker preserves per-aggregate order, and the
// outbox row id rides along as the JetStream dedupe id: a replayed WAL
// segment or an overlapping repair sweep cannot double-deliver a row
// inside the dedupe window.
type Publisher struct {
	js nats.JetStreamContext
}

func NewPublisher(js nats.JetStreamContext) *Publisher {
	return &Publisher{js: js}
}

func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	m := &nats.Msg{
		Subject: natsclient.EventSubject(msg.Topic, msg.Key),
		Header:  msg.Headers,
		Data:    msg.Value,
	}
	_, err := p.js.PublishMsg(m, nats.Context(ctx), nats.MsgId(msg.RowID))
	return err
}

// Reconciler batches acknowledged row ids and flips them to PROCESSED.
// The worker calls MarkPublished after each broker ack; the row stays
// PENDING until the next flush, so the ack lag is bounded by the flush
// interval.
type Reconciler struct {
	q          *outbox.Queries
	interval   time.Duration
	logger     *zap.Logger
	reconciled metric.Int64Counter

	mu      sync.Mutex
	pending []pgtype.UUID
}

func NewReconciler(db outbox.DBTX, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reconciled, _ := otel.Meter("link-core/cdc").Int64Counter("outbox_rows_reconciled_total")
	return &Reconciler{q: outbox.New(db), interval: interval, logger: logger, reconciled: reconciled}
}

// MarkPublished queues a row id for the next flush.
func (r *Reconciler) MarkPublished(rowID string) {
	id, err := uuid.Parse(rowID)
	if err != nil {
		r.logger.Error("outbox row id is not a uuid", zap.String("row_id", rowID), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, pgtype.UUID{Bytes: id, Valid: true})
	r.mu.Unlock()
}

// Run flushes on a ticker until ctx is canceled, then drains once more so
// a clean shutdown leaves no acknowledged row PENDING.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush marks every queued row PROCESSED. On failure the batch is requeued
// and retried at the next tick.
func (r *Reconciler) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	now := pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
	n, err := r.q.MarkEventsProcessed(ctx, batch, now)
	if err != nil {
		r.logger.Error("marking outbox rows processed failed", zap.Int("rows", len(batch)), zap.Error(err))
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
		return
	}
	r.reconciled.Add(ctx, n)
	r.logger.Debug("outbox rows reconciled", zap.Int64("rows", n))
}

// rowFromEvent rebuilds a Row from a polled outbox record so the repair
// sweep can feed the same projector the replication stream uses.
func rowFromEvent(e outbox.OutboxEvent) Row {
	row := Row{values: make(map[string]string, 16), valid: make(map[string]bool, 16)}
	set := func(col, v string, ok bool) {
		if ok {
			row.values[col] = v
			row.valid[col] = true
		}
	}
	set("id", uuid.UUID(e.ID.Bytes).String(), e.ID.Valid)
	set("aggregate_type", e.AggregateType, e.AggregateType != "")
	set("aggregate_id", e.AggregateID, e.AggregateID != "")
	set("event_type", e.EventType, e.EventType != "")
	set("payload", string(e.Payload), e.Payload != nil)
	set("trace_id", e.TraceID.String, e.TraceID.Valid)
	set("parent_span_id", e.ParentSpanID.String, e.ParentSpanID.Valid)
	set("trace_flags", e.TraceFlags.String, e.TraceFlags.Valid)
	set("tenant_id", e.TenantID.String, e.TenantID.Valid)
	set("user_id", e.UserID.String, e.UserID.Valid)
	set("request_id", e.RequestID.String, e.RequestID.Valid)
	set("service_name", e.ServiceName.String, e.ServiceName.Valid)
	set("transaction_type", e.TransactionType.String, e.TransactionType.Valid)
	set("created_by", e.CreatedBy.String, e.CreatedBy.Valid)
	return row
}
