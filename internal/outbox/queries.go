package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const insertOutboxEvent = `
INSERT INTO outbox_events (
    id, aggregate_type, aggregate_id, event_type, payload,
    trace_id, parent_span_id, trace_flags,
    tenant_id, user_id, request_id, service_name, transaction_type,
    created_by, created_at, status
) VALUES (
    $1, $2, $3, $4, $5,
    $6, $7, $8,
    $9, $10, $11, $12, $13,
    $14, $15, 'PENDING'
)`

type InsertOutboxEventParams struct {
	ID              pgtype.UUID
	AggregateType   string
	AggregateID     string
	EventType       string
	Payload         []byte
	TraceID         pgtype.Text
	ParentSpanID    pgtype.Text
	TraceFlags      pgtype.Text
	TenantID        pgtype.Text
	UserID          pgtype.Text
	RequestID       pgtype.Text
	ServiceName     pgtype.Text
	TransactionType pgtype.Text
	CreatedBy       pgtype.Text
	CreatedAt       pgtype.Timestamptz
}

func (q *Queries) InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error {
	_, err := q.db.Exec(ctx, insertOutboxEvent,
		arg.ID, arg.AggregateType, arg.AggregateID, arg.EventType, arg.Payload,
		arg.TraceID, arg.ParentSpanID, arg.TraceFlags,
		arg.TenantID, arg.UserID, arg.RequestID, arg.ServiceName, arg.TransactionType,
		arg.CreatedBy, arg.CreatedAt,
	)
	return err
}

const eventColumns = `id, aggregate_type, aggregate_id, event_type, payload,
       trace_id, parent_span_id, trace_flags,
       tenant_id, user_id, request_id, service_name, transaction_type,
       created_by, created_at, status, processed_at, retry_count`

const getOutboxEvent = `
SELECT ` + eventColumns + `
FROM outbox_events
WHERE id = $1`

func (q *Queries) GetOutboxEvent(ctx context.Context, id pgtype.UUID) (OutboxEvent, error) {
	row := q.db.QueryRow(ctx, getOutboxEvent, id)
	var e OutboxEvent
	err := row.Scan(
		&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
		&e.TraceID, &e.ParentSpanID, &e.TraceFlags,
		&e.TenantID, &e.UserID, &e.RequestID, &e.ServiceName, &e.TransactionType,
		&e.CreatedBy, &e.CreatedAt, &e.Status, &e.ProcessedAt, &e.RetryCount,
	)
	return e, err
}

const listPendingEvents = `
SELECT ` + eventColumns + `
FROM outbox_events
WHERE status = 'PENDING'
ORDER BY created_at, id
LIMIT $1`

func (q *Queries) ListPendingEvents(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	rows, err := q.db.Query(ctx, listPendingEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&e.TraceID, &e.ParentSpanID, &e.TraceFlags,
			&e.TenantID, &e.UserID, &e.RequestID, &e.ServiceName, &e.TransactionType,
			&e.CreatedBy, &e.CreatedAt, &e.Status, &e.ProcessedAt, &e.RetryCount,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Lifecycle updates below touch only status, processed_at and retry_count.
// Context columns are immutable after insert.

const markEventsProcessed = `
UPDATE outbox_events
SET status = 'PROCESSED', processed_at = $2
WHERE id = ANY($1) AND status <> 'PROCESSED'`

func (q *Queries) MarkEventsProcessed(ctx context.Context, ids []pgtype.UUID, processedAt pgtype.Timestamptz) (int64, error) {
	tag, err := q.db.Exec(ctx, markEventsProcessed, ids, processedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const markEventFailed = `
UPDATE outbox_events
SET status = 'FAILED', retry_count = retry_count + 1
WHERE id = $1`

func (q *Queries) MarkEventFailed(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, markEventFailed, id)
	return err
}

const resetFailedEvents = `
UPDATE outbox_events
SET status = 'PENDING'
WHERE status = 'FAILED' AND retry_count < $1`

func (q *Queries) ResetFailedEvents(ctx context.Context, maxRetries int32) (int64, error) {
	tag, err := q.db.Exec(ctx, resetFailedEvents, maxRetries)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteProcessedBefore = `
DELETE FROM outbox_events
WHERE status = 'PROCESSED' AND created_at < $1`

func (q *Queries) DeleteProcessedBefore(ctx context.Context, cutoff pgtype.Timestamptz) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteProcessedBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
