package audit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx alike.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const insertAuditEntry = `
INSERT INTO audit_links (
	id, event_id, topic, aggregate_id, event_type,
	tenant_id, user_id, request_id, origin_service, trace_id,
	payload, recorded_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)`

type InsertAuditEntryParams struct {
	ID            pgtype.UUID
	EventID       pgtype.Text
	Topic         string
	AggregateID   string
	EventType     string
	TenantID      string
	UserID        string
	RequestID     pgtype.Text
	OriginService pgtype.Text
	TraceID       pgtype.Text
	Payload       []byte
	RecordedAt    pgtype.Timestamptz
}

func (q *Queries) InsertAuditEntry(ctx context.Context, arg InsertAuditEntryParams) error {
	_, err := q.db.Exec(ctx, insertAuditEntry,
		arg.ID,
		arg.EventID,
		arg.Topic,
		arg.AggregateID,
		arg.EventType,
		arg.TenantID,
		arg.UserID,
		arg.RequestID,
		arg.OriginService,
		arg.TraceID,
		arg.Payload,
		arg.RecordedAt,
	)
	return err
}

const entryColumns = `
	id, event_id, topic, aggregate_id, event_type,
	tenant_id, user_id, request_id, origin_service, trace_id,
	payload, recorded_at`

const listAuditEntries = `
SELECT` + entryColumns + `
FROM audit_links
WHERE tenant_id = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2 OFFSET $3`

type ListAuditEntriesParams struct {
	TenantID string
	Limit    int32
	Offset   int32
}

func (q *Queries) ListAuditEntries(ctx context.Context, arg ListAuditEntriesParams) ([]AuditEntry, error) {
	rows, err := q.db.Query(ctx, listAuditEntries, arg.TenantID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

const listAuditEntriesByAggregate = `
SELECT` + entryColumns + `
FROM audit_links
WHERE tenant_id = $1 AND aggregate_id = $2
ORDER BY recorded_at DESC, id DESC
LIMIT $3 OFFSET $4`

type ListAuditEntriesByAggregateParams struct {
	TenantID    string
	AggregateID string
	Limit       int32
	Offset      int32
}

func (q *Queries) ListAuditEntriesByAggregate(ctx context.Context, arg ListAuditEntriesByAggregateParams) ([]AuditEntry, error) {
	rows, err := q.db.Query(ctx, listAuditEntriesByAggregate, arg.TenantID, arg.AggregateID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]AuditEntry, error) {
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.Topic,
			&e.AggregateID,
			&e.EventType,
			&e.TenantID,
			&e.UserID,
			&e.RequestID,
			&e.OriginService,
			&e.TraceID,
			&e.Payload,
			&e.RecordedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
