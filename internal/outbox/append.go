// Package outbox implements the transactional outbox: an append-only event
// table written in the same database transaction as the domain mutation it
// describes. Each row snapshots the producing span's identifiers and the
// standard business context at insert time; the CDC pipeline later projects
// the row onto the broker without consulting any live state.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkarc/link-core/internal/stdcontext"
)

// Event is the write-side input to Append. Payload may be any JSON-encodable
// value; []byte and json.RawMessage pass through untouched.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

// Append writes one outbox row through db, which must be the transaction of
// the domain mutation; passing a bare pool here breaks the atomicity the
// whole pipeline is built on. The business context comes from ctx, the trace
// columns from the active span. When no span is recording, all three trace
// columns stay NULL together.
func Append(ctx context.Context, db DBTX, in Event) (pgtype.UUID, error) {
	if in.AggregateType == "" || in.AggregateID == "" || in.EventType == "" {
		return pgtype.UUID{}, fmt.Errorf("outbox: aggregate_type, aggregate_id and event_type are required")
	}
	payload, err := marshalPayload(in.Payload)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("outbox: marshal payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("outbox: new event id: %w", err)
	}

	sc := stdcontext.FromOrDefault(ctx)
	params := InsertOutboxEventParams{
		ID:              pgUUID(id),
		AggregateType:   in.AggregateType,
		AggregateID:     in.AggregateID,
		EventType:       in.EventType,
		Payload:         payload,
		TenantID:        text(sc.TenantID),
		UserID:          text(sc.UserID),
		RequestID:       text(sc.RequestID),
		ServiceName:     text(sc.ServiceName),
		TransactionType: text(sc.TransactionType),
		CreatedBy:       text(sc.UserID),
		CreatedAt:       pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
	}

	// The trace columns are written together or not at all.
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		params.TraceID = text(spanCtx.TraceID().String())
		params.ParentSpanID = text(spanCtx.SpanID().String())
		params.TraceFlags = text(spanCtx.TraceFlags().String())
	}

	if err := New(db).InsertOutboxEvent(ctx, params); err != nil {
		return pgtype.UUID{}, fmt.Errorf("outbox: insert event: %w", err)
	}
	return params.ID, nil
}

func marshalPayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(p)
	}
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}
