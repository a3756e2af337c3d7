// Package audit persists one row per domain event delivered off the
// broker and serves a read-only listing API over the result. It is the
// async half of the demo pair: everything it knows about an event arrived
// through broker headers and the reconstructed span, never through a
// side channel.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/consumer"
	"github.com/linkarc/link-core/internal/natsclient"
	"github.com/linkarc/link-core/internal/stdcontext"
)

// Recorder turns delivered events into audit rows.
type Recorder struct {
	q      Querier
	logger *zap.Logger
}

func NewRecorder(q Querier, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{q: q, logger: logger}
}

// Handle implements the consumer handler contract. A payload that is not
// JSON is a poison pill; a failed insert is transient and redelivered.
func (r *Recorder) Handle(ctx context.Context, d consumer.Delivery) error {
	if len(d.Data) == 0 || !json.Valid(d.Data) {
		return consumer.Poison("event payload is not valid JSON")
	}

	sc := stdcontext.FromOrDefault(ctx)
	span := trace.SpanContextFromContext(ctx)

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	params := InsertAuditEntryParams{
		ID:            pgtype.UUID{Bytes: id, Valid: true},
		EventID:       text(d.Headers.Get(nats.MsgIdHdr)),
		Topic:         natsclient.TopicFromSubject(d.Subject),
		AggregateID:   d.Key,
		EventType:     eventType(sc, d.Subject),
		TenantID:      sc.TenantID,
		UserID:        sc.UserID,
		RequestID:     text(sc.RequestID),
		OriginService: text(sc.OriginService),
		TraceID:       traceText(span),
		Payload:       d.Data,
		RecordedAt:    pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
	}
	if err := r.q.InsertAuditEntry(ctx, params); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	stdcontext.Logger(ctx).Info("audit entry recorded",
		zap.String("aggregate_id", d.Key),
		zap.String("event_type", params.EventType),
	)
	return nil
}

// eventType labels the row with the producing operation when the message
// carried one, falling back to the topic.
func eventType(sc stdcontext.Context, subject string) string {
	if sc.TransactionType != "" {
		return sc.TransactionType
	}
	return natsclient.TopicFromSubject(subject)
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func traceText(span trace.SpanContext) pgtype.Text {
	if !span.HasTraceID() {
		return pgtype.Text{}
	}
	return text(span.TraceID().String())
}
