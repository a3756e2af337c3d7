package audit

import (
	"encoding/json"

	"github.com/jackc/pgx/v5/pgtype"
)

// AuditEntry is one recorded event. Context columns mirror what traveled
// on the broker message; TraceID is the trace the consumer participated
// in, which is the producer's trace whenever the message carried a usable
// parent.
type AuditEntry struct {
	ID            pgtype.UUID        `json:"id"`
	EventID       pgtype.Text        `json:"event_id"`
	Topic         string             `json:"topic"`
	AggregateID   string             `json:"aggregate_id"`
	EventType     string             `json:"event_type"`
	TenantID      string             `json:"tenant_id"`
	UserID        string             `json:"user_id"`
	RequestID     pgtype.Text        `json:"request_id"`
	OriginService pgtype.Text        `json:"origin_service"`
	TraceID       pgtype.Text        `json:"trace_id"`
	Payload       json.RawMessage    `json:"payload"`
	RecordedAt    pgtype.Timestamptz `json:"recorded_at"`
}
