package outbox

import "github.com/jackc/pgx/v5/pgtype"

// Row lifecycle states.
const (
	StatusPending   = "PENDING"
	StatusProcessed = "PROCESSED"
	StatusFailed    = "FAILED"
)

// OutboxEvent mirrors one row of outbox_events. The trace columns hold
// opaque lowercase hex; nobody parses them as integers. Context columns are
// written once at insert and never amended afterwards; later updates touch
// only status, processed_at and retry_count.
type OutboxEvent struct {
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
	Status          string
	ProcessedAt     pgtype.Timestamptz
	RetryCount      int32
}
