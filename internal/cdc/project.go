// Package cdc tails the Postgres write-ahead log through a logical
// replication slot and projects committed outbox rows into broker
// messages. The projector never invents trace identity: every header it
// emits is copied from the row, so the producing request remains the trace
// parent of whatever the consumer does with the event.
package cdc

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/stdcontext"
)

// DefaultTopic receives events whose type has no explicit route.
const DefaultTopic = "link-events"

// DefaultTraceFlags pads a traceparent whose source row has no usable
// trace_flags column.
const DefaultTraceFlags = "01"

// Router maps event types to broker topics.
type Router struct {
	byEvent map[string]string
	def     string
}

// NewRouter builds a Router from explicit event-type routes. Unrouted types
// fall through to def, or DefaultTopic when def is empty.
func NewRouter(routes map[string]string, def string) *Router {
	if def == "" {
		def = DefaultTopic
	}
	r := &Router{byEvent: make(map[string]string, len(routes)), def: def}
	for event, topic := range routes {
		r.byEvent[event] = topic
	}
	return r
}

func (r *Router) Route(eventType string) string {
	if topic, ok := r.byEvent[eventType]; ok {
		return topic
	}
	return r.def
}

// Message is a projected broker message, ready to publish.
type Message struct {
	// RowID is the outbox row id, used for reconciliation and as the
	// broker dedupe id.
	RowID string
	Topic string
	// Key is the aggregate id. It decides the subject, so the broker
	// keeps events for one aggregate in append order.
	Key     string
	Value   []byte
	Headers nats.Header
}

// Projector transforms decoded outbox rows into broker messages.
type Projector struct {
	router *Router
	flags  string
	logger *zap.Logger
}

func NewProjector(router *Router, defaultFlags string, logger *zap.Logger) *Projector {
	if router == nil {
		router = NewRouter(nil, "")
	}
	if !stdcontext.ValidTraceFlags(defaultFlags) {
		defaultFlags = DefaultTraceFlags
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{router: router, flags: strings.ToLower(defaultFlags), logger: logger}
}

// Project builds the broker message for one outbox row. An error means the
// row envelope is unreadable; the caller must not publish and must leave
// the row PENDING.
func (p *Projector) Project(row Row) (Message, error) {
	id, _ := row.Get("id")
	aggregateID, _ := row.Get("aggregate_id")
	eventType, _ := row.Get("event_type")
	payload, hasPayload := row.Get("payload")
	if id == "" || aggregateID == "" || eventType == "" || !hasPayload {
		return Message{}, fmt.Errorf("outbox row %q is missing envelope columns", id)
	}

	msg := Message{
		RowID:   id,
		Topic:   p.router.Route(eventType),
		Key:     aggregateID,
		Value:   []byte(payload),
		Headers: nats.Header{},
	}

	// Business context travels byte-exact. A null column emits no header
	// at all, never an empty one.
	setIf(msg.Headers, stdcontext.HeaderTenantID, row, "tenant_id")
	setIf(msg.Headers, stdcontext.HeaderUserID, row, "user_id")
	setIf(msg.Headers, stdcontext.HeaderRequestID, row, "request_id")
	setIf(msg.Headers, stdcontext.HeaderServiceName, row, "service_name")
	setIf(msg.Headers, stdcontext.HeaderTransactionType, row, "transaction_type")

	p.projectTrace(msg.Headers, row, id)

	return msg, nil
}

func setIf(h nats.Header, header string, row Row, col string) {
	if v, ok := row.Get(col); ok && v != "" {
		h.Set(header, v)
	}
}

// projectTrace emits the traceparent plus the raw trace columns under
// their fallback names. Hex is normalized to lowercase on the way out, and
// a column that fails its shape check is omitted rather than emitted
// empty. The traceparent itself is assembled only when both ids are
// usable; a row with half a trace identity is published without one, so
// the consumer starts an orphaned root instead of chaining onto invented
// data.
func (p *Projector) projectTrace(h nats.Header, row Row, rowID string) {
	traceID, hasTrace := row.Get("trace_id")
	spanID, hasSpan := row.Get("parent_span_id")
	rawFlags, hasFlags := row.Get("trace_flags")

	traceOK := hasTrace && stdcontext.ValidTraceID(traceID)
	spanOK := hasSpan && stdcontext.ValidSpanID(spanID)

	if traceOK {
		h.Set(stdcontext.HeaderFallbackTraceID, strings.ToLower(traceID))
	}
	if spanOK {
		h.Set(stdcontext.HeaderFallbackSpanID, strings.ToLower(spanID))
	}

	flags := p.flags
	if hasFlags && stdcontext.ValidTraceFlags(rawFlags) {
		flags = strings.ToLower(rawFlags)
		h.Set(stdcontext.HeaderFallbackTraceFlags, flags)
	}

	switch {
	case traceOK && spanOK:
		h.Set(stdcontext.HeaderTraceparent, stdcontext.FormatTraceparent(traceID, spanID, flags))
	case hasTrace || hasSpan:
		p.logger.Error("outbox row carries a partial trace identity, publishing without traceparent",
			zap.String("row_id", rowID),
			zap.Bool("trace_id_ok", traceOK),
			zap.Bool("parent_span_id_ok", spanOK))
	}
}
