// Package stdcontext defines the business context record that travels with
// every request, message, and job in the system, together with its HTTP
// header codec and the request-scoped diagnostic scope that logging and
// outbound calls read from.
//
// A Context is immutable once established: enrichment helpers return new
// values and never mutate the receiver. Downstream components hold read-only
// views; only the gateway (or the scheduler, for jobs) constructs one.
package stdcontext

import "context"

// Data-model defaults applied wherever a field is missing or discarded.
const (
	DefaultTenantID = "default"
	DefaultUserID   = "anonymous"
)

// MaxFieldBytes is the upper bound on any single context value on the wire.
// Overlong values are discarded, never truncated, so a value either arrives
// byte-identical or not at all.
const MaxFieldBytes = 256

// Context is the standard business context: who is acting (tenant, user),
// which request/transaction this is, and which service is speaking.
//
// CorrelationID equals the active trace id in hex unless a well-formed value
// was supplied by the caller. RequestID is unique per inbound request.
type Context struct {
	TenantID        string
	UserID          string
	UserEmail       string
	UserGroups      []string
	RequestID       string
	CorrelationID   string
	ServiceName     string
	TransactionType string
	OriginService   string
}

// New returns a Context carrying only the data-model defaults.
func New() Context {
	return Context{
		TenantID: DefaultTenantID,
		UserID:   DefaultUserID,
	}
}

// Clone returns a deep copy; the groups slice is never shared.
func (c Context) Clone() Context {
	out := c
	if c.UserGroups != nil {
		out.UserGroups = append([]string(nil), c.UserGroups...)
	}
	return out
}

// WithRequestScope derives a new Context with the per-request fields set.
// Empty arguments leave the corresponding field untouched, so a cached
// identity context can be enriched without losing claim-derived values.
func (c Context) WithRequestScope(requestID, correlationID, serviceName, transactionType, originService string) Context {
	out := c.Clone()
	if requestID != "" {
		out.RequestID = requestID
	}
	if correlationID != "" {
		out.CorrelationID = correlationID
	}
	if serviceName != "" {
		out.ServiceName = serviceName
	}
	if transactionType != "" {
		out.TransactionType = transactionType
	}
	if originService != "" {
		out.OriginService = originService
	}
	return out
}

type contextKey struct{}

// Bind attaches sc to ctx. The diagnostic scope for logging is bound
// separately via WithLogger so callers that only need the record do not pay
// for logger construction.
func Bind(ctx context.Context, sc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// From extracts the bound Context. The second return is false when no
// establishment or middleware has run for this ctx.
func From(ctx context.Context) (Context, bool) {
	sc, ok := ctx.Value(contextKey{}).(Context)
	return sc, ok
}

// FromOrDefault extracts the bound Context, falling back to the data-model
// defaults. Writers that must never block on a missing scope (the outbox,
// the scheduler) use this form.
func FromOrDefault(ctx context.Context) Context {
	if sc, ok := From(ctx); ok {
		return sc
	}
	return New()
}
