package stdcontext

import (
	"net/http"
	"strings"
)

// The inter-service header set. Names are matched case-insensitively on the
// way in and emitted in exactly this casing on the way out.
const (
	HeaderTraceparent = "traceparent"
	HeaderTracestate  = "tracestate"

	HeaderTenantID        = "X-Tenant-ID"
	HeaderUserID          = "X-User-ID"
	HeaderUserEmail       = "X-User-Email"
	HeaderUserGroups      = "X-User-Groups"
	HeaderRequestID       = "X-Request-ID"
	HeaderCorrelationID   = "X-Correlation-ID"
	HeaderServiceName     = "X-Service-Name"
	HeaderTransactionType = "X-Transaction-Type"
	HeaderOriginService   = "X-Origin-Service"
)

// Fallback triple carried on broker messages for consumers that cannot read
// traceparent. Values are copied byte-for-byte from the outbox row.
const (
	HeaderFallbackTraceID    = "trace_id"
	HeaderFallbackSpanID     = "parent_span_id"
	HeaderFallbackTraceFlags = "trace_flags"
)

// Inject writes the business header set for sc onto h in canonical casing.
// Fields that are empty in sc are omitted entirely; an empty header value is
// never emitted. The W3C pair is not written here: traceparent/tracestate
// belong to the trace propagator, which must not be second-guessed.
func Inject(h http.Header, sc Context) {
	set := func(name, value string) {
		if value != "" {
			h.Set(name, value)
		}
	}
	set(HeaderTenantID, sc.TenantID)
	set(HeaderUserID, sc.UserID)
	set(HeaderUserEmail, sc.UserEmail)
	if len(sc.UserGroups) > 0 {
		h.Set(HeaderUserGroups, strings.Join(sc.UserGroups, ","))
	}
	set(HeaderRequestID, sc.RequestID)
	set(HeaderCorrelationID, sc.CorrelationID)
	set(HeaderServiceName, sc.ServiceName)
	set(HeaderTransactionType, sc.TransactionType)
	set(HeaderOriginService, sc.OriginService)
}

// Parse reads the business header set from h into a Context. Missing tenant
// and user fall back to the data-model defaults; all other fields stay empty
// when absent. A field whose value exceeds MaxFieldBytes is discarded, never
// truncated, and its canonical name is returned in malformed so the caller
// can record it on the active span.
func Parse(h http.Header) (sc Context, malformed []string) {
	get := func(name string) string {
		v := h.Get(name)
		if len(v) > MaxFieldBytes {
			malformed = append(malformed, name)
			return ""
		}
		return v
	}

	sc.TenantID = get(HeaderTenantID)
	sc.UserID = get(HeaderUserID)
	sc.UserEmail = get(HeaderUserEmail)
	if groups := get(HeaderUserGroups); groups != "" {
		sc.UserGroups = strings.Split(groups, ",")
	}
	sc.RequestID = get(HeaderRequestID)
	sc.CorrelationID = get(HeaderCorrelationID)
	sc.ServiceName = get(HeaderServiceName)
	sc.TransactionType = get(HeaderTransactionType)
	sc.OriginService = get(HeaderOriginService)

	if sc.TenantID == "" {
		sc.TenantID = DefaultTenantID
	}
	if sc.UserID == "" {
		sc.UserID = DefaultUserID
	}
	return sc, malformed
}
