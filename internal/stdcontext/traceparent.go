package stdcontext

import (
	"regexp"
	"strings"
)

// W3C trace-context shapes. Trace and span ids are opaque hex byte sequences:
// they are validated by regex and compared case-insensitively, never parsed
// as integers.
var (
	traceparentRe = regexp.MustCompile(`^[0-9a-f]{2}-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}$`)
	traceIDRe     = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	spanIDRe      = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)
	traceFlagsRe  = regexp.MustCompile(`^[0-9a-fA-F]{2}$`)
)

const (
	zeroTraceID = "00000000000000000000000000000000"
	zeroSpanID  = "0000000000000000"
)

// ValidTraceparent reports whether v is a syntactically valid W3C
// traceparent. All-zero trace or span ids are rejected.
func ValidTraceparent(v string) bool {
	if !traceparentRe.MatchString(v) {
		return false
	}
	// version-traceId-spanId-flags: fixed offsets once the regex matched.
	return v[3:35] != zeroTraceID && v[36:52] != zeroSpanID
}

// ValidTraceID reports whether s is 32 hex digits and not all zeros.
// Case-insensitive: outbox rows written by foreign producers may carry
// uppercase hex.
func ValidTraceID(s string) bool {
	return traceIDRe.MatchString(s) && strings.ToLower(s) != zeroTraceID
}

// ValidSpanID reports whether s is 16 hex digits and not all zeros.
func ValidSpanID(s string) bool {
	return spanIDRe.MatchString(s) && strings.ToLower(s) != zeroSpanID
}

// ValidTraceFlags reports whether s is exactly 2 hex digits.
func ValidTraceFlags(s string) bool {
	return traceFlagsRe.MatchString(s)
}

// FormatTraceparent assembles a version-00 traceparent from raw hex columns,
// normalizing case to lowercase. The caller is responsible for validating the
// ids first; FormatTraceparent does not re-check them.
func FormatTraceparent(traceID, spanID, flags string) string {
	return "00-" + strings.ToLower(traceID) + "-" + strings.ToLower(spanID) + "-" + strings.ToLower(flags)
}

// SplitTraceparent returns the trace id, span id, and flags of a valid
// traceparent. Callers must check ValidTraceparent first; SplitTraceparent
// assumes the fixed-width layout.
func SplitTraceparent(v string) (traceID, spanID, flags string) {
	return v[3:35], v[36:52], v[53:55]
}
