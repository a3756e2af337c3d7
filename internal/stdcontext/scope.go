package stdcontext

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

// WithLogger binds base, enriched with the canonical context fields of sc,
// to ctx as the diagnostic-scope logger. Every log statement between inbound
// middleware and response completion goes through Logger(ctx) and therefore
// carries these fields without call sites repeating them.
func WithLogger(ctx context.Context, base *zap.Logger, sc Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, base.With(Fields(sc)...))
}

// Logger returns the scope logger bound by WithLogger. Outside a bound scope
// it returns a nop logger rather than nil so call sites never guard.
func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// Fields returns the canonical zap fields for sc. Used by WithLogger and by
// components that log before a scope exists (e.g. the establisher itself).
func Fields(sc Context) []zap.Field {
	fields := []zap.Field{
		zap.String("tenant_id", sc.TenantID),
		zap.String("user_id", sc.UserID),
		zap.String("request_id", sc.RequestID),
		zap.String("correlation_id", sc.CorrelationID),
		zap.String("service", sc.ServiceName),
	}
	if sc.TransactionType != "" {
		fields = append(fields, zap.String("transaction_type", sc.TransactionType))
	}
	if sc.OriginService != "" {
		fields = append(fields, zap.String("origin_service", sc.OriginService))
	}
	return fields
}
