// Package propagate carries the business context across HTTP hops: an echo
// middleware that binds inbound headers to the request context, and an
// http.RoundTripper that injects the bound context plus the active trace
// context into outbound requests.
//
// The middleware must be registered after the OTel tracing middleware so
// the server span already exists, and before any handler that reads
// stdcontext.From or logs through stdcontext.Logger.
package propagate

import (
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/stdcontext"
)

const attrMalformed = "context.malformed"

// Middleware parses the inbound header set, stamps the local service name,
// and binds the resulting context and a field-enriched logger to the
// request scope. Malformed headers (overlong values, invalid traceparent)
// are discarded, logged at WARN, and tagged on the server span; the
// request itself always proceeds.
func Middleware(serviceName string, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			span := trace.SpanFromContext(ctx)

			sc, malformed := stdcontext.Parse(req.Header)

			// The tracing middleware already ignored an invalid traceparent
			// and started a fresh root; what's left is to make the drop
			// observable.
			if tp := req.Header.Get(stdcontext.HeaderTraceparent); tp != "" && !stdcontext.ValidTraceparent(tp) {
				malformed = append(malformed, stdcontext.HeaderTraceparent)
			}
			if len(malformed) > 0 {
				span.SetAttributes(attribute.String(attrMalformed, strings.Join(malformed, ",")))
				for _, header := range malformed {
					logger.Warn("malformed context header discarded",
						zap.String("header", header),
						zap.String("path", req.URL.Path),
					)
				}
			}

			// Each hop speaks with its own name; everything else passes
			// through exactly as received.
			sc.ServiceName = serviceName

			attrs := []attribute.KeyValue{
				attribute.String("tenant.id", sc.TenantID),
				attribute.String("user.id", sc.UserID),
				attribute.String("request.id", sc.RequestID),
			}
			if sc.TransactionType != "" {
				attrs = append(attrs, attribute.String("transaction.type", sc.TransactionType))
			}
			if sc.OriginService != "" {
				attrs = append(attrs, attribute.String("origin.service", sc.OriginService))
			}
			span.SetAttributes(attrs...)

			ctx = stdcontext.Bind(ctx, sc)
			ctx = stdcontext.WithLogger(ctx, logger, sc)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
