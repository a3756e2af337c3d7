// Package gateway is the trust boundary of the system. It turns a bearer
// token plus a raw inbound request into an established standard context,
// caches validated identities, and fronts the link service with thin BFF
// routes. Everything downstream trusts the headers this package emits.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/claimcache"
	"github.com/linkarc/link-core/internal/stdcontext"
)

// AnonymousTenantID is the tenant stamped on unauthenticated traffic at the
// trust boundary. Interior services never synthesize it; past the gateway it
// travels in headers like any other tenant.
const AnonymousTenantID = "public"

const attrMalformed = "context.malformed"

// Establisher runs at the trust boundary. It resolves the bearer token to an
// identity (via the claim store or the validator), mints the per-request
// fields, stamps the active span, and binds the finished context plus a
// scoped logger to the request.
//
// It replaces the interior inbound propagator at the gateway: inbound
// identity headers are ignored here, only the client's X-Correlation-ID
// (request id candidate) and X-Service-Name (origin) are read.
type Establisher struct {
	serviceName string
	store       *claimcache.Store
	validator   Validator
	txTypes     *TransactionTypes
	requireAuth bool
	logger      *zap.Logger
}

// NewEstablisher wires the establisher. store may be nil (cache skipped) and
// validator may be nil (tokens rejected as unavailable); both come up nil
// only in degraded deployments.
func NewEstablisher(serviceName string, store *claimcache.Store, validator Validator, txTypes *TransactionTypes, requireAuth bool, logger *zap.Logger) *Establisher {
	if txTypes == nil {
		txTypes = DefaultTransactionTypes()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Establisher{
		serviceName: serviceName,
		store:       store,
		validator:   validator,
		txTypes:     txTypes,
		requireAuth: requireAuth,
		logger:      logger,
	}
}

// Middleware establishes the standard context for every inbound request. It
// must run inside the tracing middleware so the active span is the server
// span.
func (e *Establisher) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			span := trace.SpanFromContext(ctx)

			inbound, malformed := stdcontext.Parse(req.Header)
			if tp := req.Header.Get(stdcontext.HeaderTraceparent); tp != "" && !stdcontext.ValidTraceparent(tp) {
				malformed = append(malformed, stdcontext.HeaderTraceparent)
			}
			if len(malformed) > 0 {
				span.SetAttributes(attribute.String(attrMalformed, strings.Join(malformed, ",")))
				for _, name := range malformed {
					e.logger.Warn("discarded malformed context header", zap.String("header", name))
				}
			}

			sc, claims, err := e.resolveIdentity(ctx, req)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			requestID := e.requestID(inbound.CorrelationID)
			correlationID := requestID
			if spanCtx := span.SpanContext(); spanCtx.HasTraceID() {
				correlationID = spanCtx.TraceID().String()
			}
			txType := e.txTypes.Lookup(req.Method, c.Path(), req.URL.Path)
			sc = sc.WithRequestScope(requestID, correlationID, e.serviceName, txType, inbound.ServiceName)

			span.SetAttributes(
				attribute.String("user.id", sc.UserID),
				attribute.String("tenant.id", sc.TenantID),
				attribute.String("transaction.type", sc.TransactionType),
				attribute.String("service.name", sc.ServiceName),
			)

			ctx = stdcontext.Bind(ctx, sc)
			if claims != nil {
				ctx = withClaims(ctx, *claims)
			}
			ctx = stdcontext.WithLogger(ctx, e.logger, sc)
			c.SetRequest(req.WithContext(ctx))

			c.Response().Header().Set(stdcontext.HeaderCorrelationID, sc.CorrelationID)
			return next(c)
		}
	}
}

// resolveIdentity maps the Authorization header to the claim-derived part of
// the context. claims is non-nil only when the validator ran on this request;
// cache hits carry no scopes.
func (e *Establisher) resolveIdentity(ctx context.Context, req *http.Request) (stdcontext.Context, *TokenClaims, error) {
	sc := stdcontext.New()

	auth := req.Header.Get("Authorization")
	if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
		if e.requireAuth {
			return sc, nil, ErrMissingToken
		}
		sc.TenantID = AnonymousTenantID
		return sc, nil, nil
	}
	token := strings.TrimPrefix(auth, "Bearer ")

	if e.store != nil {
		if id, ok := e.store.Get(ctx, token); ok {
			return identityContext(id), nil, nil
		}
	}

	if e.validator == nil {
		if e.requireAuth {
			return sc, nil, ErrAuthUnavailable
		}
		e.logger.Warn("no validator configured, treating token as anonymous")
		sc.TenantID = AnonymousTenantID
		return sc, nil, nil
	}

	claims, err := e.validator.Validate(ctx, token)
	if err != nil {
		if e.requireAuth {
			return sc, nil, ErrInvalidToken
		}
		e.logger.Warn("token rejected, continuing as anonymous", zap.Error(err))
		sc.TenantID = AnonymousTenantID
		return sc, nil, nil
	}

	id := claimcache.Identity{
		TenantID:  claims.TenantID,
		UserID:    claims.Subject,
		UserEmail: claims.Email,
		Groups:    claims.Groups,
	}
	if id.TenantID == "" {
		id.TenantID = stdcontext.DefaultTenantID
	}
	if e.store != nil {
		e.store.Put(ctx, token, id, claims.NotAfter)
	}
	return identityContext(id), &claims, nil
}

// requestID prefers a well-formed client-supplied correlation id, else mints
// a fresh 128-bit id. Overlong values were already discarded during parsing.
func (e *Establisher) requestID(clientID string) string {
	if wellFormedID(clientID) {
		return clientID
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// wellFormedID accepts non-empty printable UTF-8 without spaces or control
// bytes.
func wellFormedID(s string) bool {
	if s == "" || !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func identityContext(id claimcache.Identity) stdcontext.Context {
	sc := stdcontext.New()
	if id.TenantID != "" {
		sc.TenantID = id.TenantID
	}
	if id.UserID != "" {
		sc.UserID = id.UserID
	}
	sc.UserEmail = id.UserEmail
	sc.UserGroups = id.Groups
	return sc
}

type claimsKey struct{}

func withClaims(ctx context.Context, tc TokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, tc)
}

// ClaimsFrom returns the claim set validated on this request, if any. Policy
// layers use it to read scopes; identity fields are already on the standard
// context.
func ClaimsFrom(ctx context.Context) (TokenClaims, bool) {
	tc, ok := ctx.Value(claimsKey{}).(TokenClaims)
	return tc, ok
}
