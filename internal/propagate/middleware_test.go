package propagate

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/linkarc/link-core/internal/stdcontext"
	"github.com/linkarc/link-core/internal/telemetry"
)

const (
	sampledTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	inboundTraceID     = "4bf92f3577b34da6a3ce929d0e0e4736"
)

type capture struct {
	mu    sync.Mutex
	sc    stdcontext.Context
	bound bool
	span  trace.SpanContext
}

func newTestApp(t *testing.T, serviceName string) (*echo.Echo, *capture, *tracetest.SpanRecorder, *observer.ObservedLogs) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	got := &capture{}
	e := echo.New()
	e.Use(otelecho.Middleware(serviceName,
		otelecho.WithTracerProvider(tp),
		otelecho.WithPropagators(telemetry.Propagator()),
	))
	e.Use(Middleware(serviceName, logger))
	e.GET("/links/:id", func(c echo.Context) error {
		ctx := c.Request().Context()
		got.mu.Lock()
		got.sc, got.bound = stdcontext.From(ctx)
		got.span = trace.SpanFromContext(ctx).SpanContext()
		got.mu.Unlock()
		stdcontext.Logger(ctx).Info("request handled")
		sc := stdcontext.FromOrDefault(ctx)
		return c.String(http.StatusOK, sc.TenantID)
	})
	return e, got, recorder, logs
}

func TestMiddleware_ContinuesInboundTraceAndBindsContext(t *testing.T) {
	e, got, _, _ := newTestApp(t, "link-service")

	req := httptest.NewRequest(http.MethodGet, "/links/abc", nil)
	req.Header.Set("traceparent", sampledTraceparent)
	req.Header.Set(stdcontext.HeaderTenantID, "t-9")
	req.Header.Set(stdcontext.HeaderUserID, "u-1")
	req.Header.Set(stdcontext.HeaderRequestID, "req-1")
	req.Header.Set(stdcontext.HeaderCorrelationID, inboundTraceID)
	req.Header.Set(stdcontext.HeaderServiceName, "gateway")
	req.Header.Set(stdcontext.HeaderTransactionType, "create-link")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.True(t, got.bound)
	assert.Equal(t, "t-9", got.sc.TenantID)
	assert.Equal(t, "u-1", got.sc.UserID)
	assert.Equal(t, "req-1", got.sc.RequestID)
	assert.Equal(t, inboundTraceID, got.sc.CorrelationID)
	assert.Equal(t, "create-link", got.sc.TransactionType)

	// The hop speaks with its own name, not the caller's.
	assert.Equal(t, "link-service", got.sc.ServiceName)

	// The server span continues the caller's trace.
	assert.Equal(t, inboundTraceID, got.span.TraceID().String())
	assert.NotEqual(t, "00f067aa0ba902b7", got.span.SpanID().String())
}

func TestMiddleware_MalformedTraceparentStartsRoot(t *testing.T) {
	e, got, recorder, logs := newTestApp(t, "link-service")

	req := httptest.NewRequest(http.MethodGet, "/links/abc", nil)
	req.Header.Set("traceparent", "00-00000000000000000000000000000000-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// Request served, fresh root trace.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.span.IsValid())
	assert.NotEqual(t, "00000000000000000000000000000000", got.span.TraceID().String())

	assertMalformedTagged(t, recorder, "traceparent")
	require.NotEmpty(t, logs.FilterMessage("malformed context header discarded").All())
}

func TestMiddleware_OverlongHeaderDiscarded(t *testing.T) {
	e, got, recorder, _ := newTestApp(t, "link-service")

	long := make([]byte, stdcontext.MaxFieldBytes+1)
	for i := range long {
		long[i] = 'e'
	}
	req := httptest.NewRequest(http.MethodGet, "/links/abc", nil)
	req.Header.Set(stdcontext.HeaderTenantID, "t-9")
	req.Header.Set(stdcontext.HeaderUserEmail, string(long))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "t-9", got.sc.TenantID)
	assert.Empty(t, got.sc.UserEmail, "overlong value is dropped, not truncated")
	assertMalformedTagged(t, recorder, stdcontext.HeaderUserEmail)
}

func TestMiddleware_DefaultsWhenNoHeaders(t *testing.T) {
	e, got, _, _ := newTestApp(t, "link-service")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/links/abc", nil))

	assert.Equal(t, stdcontext.DefaultTenantID, got.sc.TenantID)
	assert.Equal(t, stdcontext.DefaultUserID, got.sc.UserID)
	assert.True(t, got.span.IsValid(), "root span minted without inbound trace")
}

// Concurrent requests must each observe their own context; nothing is
// shared between request scopes.
func TestMiddleware_ScopeIsolation(t *testing.T) {
	e, _, _, _ := newTestApp(t, "link-service")

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := fmt.Sprintf("tenant-%d", i)
			req := httptest.NewRequest(http.MethodGet, "/links/abc", nil)
			req.Header.Set(stdcontext.HeaderTenantID, tenant)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tenant, rec.Body.String())
		}(i)
	}
	wg.Wait()
}

// A request after a fully-populated one must not inherit any of its
// fields: scope dies with the request.
func TestMiddleware_ScopeClearedBetweenRequests(t *testing.T) {
	e, got, _, _ := newTestApp(t, "link-service")

	first := httptest.NewRequest(http.MethodGet, "/links/abc", nil)
	first.Header.Set("traceparent", sampledTraceparent)
	first.Header.Set(stdcontext.HeaderTenantID, "t-9")
	first.Header.Set(stdcontext.HeaderRequestID, "req-1")
	e.ServeHTTP(httptest.NewRecorder(), first)
	require.Equal(t, "t-9", got.sc.TenantID)

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/links/abc", nil))

	assert.Equal(t, stdcontext.DefaultTenantID, got.sc.TenantID)
	assert.Empty(t, got.sc.RequestID)
	assert.NotEqual(t, inboundTraceID, got.span.TraceID().String())
}

// A handler panic must not leave the panicked request's scope visible to
// later requests.
func TestMiddleware_PanicDoesNotLeakScope(t *testing.T) {
	e, got, _, _ := newTestApp(t, "link-service")
	e.Use(middleware.Recover())
	e.GET("/boom", func(echo.Context) error { panic("handler exploded") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("traceparent", sampledTraceparent)
	req.Header.Set(stdcontext.HeaderTenantID, "t-9")
	req.Header.Set(stdcontext.HeaderRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/links/abc", nil))

	assert.Equal(t, stdcontext.DefaultTenantID, got.sc.TenantID)
	assert.Empty(t, got.sc.RequestID)
	assert.NotEqual(t, inboundTraceID, got.span.TraceID().String())
}

func TestMiddleware_ScopeLoggerCarriesFields(t *testing.T) {
	e, _, _, logs := newTestApp(t, "link-service")

	req := httptest.NewRequest(http.MethodGet, "/links/abc", nil)
	req.Header.Set(stdcontext.HeaderTenantID, "t-9")
	req.Header.Set(stdcontext.HeaderRequestID, "req-1")
	e.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request handled").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t-9", fields["tenant_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "link-service", fields["service"])
}

func assertMalformedTagged(t *testing.T, recorder *tracetest.SpanRecorder, header string) {
	t.Helper()
	for _, span := range recorder.Ended() {
		for _, attr := range span.Attributes() {
			if string(attr.Key) == "context.malformed" {
				assert.Contains(t, attr.Value.AsString(), header)
				return
			}
		}
	}
	t.Fatalf("no ended span carries context.malformed=%s", header)
}
