package propagate

import (
	"net/http"
	"time"

	otelpropagation "go.opentelemetry.io/otel/propagation"

	"github.com/linkarc/link-core/internal/stdcontext"
	"github.com/linkarc/link-core/internal/telemetry"
)

// Transport is an http.RoundTripper that writes the bound business context
// and the active W3C trace context onto every outbound request. Wrap any
// base transport with it; the zero value uses http.DefaultTransport and
// the shared telemetry propagator.
type Transport struct {
	Base       http.RoundTripper
	Propagator otelpropagation.TextMapPropagator
}

// RoundTrip clones the request before writing headers; RoundTrippers must
// not mutate the caller's request.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	stdcontext.Inject(out.Header, stdcontext.FromOrDefault(req.Context()))
	t.propagator().Inject(req.Context(), otelpropagation.HeaderCarrier(out.Header))
	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) propagator() otelpropagation.TextMapPropagator {
	if t.Propagator != nil {
		return t.Propagator
	}
	return telemetry.Propagator()
}

// NewHTTPClient returns a client whose requests carry the caller's context
// headers and trace parentage. Every service-to-service call goes through
// one of these.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{},
	}
}
