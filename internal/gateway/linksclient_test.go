package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkarc/link-core/internal/stdcontext"
)

func TestLinksClient_CreateLink(t *testing.T) {
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		var in CreateLinkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "https://example.com/docs", in.TargetURL)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Link{Code: "abc123", TargetURL: in.TargetURL})
	}))
	defer upstream.Close()

	client := NewLinksClient(upstream.URL, 5*time.Second)

	sc := stdcontext.New().WithRequestScope("req-1", "corr-1", "gateway", "create-link", "")
	sc.TenantID = "t-9"
	sc.UserID = "u-1"
	ctx := stdcontext.Bind(t.Context(), sc)

	link, err := client.CreateLink(ctx, CreateLinkRequest{TargetURL: "https://example.com/docs"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", link.Code)

	// the transport injected the bound context onto the upstream call
	assert.Equal(t, "t-9", gotHeaders.Get(stdcontext.HeaderTenantID))
	assert.Equal(t, "u-1", gotHeaders.Get(stdcontext.HeaderUserID))
	assert.Equal(t, "req-1", gotHeaders.Get(stdcontext.HeaderRequestID))
	assert.Equal(t, "gateway", gotHeaders.Get(stdcontext.HeaderServiceName))
}

func TestLinksClient_ResolveReturnsLocationWithoutFollowing(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		switch r.URL.Path {
		case "/r/abc123":
			http.Redirect(w, r, "https://example.com/docs", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	client := NewLinksClient(upstream.URL, 5*time.Second)

	target, err := client.Resolve(t.Context(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", target)
	assert.Equal(t, 1, hits, "client must not follow the redirect")
}

func TestLinksClient_ErrorMapping(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/links/missing", "/r/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/r/stale":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer upstream.Close()

	client := NewLinksClient(upstream.URL, 5*time.Second)
	ctx := t.Context()

	_, err := client.GetLink(ctx, "missing")
	assert.ErrorIs(t, err, ErrLinkNotFound)

	_, err = client.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrLinkNotFound)

	_, err = client.Resolve(ctx, "stale")
	assert.ErrorIs(t, err, ErrLinkExpired)

	_, err = client.GetLink(ctx, "boom")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLinkNotFound)
}

func TestLinksClient_DeleteLink(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/links/abc123", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	client := NewLinksClient(upstream.URL, 5*time.Second)
	assert.NoError(t, client.DeleteLink(t.Context(), "abc123"))
}
