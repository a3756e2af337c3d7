package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linkarc/link-core/internal/propagate"
)

// Errors surfaced by the upstream client for response mapping.
var (
	ErrLinkNotFound = errors.New("link not found")
	ErrLinkExpired  = errors.New("link expired")
)

// Link is the BFF's view of a short link as served by the link service.
type Link struct {
	Code      string     `json:"code"`
	TargetURL string     `json:"target_url"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateLinkRequest is the inbound payload for link creation, forwarded to
// the link service unchanged.
type CreateLinkRequest struct {
	TargetURL  string `json:"target_url"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// LinksClient abstracts the link service API so handlers and tests can swap
// in a fake.
type LinksClient interface {
	CreateLink(ctx context.Context, in CreateLinkRequest) (*Link, error)
	GetLink(ctx context.Context, code string) (*Link, error)
	DeleteLink(ctx context.Context, code string) error

	// Resolve returns the redirect target for code without following it.
	Resolve(ctx context.Context, code string) (string, error)
}

// httpLinksClient is the production implementation. Its transport injects
// the bound standard context and trace headers on every call.
type httpLinksClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLinksClient builds a LinksClient for the link service at baseURL (no
// trailing slash).
func NewLinksClient(baseURL string, timeout time.Duration) LinksClient {
	hc := propagate.NewHTTPClient(timeout)
	// The redirect belongs to the browser, not to the BFF.
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &httpLinksClient{baseURL: baseURL, httpClient: hc}
}

func (c *httpLinksClient) CreateLink(ctx context.Context, in CreateLinkRequest) (*Link, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/links", in)
	if err != nil {
		return nil, err
	}
	var out Link
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpLinksClient) GetLink(ctx context.Context, code string) (*Link, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/links/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}
	var out Link
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpLinksClient) DeleteLink(ctx context.Context, code string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/links/"+url.PathEscape(code), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *httpLinksClient) Resolve(ctx context.Context, code string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/r/"+url.PathEscape(code), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("links client: resolve %s: %w", code, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusFound, http.StatusMovedPermanently, http.StatusTemporaryRedirect:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", fmt.Errorf("links client: resolve %s: redirect without location", code)
		}
		return loc, nil
	case http.StatusNotFound:
		return "", ErrLinkNotFound
	case http.StatusGone:
		return "", ErrLinkExpired
	default:
		return "", fmt.Errorf("links client: resolve %s: status %d", code, resp.StatusCode)
	}
}

// ── internal helpers ──────────────────────────────────────────────────

func (c *httpLinksClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("links client: marshal request body: %w", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return nil, fmt.Errorf("links client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *httpLinksClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("links client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrLinkNotFound
	case resp.StatusCode == http.StatusGone:
		return ErrLinkExpired
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("links client: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("links client: decode response: %w", err)
	}
	return nil
}
