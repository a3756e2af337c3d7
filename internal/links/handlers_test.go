package links_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/linkarc/link-core/internal/links"
)

// --- Mock Service ---

type MockService struct {
	ctrl     *gomock.Controller
	recorder *MockServiceRecorder
}

type MockServiceRecorder struct {
	mock *MockService
}

func NewMockService(ctrl *gomock.Controller) *MockService {
	m := &MockService{ctrl: ctrl}
	m.recorder = &MockServiceRecorder{mock: m}
	return m
}

func (m *MockService) EXPECT() *MockServiceRecorder {
	return m.recorder
}

func toError(v any) error {
	if v == nil {
		return nil
	}
	return v.(error)
}

func (m *MockService) CreateLink(ctx context.Context, in links.CreateLinkInput) (links.Link, error) {
	ret := m.ctrl.Call(m, "CreateLink", ctx, in)
	return ret[0].(links.Link), toError(ret[1])
}
func (mr *MockServiceRecorder) CreateLink(ctx, in any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "CreateLink", ctx, in)
}

func (m *MockService) GetLink(ctx context.Context, code string) (links.Link, error) {
	ret := m.ctrl.Call(m, "GetLink", ctx, code)
	return ret[0].(links.Link), toError(ret[1])
}
func (mr *MockServiceRecorder) GetLink(ctx, code any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "GetLink", ctx, code)
}

func (m *MockService) DeleteLink(ctx context.Context, code string) error {
	ret := m.ctrl.Call(m, "DeleteLink", ctx, code)
	return toError(ret[0])
}
func (mr *MockServiceRecorder) DeleteLink(ctx, code any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "DeleteLink", ctx, code)
}

func (m *MockService) Resolve(ctx context.Context, code string) (string, error) {
	ret := m.ctrl.Call(m, "Resolve", ctx, code)
	ret0, _ := ret[0].(string)
	return ret0, toError(ret[1])
}
func (mr *MockServiceRecorder) Resolve(ctx, code any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "Resolve", ctx, code)
}

func (m *MockService) ExpireLinks(ctx context.Context, now time.Time, limit int32) (int64, error) {
	ret := m.ctrl.Call(m, "ExpireLinks", ctx, now, limit)
	ret0, _ := ret[0].(int64)
	return ret0, toError(ret[1])
}
func (mr *MockServiceRecorder) ExpireLinks(ctx, now, limit any) *gomock.Call {
	return mr.mock.ctrl.RecordCall(mr.mock, "ExpireLinks", ctx, now, limit)
}

// --- Handler tests ---

func newApp(t *testing.T) (*echo.Echo, *MockService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	svc := NewMockService(ctrl)
	e := echo.New()
	links.NewHandler(svc).Register(e)
	return e, svc
}

func TestCreateLink(t *testing.T) {
	e, svc := newApp(t)

	svc.EXPECT().
		CreateLink(gomock.Any(), links.CreateLinkInput{TargetURL: "https://example.com/docs", TTLSeconds: 60}).
		Return(links.Link{Code: "abc123", TargetURL: "https://example.com/docs", TenantID: "t-9"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/links",
		strings.NewReader(`{"target_url":"https://example.com/docs","ttl_seconds":60}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got links.Link
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "abc123", got.Code)
}

func TestCreateLink_InvalidInput(t *testing.T) {
	e, svc := newApp(t)

	svc.EXPECT().
		CreateLink(gomock.Any(), gomock.Any()).
		Return(links.Link{}, links.ErrInvalidInput)

	req := httptest.NewRequest(http.MethodPost, "/links", strings.NewReader(`{"target_url":"not a url"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLink_NotFound(t *testing.T) {
	e, svc := newApp(t)

	svc.EXPECT().
		GetLink(gomock.Any(), "missing").
		Return(links.Link{}, links.ErrNotFound)

	req := httptest.NewRequest(http.MethodGet, "/links/missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedirect(t *testing.T) {
	e, svc := newApp(t)

	svc.EXPECT().
		Resolve(gomock.Any(), "abc123").
		Return("https://example.com/docs", nil)

	req := httptest.NewRequest(http.MethodGet, "/r/abc123", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/docs", rec.Header().Get("Location"))
}

func TestRedirect_Expired(t *testing.T) {
	e, svc := newApp(t)

	svc.EXPECT().
		Resolve(gomock.Any(), "stale").
		Return("", links.ErrExpired)

	req := httptest.NewRequest(http.MethodGet, "/r/stale", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestDeleteLink(t *testing.T) {
	e, svc := newApp(t)

	svc.EXPECT().
		DeleteLink(gomock.Any(), "abc123").
		Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/links/abc123", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
