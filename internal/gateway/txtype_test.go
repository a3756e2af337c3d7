package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionTypes_Lookup(t *testing.T) {
	table := DefaultTransactionTypes()

	tests := []struct {
		name    string
		method  string
		route   string
		rawPath string
		want    string
	}{
		{name: "create link", method: http.MethodPost, route: "/links", rawPath: "/links", want: "create-link"},
		{name: "get link", method: http.MethodGet, route: "/links/:code", rawPath: "/links/abc", want: "get-link"},
		{name: "delete link", method: http.MethodDelete, route: "/links/:code", rawPath: "/links/abc", want: "delete-link"},
		{name: "resolve", method: http.MethodGet, route: "/r/:code", rawPath: "/r/abc", want: "resolve-link"},
		{name: "unknown route falls back", method: http.MethodGet, route: "/misc/stuff", rawPath: "/misc/stuff", want: "GET-misc"},
		{name: "no route match falls back", method: http.MethodPut, route: "", rawPath: "/admin/jobs/run", want: "PUT-admin"},
		{name: "root path", method: http.MethodGet, route: "", rawPath: "/", want: "GET-root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Lookup(tt.method, tt.route, tt.rawPath))
		})
	}
}

func TestTransactionTypes_CustomRules(t *testing.T) {
	table := NewTransactionTypes(map[string]string{
		"GET /reports/:id": "fetch-report",
	})

	assert.Equal(t, "fetch-report", table.Lookup(http.MethodGet, "/reports/:id", "/reports/42"))
	assert.Equal(t, "POST-links", table.Lookup(http.MethodPost, "/links", "/links"))
}
