package links

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "https", in: "https://example.com/docs?q=1", want: "https://example.com/docs?q=1"},
		{name: "http", in: "http://example.com", want: "http://example.com"},
		{name: "empty", in: "", wantErr: true},
		{name: "relative", in: "/docs", wantErr: true},
		{name: "no host", in: "https://", wantErr: true},
		{name: "wrong scheme", in: "ftp://example.com/file", wantErr: true},
		{name: "javascript", in: "javascript:alert(1)", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeTarget(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := newCode(codeLength)
		require.NoError(t, err)
		assert.Len(t, code, codeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
		}
		seen[code] = true
	}
	// 50 draws from a 62^7 space colliding would mean a broken generator
	assert.Len(t, seen, 50)
}

func TestLinkExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, Link{}.Expired(now))
	assert.False(t, Link{ExpiresAt: &future}.Expired(now))
	assert.True(t, Link{ExpiresAt: &past}.Expired(now))
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("links: insert link: %w", dup)))
	assert.False(t, isUniqueViolation(errors.New("plain failure")))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "40001"}))
}
