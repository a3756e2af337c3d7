package links

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("link not found")
	ErrExpired      = errors.New("link expired")
	ErrInvalidInput = errors.New("invalid input")
)

// Link is one short link row.
type Link struct {
	Code      string     `json:"code"`
	TargetURL string     `json:"target_url"`
	TenantID  string     `json:"tenant_id"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the link is past its expiry at now. Links without
// an expiry never expire.
func (l Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}
