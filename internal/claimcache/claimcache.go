// Package claimcache is the shared token-claims store backed by Redis.
//
// The gateway validates a bearer token once, then caches the claim-derived
// identity here so replicas skip the validator on subsequent requests with
// the same token. The store is a soft dependency: every failure mode reads
// as a cache miss and the caller falls through to the validator. A Redis
// outage degrades latency, never availability.
package claimcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultTTLCap bounds how long a cached identity may outlive its last
	// validation, regardless of how far away the token's expiry is.
	DefaultTTLCap = 15 * time.Minute

	// DefaultOpTimeout bounds every Redis round trip so a slow cache cannot
	// stall the request path.
	DefaultOpTimeout = 200 * time.Millisecond

	keyPrefix = "claims:"
)

// Identity is the claim-derived portion of the business context. It carries
// no per-request fields; those are minted fresh on every request.
type Identity struct {
	TenantID  string   `json:"tenant_id"`
	UserID    string   `json:"user_id"`
	UserEmail string   `json:"user_email,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

// Store caches validated identities keyed by token fingerprint.
type Store struct {
	rdb       *redis.Client
	ttlCap    time.Duration
	opTimeout time.Duration
	logger    *zap.Logger
}

// New builds a Store. Non-positive ttlCap or opTimeout fall back to the
// package defaults.
func New(rdb *redis.Client, ttlCap, opTimeout time.Duration, logger *zap.Logger) *Store {
	if ttlCap <= 0 {
		ttlCap = DefaultTTLCap
	}
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Store{rdb: rdb, ttlCap: ttlCap, opTimeout: opTimeout, logger: logger}
}

// Fingerprint derives the cache key material for a raw token. The raw token
// string must never reach Redis, so keys are a SHA-256 of the token in hex.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Get looks up the identity cached for token. The second return is false on
// a miss, an expired entry, a decode failure, or any Redis error; failures
// are logged at WARN and reported to the caller as a plain miss.
func (s *Store) Get(ctx context.Context, token string) (Identity, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := s.rdb.Get(opCtx, key(token)).Bytes()
	if err == redis.Nil {
		return Identity{}, false
	}
	if err != nil {
		s.logger.Warn("claim cache read failed, bypassing", zap.Error(err))
		return Identity{}, false
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		s.logger.Warn("claim cache entry undecodable, bypassing", zap.Error(err))
		return Identity{}, false
	}
	return id, true
}

// Put caches id for token until notAfter, subject to the store's TTL cap.
// A zero notAfter caches for the full cap. Write failures are logged and
// swallowed; the validator result the caller already holds is the source of
// truth.
func (s *Store) Put(ctx context.Context, token string, id Identity, notAfter time.Time) {
	ttl := s.ttlCap
	if !notAfter.IsZero() {
		ttl = time.Until(notAfter)
		if ttl < time.Second {
			ttl = time.Second
		}
		if ttl > s.ttlCap {
			ttl = s.ttlCap
		}
	}

	raw, err := json.Marshal(id)
	if err != nil {
		s.logger.Warn("claim cache encode failed", zap.Error(err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Set(opCtx, key(token), raw, ttl).Err(); err != nil {
		s.logger.Warn("claim cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached identity for token. Used when a downstream
// rejects a token the cache still considers fresh.
func (s *Store) Invalidate(ctx context.Context, token string) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Del(opCtx, key(token)).Err(); err != nil {
		s.logger.Warn("claim cache invalidate failed", zap.Error(err))
	}
}

func key(token string) string {
	return fmt.Sprintf("%s%s", keyPrefix, Fingerprint(token))
}
