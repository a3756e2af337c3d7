package claimcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, 15*time.Minute, 200*time.Millisecond, zaptest.NewLogger(t)), mr
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id := Identity{
		TenantID:  "t-9",
		UserID:    "u-1",
		UserEmail: "u1@example.com",
		Groups:    []string{"admins", "ops"},
	}
	store.Put(ctx, "token-abc", id, time.Now().Add(time.Hour))

	got, ok := store.Get(ctx, "token-abc")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestGet_MissOnUnknownToken(t *testing.T) {
	store, _ := newTestStore(t)

	_, ok := store.Get(context.Background(), "never-seen")
	assert.False(t, ok)
}

func TestRawTokenNeverStored(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	const token = "eyJhbGciOiJSUzI1NiJ9.sensitive.payload"
	store.Put(ctx, token, Identity{TenantID: "t", UserID: "u"}, time.Now().Add(time.Hour))

	assert.False(t, mr.Exists(token), "raw token must not be a key")
	assert.True(t, mr.Exists("claims:"+Fingerprint(token)))
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, token)
	}
}

func TestPut_TTLCappedAndFloored(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	// Expiry far beyond the cap: TTL clamps to the cap.
	store.Put(ctx, "long-lived", Identity{UserID: "u"}, time.Now().Add(24*time.Hour))
	assert.LessOrEqual(t, mr.TTL("claims:"+Fingerprint("long-lived")), 15*time.Minute)

	// Already-expired token: floored to one second, never zero or negative.
	store.Put(ctx, "expired", Identity{UserID: "u"}, time.Now().Add(-time.Minute))
	ttl := mr.TTL("claims:" + Fingerprint("expired"))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Second)

	// Zero expiry caches for the full cap.
	store.Put(ctx, "no-expiry", Identity{UserID: "u"}, time.Time{})
	assert.Equal(t, 15*time.Minute, mr.TTL("claims:"+Fingerprint("no-expiry")))
}

func TestGet_ExpiredEntryIsMiss(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "short", Identity{UserID: "u"}, time.Now().Add(2*time.Second))
	_, ok := store.Get(ctx, "short")
	require.True(t, ok)

	mr.FastForward(3 * time.Second)

	_, ok = store.Get(ctx, "short")
	assert.False(t, ok)
}

func TestGet_UndecodableEntryIsMiss(t *testing.T) {
	store, mr := newTestStore(t)

	require.NoError(t, mr.Set("claims:"+Fingerprint("poisoned"), "{not json"))

	_, ok := store.Get(context.Background(), "poisoned")
	assert.False(t, ok)
}

func TestSoftFailure_RedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	// Reads report a miss, writes and invalidations return without error.
	_, ok := store.Get(ctx, "any")
	assert.False(t, ok)
	store.Put(ctx, "any", Identity{UserID: "u"}, time.Now().Add(time.Hour))
	store.Invalidate(ctx, "any")
}

func TestSoftFailure_CanceledContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := store.Get(ctx, "any")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "tok", Identity{UserID: "u"}, time.Now().Add(time.Hour))
	_, ok := store.Get(ctx, "tok")
	require.True(t, ok)

	store.Invalidate(ctx, "tok")
	_, ok = store.Get(ctx, "tok")
	assert.False(t, ok)
}

func TestFingerprint_DeterministicAndDistinct(t *testing.T) {
	assert.Equal(t, Fingerprint("a"), Fingerprint("a"))
	assert.NotEqual(t, Fingerprint("a"), Fingerprint("b"))
	assert.Len(t, Fingerprint("a"), 64)
}
