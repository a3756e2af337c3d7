// Package links is the URL-shortener domain behind the gateway. Every write
// commits its outbox event in the same transaction as the link row; the
// resolve path runs through a soft Redis cache whose TTL never outlives the
// link's expiry.
package links

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/outbox"
	"github.com/linkarc/link-core/internal/stdcontext"
)

const (
	codeLength     = 7
	codeAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	cacheKeyPrefix = "link:"
)

// Service is the link domain API.
type Service interface {
	CreateLink(ctx context.Context, in CreateLinkInput) (Link, error)
	GetLink(ctx context.Context, code string) (Link, error)
	DeleteLink(ctx context.Context, code string) error

	// Resolve returns the redirect target for a live link.
	Resolve(ctx context.Context, code string) (string, error)

	// ExpireLinks removes links whose expiry lies before now, emitting one
	// outbox event per removed link. Returns how many were removed.
	ExpireLinks(ctx context.Context, now time.Time, limit int32) (int64, error)
}

type CreateLinkInput struct {
	TargetURL  string
	TTLSeconds int64
}

type linkService struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	ttlCap    time.Duration
	opTimeout time.Duration
}

// NewService builds the link service. rdb may be nil; the cache is a soft
// dependency and every Redis failure degrades to a database read.
func NewService(pool *pgxpool.Pool, rdb *redis.Client, ttlCap, opTimeout time.Duration) Service {
	if ttlCap <= 0 {
		ttlCap = 15 * time.Minute
	}
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	return &linkService{pool: pool, rdb: rdb, ttlCap: ttlCap, opTimeout: opTimeout}
}

// linkEventPayload is the business payload carried by link outbox events.
type linkEventPayload struct {
	Code      string     `json:"code"`
	TargetURL string     `json:"target_url,omitempty"`
	TenantID  string     `json:"tenant_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *linkService) CreateLink(ctx context.Context, in CreateLinkInput) (Link, error) {
	target, err := normalizeTarget(in.TargetURL)
	if err != nil {
		return Link{}, err
	}

	sc := stdcontext.FromOrDefault(ctx)
	var expiresAt *time.Time
	if in.TTLSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(in.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	var link Link
	for attempt := 0; ; attempt++ {
		code, err := newCode(codeLength)
		if err != nil {
			return Link{}, fmt.Errorf("links: generate code: %w", err)
		}
		link = Link{
			Code:      code,
			TargetURL: target,
			TenantID:  sc.TenantID,
			CreatedBy: sc.UserID,
			CreatedAt: time.Now().UTC(),
			ExpiresAt: expiresAt,
		}
		err = s.insertWithEvent(ctx, link)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < 2 {
			continue
		}
		return Link{}, err
	}

	s.cacheSet(ctx, link)
	return link, nil
}

// insertWithEvent writes the link row and its LinkCreated event in one
// transaction.
func (s *linkService) insertWithEvent(ctx context.Context, link Link) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("links: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := New(tx).InsertLink(ctx, link); err != nil {
		return fmt.Errorf("links: insert link: %w", err)
	}
	if _, err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "link",
		AggregateID:   link.Code,
		EventType:     "LinkCreated",
		Payload: linkEventPayload{
			Code:      link.Code,
			TargetURL: link.TargetURL,
			TenantID:  link.TenantID,
			ExpiresAt: link.ExpiresAt,
		},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("links: commit transaction: %w", err)
	}
	return nil
}

func (s *linkService) GetLink(ctx context.Context, code string) (Link, error) {
	link, err := New(s.pool).GetLink(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Link{}, ErrNotFound
		}
		return Link{}, fmt.Errorf("links: get link: %w", err)
	}
	return link, nil
}

func (s *linkService) DeleteLink(ctx context.Context, code string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("links: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := New(tx).DeleteLink(ctx, code)
	if err != nil {
		return fmt.Errorf("links: delete link: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	sc := stdcontext.FromOrDefault(ctx)
	if _, err := outbox.Append(ctx, tx, outbox.Event{
		AggregateType: "link",
		AggregateID:   code,
		EventType:     "LinkDeleted",
		Payload:       linkEventPayload{Code: code, TenantID: sc.TenantID},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("links: commit transaction: %w", err)
	}

	s.cacheDel(ctx, code)
	return nil
}

func (s *linkService) Resolve(ctx context.Context, code string) (string, error) {
	if target, ok := s.cacheGet(ctx, code); ok {
		return target, nil
	}

	link, err := s.GetLink(ctx, code)
	if err != nil {
		return "", err
	}
	if link.Expired(time.Now()) {
		return "", ErrExpired
	}

	s.cacheSet(ctx, link)
	return link.TargetURL, nil
}

func (s *linkService) ExpireLinks(ctx context.Context, now time.Time, limit int32) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("links: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	qtx := New(tx)
	expired, err := qtx.ListExpiredLinks(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("links: list expired: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	codes := make([]string, len(expired))
	for i, l := range expired {
		codes[i] = l.Code
	}
	if _, err := qtx.DeleteLinksByCodes(ctx, codes); err != nil {
		return 0, fmt.Errorf("links: delete expired: %w", err)
	}
	for _, l := range expired {
		if _, err := outbox.Append(ctx, tx, outbox.Event{
			AggregateType: "link",
			AggregateID:   l.Code,
			EventType:     "LinkExpired",
			Payload:       linkEventPayload{Code: l.Code, TenantID: l.TenantID},
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("links: commit transaction: %w", err)
	}

	for _, l := range expired {
		s.cacheDel(ctx, l.Code)
	}
	return int64(len(expired)), nil
}

// ── cache helpers ─────────────────────────────────────────────────────

func (s *linkService) cacheGet(ctx context.Context, code string) (string, bool) {
	if s.rdb == nil {
		return "", false
	}
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	target, err := s.rdb.Get(cctx, cacheKeyPrefix+code).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			stdcontext.Logger(ctx).Warn("link cache read failed", zap.String("code", code), zap.Error(err))
		}
		return "", false
	}
	return target, true
}

func (s *linkService) cacheSet(ctx context.Context, link Link) {
	if s.rdb == nil {
		return
	}
	ttl := s.ttlCap
	if link.ExpiresAt != nil {
		until := time.Until(*link.ExpiresAt)
		if until <= 0 {
			return
		}
		if until < ttl {
			ttl = until
		}
	}
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Set(cctx, cacheKeyPrefix+link.Code, link.TargetURL, ttl).Err(); err != nil {
		stdcontext.Logger(ctx).Warn("link cache write failed", zap.String("code", link.Code), zap.Error(err))
	}
}

func (s *linkService) cacheDel(ctx context.Context, code string) {
	if s.rdb == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Del(cctx, cacheKeyPrefix+code).Err(); err != nil {
		stdcontext.Logger(ctx).Warn("link cache invalidate failed", zap.String("code", code), zap.Error(err))
	}
}

// ── helpers ───────────────────────────────────────────────────────────

func normalizeTarget(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: target_url is required", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: target_url must be absolute http(s)", ErrInvalidInput)
	}
	return u.String(), nil
}

func newCode(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i, v := range b {
		b[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
