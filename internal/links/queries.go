package links

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx alike.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const insertLink = `
INSERT INTO links (code, target_url, tenant_id, created_by, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (q *Queries) InsertLink(ctx context.Context, l Link) error {
	_, err := q.db.Exec(ctx, insertLink,
		l.Code, l.TargetURL, l.TenantID, l.CreatedBy, l.CreatedAt, l.ExpiresAt,
	)
	return err
}

const getLink = `
SELECT code, target_url, tenant_id, created_by, created_at, expires_at
FROM links
WHERE code = $1`

func (q *Queries) GetLink(ctx context.Context, code string) (Link, error) {
	row := q.db.QueryRow(ctx, getLink, code)
	var l Link
	err := row.Scan(&l.Code, &l.TargetURL, &l.TenantID, &l.CreatedBy, &l.CreatedAt, &l.ExpiresAt)
	return l, err
}

const deleteLink = `
DELETE FROM links
WHERE code = $1`

func (q *Queries) DeleteLink(ctx context.Context, code string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteLink, code)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListExpiredLinks locks the rows it returns so concurrent expiry runs never
// double-report the same link.
const listExpiredLinks = `
SELECT code, target_url, tenant_id, created_by, created_at, expires_at
FROM links
WHERE expires_at IS NOT NULL AND expires_at < $1
ORDER BY expires_at
LIMIT $2
FOR UPDATE SKIP LOCKED`

func (q *Queries) ListExpiredLinks(ctx context.Context, before time.Time, limit int32) ([]Link, error) {
	rows, err := q.db.Query(ctx, listExpiredLinks, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.Code, &l.TargetURL, &l.TenantID, &l.CreatedBy, &l.CreatedAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const deleteLinksByCodes = `
DELETE FROM links
WHERE code = ANY($1)`

func (q *Queries) DeleteLinksByCodes(ctx context.Context, codes []string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteLinksByCodes, codes)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
