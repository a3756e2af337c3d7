package cdc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/linkarc/link-core/internal/stdcontext"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu      sync.Mutex
	execs   []execCall
	execErr error
	tag     pgconn.CommandTag
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if f.tag.String() == "" {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return f.tag, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fakeDB")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakeDB) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

type stubPublisher struct {
	mu   sync.Mutex
	err  error
	msgs []Message
}

func (s *stubPublisher) Publish(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func newTestWorker(t *testing.T, pub messagePublisher, db *fakeDB) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		ReplicationURL: "postgres://replicator@localhost/links?replication=database",
		DB:             db,
		Projector:      NewProjector(nil, "", zap.NewNop()),
		Publisher:      pub,
		Reconciler:     NewReconciler(db, time.Minute, zap.NewNop()),
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	return w
}

func TestReconciler_FlushMarksBatch(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 2")}
	r := NewReconciler(db, time.Minute, zap.NewNop())

	r.MarkPublished("0190c6f0-3c65-7d11-8000-0123456789ab")
	r.MarkPublished("0190c6f0-3c65-7d11-8000-0123456789ac")
	r.Flush(context.Background())

	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "SET status = 'PROCESSED'")
	ids, ok := db.execs[0].args[0].([]pgtype.UUID)
	require.True(t, ok)
	assert.Len(t, ids, 2)

	r.Flush(context.Background())
	assert.Len(t, db.execs, 1, "an empty queue must not issue a query")
}

func TestReconciler_RequeuesOnError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("db down")}
	core, logs := observer.New(zapcore.ErrorLevel)
	r := NewReconciler(db, time.Minute, zap.New(core))

	r.MarkPublished("0190c6f0-3c65-7d11-8000-0123456789ab")
	r.Flush(context.Background())
	require.Equal(t, 1, db.execCount())
	require.Len(t, logs.All(), 1)

	db.execErr = nil
	r.Flush(context.Background())
	assert.Equal(t, 2, db.execCount(), "the failed batch is retried at the next flush")
}

func TestReconciler_RejectsBadRowID(t *testing.T) {
	db := &fakeDB{}
	core, logs := observer.New(zapcore.ErrorLevel)
	r := NewReconciler(db, time.Minute, zap.New(core))

	r.MarkPublished("not-a-uuid")
	r.Flush(context.Background())

	assert.Empty(t, db.execs)
	assert.Len(t, logs.FilterMessage("outbox row id is not a uuid").All(), 1)
}

func TestWorker_InsertFlowsToBrokerAndReconciler(t *testing.T) {
	db := &fakeDB{}
	pub := &stubPublisher{}
	w := newTestWorker(t, pub, db)

	w.decoder.RegisterRelation(relation(7, WatchedTable,
		"id", "aggregate_type", "aggregate_id", "event_type", "payload",
		"trace_id", "parent_span_id", "trace_flags", "tenant_id", "user_id"))
	w.handleInsert(context.Background(), insert(7,
		textCol("0190c6f0-3c65-7d11-8000-0123456789ab"),
		textCol("link"),
		textCol("abc1234"),
		textCol("LinkCreated"),
		textCol(`{"code":"abc1234"}`),
		textCol("4bf92f3577b34da6a3ce929d0e0e4736"),
		textCol("00f067aa0ba902b7"),
		textCol("01"),
		textCol("t-9"),
		nullCol(),
	))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "abc1234", msg.Key)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		msg.Headers.Get(stdcontext.HeaderTraceparent))
	_, ok := msg.Headers[stdcontext.HeaderUserID]
	assert.False(t, ok, "a null user_id column emits no header")

	w.cfg.Reconciler.Flush(context.Background())
	require.Len(t, db.execs, 1, "the published row is queued for reconciliation")
}

func TestWorker_PublishFailureLeavesRowUnreconciled(t *testing.T) {
	db := &fakeDB{}
	pub := &stubPublisher{err: errors.New("broker down")}
	w := newTestWorker(t, pub, db)

	w.decoder.RegisterRelation(relation(7, WatchedTable, "id", "aggregate_id", "event_type", "payload"))
	w.handleInsert(context.Background(), insert(7,
		textCol("0190c6f0-3c65-7d11-8000-0123456789ab"),
		textCol("abc1234"),
		textCol("LinkCreated"),
		textCol("{}"),
	))

	w.cfg.Reconciler.Flush(context.Background())
	assert.Empty(t, db.execs, "a failed publish must not mark the row processed")
}

func TestWorker_OtherTableInsertIsIgnored(t *testing.T) {
	db := &fakeDB{}
	pub := &stubPublisher{}
	w := newTestWorker(t, pub, db)

	w.decoder.RegisterRelation(relation(3, "links", "code", "target_url"))
	w.handleInsert(context.Background(), insert(3, textCol("abc1234"), textCol("https://example.com")))

	assert.Empty(t, pub.msgs)
}
