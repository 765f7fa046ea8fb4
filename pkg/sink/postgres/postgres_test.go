package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

// mockBatchResults implements pgx.BatchResults for testing.
type mockBatchResults struct {
	execErrAt int // 1-based; 0 means never
	calls     int
	closed    bool
}

func (r *mockBatchResults) Exec() (pgconn.CommandTag, error) {
	r.calls++
	if r.execErrAt != 0 && r.calls == r.execErrAt {
		return pgconn.CommandTag{}, errors.New("unique violation")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *mockBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *mockBatchResults) QueryRow() pgx.Row          { return nil }
func (r *mockBatchResults) Close() error               { r.closed = true; return nil }

// mockDB implements the DB interface for testing.
type mockDB struct {
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	execErrAt int
	pingErr   error

	sent    []*pgx.Batch
	results []*mockBatchResults
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	m.sent = append(m.sent, b)
	br := &mockBatchResults{execErrAt: m.execErrAt}
	m.results = append(m.results, br)
	return br
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

func record(i int) sink.Record {
	return sink.Record{
		BatchName: "b", RunID: "run-1", Index: i, BackendID: "mock", VoiceID: "v",
		Kind: "message", Text: "hello", Fingerprint: "fp", CreatedAt: time.Unix(0, 0),
	}
}

func TestSink_Migrate(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS narrator_artifacts") {
					t.Errorf("unexpected migrate SQL: %s", sql)
				}
				return pgconn.CommandTag{}, nil
			},
		}
		if err := New(db).Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() unexpected error: %v", err)
		}
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("connection refused")
			},
		}
		err := New(db).Migrate(context.Background())
		if err == nil || !strings.Contains(err.Error(), "postgres sink: migrate:") {
			t.Errorf("Migrate() error = %v", err)
		}
	})
}

func TestSink_AppendFlush(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := New(db)
	ctx := context.Background()
	item := types.Message{Ref: types.Ref{Voice: "v"}, Text: "hello"}

	for i := range 3 {
		if err := s.Append(ctx, item, []byte("ID3audio"), record(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if s.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", s.Pending())
	}
	if len(db.sent) != 0 {
		t.Fatal("Append must not hit the database")
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(db.sent) != 1 || db.sent[0].Len() != 3 {
		t.Fatalf("expected one batch of 3 inserts, got %d batches", len(db.sent))
	}
	if !db.results[0].closed {
		t.Error("batch results not closed")
	}
	q := db.sent[0].QueuedQueries[2]
	if !strings.Contains(q.SQL, "ON CONFLICT (run_id, item_index) DO NOTHING") {
		t.Errorf("insert is not idempotent: %s", q.SQL)
	}
	if q.Arguments[1] != 2 || q.Arguments[9] != "mp3" {
		t.Errorf("unexpected arguments %v", q.Arguments[:10])
	}
	if s.Pending() != 0 {
		t.Errorf("Pending after Flush = %d", s.Pending())
	}

	// Nothing queued: no round trip.
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if len(db.sent) != 1 {
		t.Errorf("empty Flush sent a batch")
	}
}

func TestSink_FlushErrorKeepsQueue(t *testing.T) {
	t.Parallel()

	db := &mockDB{execErrAt: 2}
	s := New(db)
	ctx := context.Background()
	for i := range 2 {
		_ = s.Append(ctx, nil, []byte("x"), record(i))
	}

	err := s.Flush(ctx)
	if err == nil || !strings.Contains(err.Error(), "insert 2 of 2") {
		t.Fatalf("Flush error = %v", err)
	}
	if !db.results[0].closed {
		t.Error("batch results not closed after failure")
	}
	if s.Pending() != 2 {
		t.Fatalf("Pending after failed Flush = %d, want 2", s.Pending())
	}

	db.execErrAt = 0
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending after retry = %d", s.Pending())
	}
}

func TestSink_Ping(t *testing.T) {
	t.Parallel()

	want := errors.New("down")
	if err := New(&mockDB{pingErr: want}).Ping(context.Background()); !errors.Is(err, want) {
		t.Errorf("Ping = %v, want %v", err, want)
	}
}
