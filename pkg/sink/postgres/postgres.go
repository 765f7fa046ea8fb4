// Package postgres implements a [sink.Sink] that stores audio artifacts in a
// PostgreSQL table.
//
// Append queues one INSERT into a [pgx.Batch]; Flush sends the whole batch in
// a single round trip. Inserts are idempotent on (run_id, item_index), so a
// Flush retried after a partial failure never duplicates rows.
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

// Schema is the SQL DDL for the narrator_artifacts table. Execute it via
// [Sink.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS narrator_artifacts (
    run_id             TEXT NOT NULL,
    item_index         INTEGER NOT NULL,
    batch_name         TEXT NOT NULL DEFAULT '',
    backend            TEXT NOT NULL,
    voice              TEXT NOT NULL,
    kind               TEXT NOT NULL DEFAULT 'message',
    text               TEXT NOT NULL,
    fingerprint        TEXT NOT NULL,
    cache_hit          BOOLEAN NOT NULL DEFAULT false,
    audio_format       TEXT NOT NULL DEFAULT 'bin',
    audio              BYTEA NOT NULL,
    estimated_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, item_index)
);
CREATE INDEX IF NOT EXISTS idx_narrator_artifacts_batch ON narrator_artifacts(batch_name);
CREATE INDEX IF NOT EXISTS idx_narrator_artifacts_fingerprint ON narrator_artifacts(fingerprint);
`

const insertArtifact = `
INSERT INTO narrator_artifacts
    (run_id, item_index, batch_name, backend, voice, kind, text, fingerprint, cache_hit, audio_format, audio, estimated_duration, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (run_id, item_index) DO NOTHING`

// DB is the database interface used by [Sink]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// Sink is a [sink.Sink] backed by PostgreSQL.
type Sink struct {
	db DB

	mu    sync.Mutex
	batch *pgx.Batch
}

var _ sink.Sink = (*Sink)(nil)

// New creates a Sink that writes through db. The caller is responsible for
// calling [Sink.Migrate] before the first Flush.
func New(db DB) *Sink {
	return &Sink{db: db, batch: &pgx.Batch{}}
}

// Migrate executes the [Schema] DDL against the database.
func (s *Sink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres sink: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity. It is used as a readiness check.
func (s *Sink) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Append queues an insert for the artifact.
func (s *Sink) Append(_ context.Context, _ types.SpeakableItem, audio []byte, rec sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch.Queue(insertArtifact,
		rec.RunID, rec.Index, rec.BatchName, rec.BackendID, rec.VoiceID, rec.Kind, rec.Text,
		rec.Fingerprint, rec.CacheHit, sink.Ext(audio), audio, rec.EstimatedDuration, rec.CreatedAt,
	)
	return nil
}

// Pending returns the number of queued inserts.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch.Len()
}

// Flush sends all queued inserts. On failure the queue is kept so the next
// Flush retries it.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.batch.Len()
	if n == 0 {
		return nil
	}

	br := s.db.SendBatch(ctx, s.batch)
	var execErr error
	for i := range n {
		if _, err := br.Exec(); err != nil {
			execErr = fmt.Errorf("postgres sink: insert %d of %d: %w", i+1, n, err)
			break
		}
	}
	if err := br.Close(); err != nil && execErr == nil {
		execErr = fmt.Errorf("postgres sink: close batch: %w", err)
	}
	if execErr != nil {
		return execErr
	}
	s.batch = &pgx.Batch{}
	return nil
}
