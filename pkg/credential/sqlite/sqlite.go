// Package sqlite provides a credential.Store backed by a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/narrator/pkg/credential"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	account    TEXT PRIMARY KEY,
	secret     TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// Store is a SQLite-backed credential.Store.
type Store struct {
	db *sql.DB
}

// Open opens (and creates, if needed) the database at dbPath and applies the
// schema. The parent directory is created with 0700 permissions.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite: empty db path")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: creating dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate credentials: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save implements credential.Store.
func (s *Store) Save(ctx context.Context, account, secret string) error {
	const stmt = `
INSERT INTO credentials (account, secret, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(account) DO UPDATE SET
	secret=excluded.secret,
	updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, stmt, account, secret, time.Now().UTC()); err != nil {
		return fmt.Errorf("sqlite: save credential: %w", err)
	}
	return nil
}

// Get implements credential.Store.
func (s *Store) Get(ctx context.Context, account string) (string, error) {
	const query = `SELECT secret FROM credentials WHERE account = ? LIMIT 1;`

	var secret string
	if err := s.db.QueryRowContext(ctx, query, account).Scan(&secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", credential.ErrNotFound
		}
		return "", fmt.Errorf("sqlite: get credential: %w", err)
	}
	return secret, nil
}

// Delete implements credential.Store.
func (s *Store) Delete(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE account = ?`, account); err != nil {
		return fmt.Errorf("sqlite: delete credential: %w", err)
	}
	return nil
}

// Exists implements credential.Store.
func (s *Store) Exists(ctx context.Context, account string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM credentials WHERE account = ?`, account).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite: exists credential: %w", err)
	}
	return n > 0, nil
}

// List returns all account names in sorted order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account FROM credentials ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list credentials: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("sqlite: scan credential: %w", err)
		}
		out = append(out, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list rows error: %w", err)
	}
	return out, nil
}

var _ credential.Store = (*Store)(nil)
