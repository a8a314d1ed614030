package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store over a SQLite database.
//
// Every call gets its own deadline derived from the configured timeout, so a
// stuck query surfaces as context.DeadlineExceeded and the caller can roll
// back to its last good state.
type SQLite struct {
	db      *sql.DB
	path    string
	timeout time.Duration
}

// OpenSQLite opens the database at path. A timeout <= 0 disables per-call deadlines.
func OpenSQLite(path string, timeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)

	// WAL lets the GIS count queries read while an edit transaction is open.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLite{db: db, path: path, timeout: timeout}, nil
}

// DB exposes the underlying handle for schema setup and writers.
func (s *SQLite) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Scalar implements Store.
func (s *SQLite) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var v any
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoValue
	}
	if err != nil {
		return nil, fmt.Errorf("scalar %q: %w", query, err)
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	return v, nil
}

// Fill implements Store.
func (s *SQLite) Fill(ctx context.Context, q Query) ([]Row, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	text := q.SQL()
	rows, err := s.db.QueryContext(ctx, text, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("fill %s: %w", q.Table, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("fill %s columns: %w", q.Table, err)
	}

	// Reusable per-row scan buffers
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var out []Row
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("fill %s scan: %w", q.Table, err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[c] = string(b)
			} else {
				r[c] = vals[i]
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fill %s rows: %w", q.Table, err)
	}
	return out, nil
}

// Verify interface compliance at compile time.
var _ Store = (*SQLite)(nil)
