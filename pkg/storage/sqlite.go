// Package storage persists the gateway's policy tables and query ledger in
// SQLite. The same database is shared with the dashboard and admin tooling,
// so every read goes to the database and nothing is cached in process.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var initialSchema string

// SQLiteStore implements PolicyStore and Ledger
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	mu     sync.RWMutex
	closed bool
}

var (
	_ PolicyStore = (*SQLiteStore)(nil)
	_ Ledger      = (*SQLiteStore)(nil)
)

// Open opens (creating if needed) the database at cfg.Path and applies migrations
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	memory := cfg.Path == ":memory:"
	db, err := sql.Open("sqlite", dsn(cfg, memory))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// every connection to ":memory:" is a separate database
	maxOpen := cfg.MaxOpenConns
	if memory || maxOpen < 1 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStore{db: db, cfg: cfg}, nil
}

// dsn encodes per-connection pragmas so every pooled connection gets them
func dsn(cfg Config, memory bool) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")
	if cfg.WALMode && !memory {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	// take the write lock at BEGIN so busy_timeout applies to every ledger transaction
	params.Set("_txlock", "immediate")

	path := cfg.Path
	if memory {
		path = ":memory:"
	}
	return "file:" + path + "?" + params.Encode()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// checkOpen must be called with s.mu held
func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
