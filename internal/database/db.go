// Package database provides SQLite database connection management and migrations.
package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// pragmaDSN applies the connection pragmas via the driver's _pragma form so
// every pooled connection gets them, not just the first. _txlock=immediate
// makes transactions take the write lock at BEGIN, so two concurrent
// claim/finalize transactions queue on busy_timeout instead of failing
// with a stale-snapshot busy error after both have read.
const pragmaDSN = "_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)"

// New creates a new read-write database connection with the given path.
// Pragmas follow the concurrency model: WAL journaling, a 30s busy timeout,
// foreign keys on, NORMAL synchronous and in-memory temp storage. The pool
// is capped small since SQLite allows only one writer at a time.
func New(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, pragmaDSN)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(5)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return conn, nil
}

// NewReadOnly opens a second pool against the same file for read-heavy
// paths so they never queue behind the single writer's busy timeout;
// cmd/imagesvc hands it to the random-pick engine only.
func NewReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?%s&mode=ro", path, strings.TrimPrefix(pragmaDSN, "_txlock=immediate&"))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(5)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping read-only database: %w", err)
	}

	return conn, nil
}
