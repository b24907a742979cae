// Package storage provides SQLite-backed persistence for frontier state.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// MemoryPath selects an in-memory database that lives only as long as
// its connection.
const MemoryPath = ":memory:"

// DB wraps a single SQLite database file. All writes go through one
// connection, and an open batch transaction absorbs every statement
// until it is committed or aborted.
type DB struct {
	conn *sql.DB
	path string

	mu    sync.Mutex
	tx    *sql.Tx
	depth int
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string) (*DB, error) {
	if path == "" {
		path = MemoryPath
	}

	// SQLite connection with optimizations
	dsn := fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if path != MemoryPath {
		// Memory databases live and die with their connection, so the
		// lifetime limit applies to file-backed databases only.
		conn.SetConnMaxLifetime(time.Hour)
	}

	return &DB{conn: conn, path: path}, nil
}

// Path returns the path the database was opened with.
func (d *DB) Path() string {
	return d.path
}

// querier returns the active transaction if a batch is open, otherwise
// the connection itself. Callers must hold d.mu.
func (d *DB) querier() querier {
	if d.tx != nil {
		return d.tx
	}
	return d.conn
}

type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Exec executes a statement inside the current batch if one is open.
func (d *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.querier().Exec(query, args...)
}

// Query runs a query. While a batch is open the query observes its
// uncommitted writes; with a single connection it must, or it would
// block behind the transaction.
func (d *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.querier().Query(query, args...)
}

// QueryRow runs a single-row query.
func (d *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.querier().QueryRow(query, args...)
}

// StartBatch opens a write batch. Batches nest; only the outermost
// EndBatch commits.
func (d *DB) StartBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tx == nil {
		tx, err := d.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin batch: %w", err)
		}
		d.tx = tx
	}
	d.depth++
	return nil
}

// EndBatch commits the batch once the outermost level ends.
func (d *DB) EndBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tx == nil {
		return fmt.Errorf("no batch in progress")
	}
	d.depth--
	if d.depth > 0 {
		return nil
	}

	err := d.tx.Commit()
	d.tx = nil
	d.depth = 0
	if err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// AbortBatch rolls back the whole batch regardless of nesting depth.
func (d *DB) AbortBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	d.depth = 0
	if err != nil {
		return fmt.Errorf("failed to roll back batch: %w", err)
	}
	return nil
}

// Close rolls back any open batch and closes the connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tx != nil {
		d.tx.Rollback()
		d.tx = nil
		d.depth = 0
	}
	return d.conn.Close()
}
