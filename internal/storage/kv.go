package storage

import (
	"database/sql"
	"fmt"
	"sync"
)

// KV is a persistent key-value table. Keys are page fingerprints and
// values are whatever encoding the owning store chooses.
type KV struct {
	db    *DB
	mu    sync.RWMutex
	table string
	owned bool
}

// OpenKV opens a key-value store in its own database file. An empty
// path keeps the store in memory.
func OpenKV(path, table string) (*KV, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	kv, err := NewKV(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	kv.owned = true
	return kv, nil
}

// NewKV creates a key-value table on an existing database.
func NewKV(db *DB, table string) (*KV, error) {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`, table)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return &KV{db: db, table: table}, nil
}

// Get returns the value stored under key, reporting whether it exists.
func (kv *KV) Get(key string) ([]byte, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var value []byte
	err := kv.db.QueryRow(
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, kv.table), key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value under key, replacing any previous value.
func (kv *KV) Put(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	_, err := kv.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, kv.table), key, value)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (kv *KV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	_, err := kv.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, kv.table), key)
	return err
}

// Has reports whether key exists.
func (kv *KV) Has(key string) (bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var one int
	err := kv.db.QueryRow(
		fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ?`, kv.table), key,
	).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of stored keys.
func (kv *KV) Len() (int, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var n int
	err := kv.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, kv.table)).Scan(&n)
	return n, err
}

// Each calls fn for every key-value pair. Returning an error from fn
// stops the scan and propagates the error.
func (kv *KV) Each(fn func(key string, value []byte) error) error {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	rows, err := kv.db.Query(
		fmt.Sprintf(`SELECT key, value FROM %s`, kv.table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StartBatch opens a write batch on the underlying database.
func (kv *KV) StartBatch() error {
	return kv.db.StartBatch()
}

// EndBatch commits the current batch.
func (kv *KV) EndBatch() error {
	return kv.db.EndBatch()
}

// AbortBatch discards the current batch.
func (kv *KV) AbortBatch() error {
	return kv.db.AbortBatch()
}

// Close closes the underlying database if this store owns it.
func (kv *KV) Close() error {
	if !kv.owned {
		return nil
	}
	return kv.db.Close()
}
