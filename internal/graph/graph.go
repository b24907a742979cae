// Package graph stores the crawl link graph.
//
// Nodes are page fingerprints and edges are directed links between
// them. Both inserts are idempotent, so replaying a crawl batch leaves
// the graph unchanged.
package graph

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/frontier-crawler/frontier/internal/storage"
)

// ErrUnknownNode reports an edge endpoint that was never added.
var ErrUnknownNode = errors.New("unknown node")

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	fingerprint TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS edges (
	src TEXT NOT NULL,
	dst TEXT NOT NULL,
	PRIMARY KEY (src, dst)
);

CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst);
`

// Store is the persistent link graph.
type Store struct {
	db *storage.DB
}

// Open opens the graph store at path ("" = in memory).
func Open(path string) (*Store, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create graph schema: %w", err)
	}

	return &Store{db: db}, nil
}

// AddNode registers a page fingerprint. Adding an existing node is a
// no-op.
func (s *Store) AddNode(fp string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO nodes (fingerprint) VALUES (?)`, fp)
	if err != nil {
		return fmt.Errorf("failed to add node: %w", err)
	}
	return nil
}

// HasNode reports whether fp is a known node.
func (s *Store) HasNode(fp string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM nodes WHERE fingerprint = ?`, fp).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddEdge records a directed link from src to dst. Both endpoints must
// already be nodes; adding an existing edge is a no-op.
func (s *Store) AddEdge(src, dst string) error {
	for _, fp := range endpoints(src, dst) {
		ok, err := s.HasNode(fp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("edge %s -> %s: %w: %s", src, dst, ErrUnknownNode, fp)
		}
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO edges (src, dst) VALUES (?, ?)`, src, dst)
	if err != nil {
		return fmt.Errorf("failed to add edge: %w", err)
	}
	return nil
}

// endpoints returns the distinct endpoints of an edge, so a self-link
// is checked once.
func endpoints(src, dst string) []string {
	if src == dst {
		return []string{src}
	}
	return []string{src, dst}
}

// Neighbors returns the fingerprints src links to.
func (s *Store) Neighbors(src string) ([]string, error) {
	return s.selectColumn(`SELECT dst FROM edges WHERE src = ? ORDER BY dst`, src)
}

// InNeighbors returns the fingerprints linking to dst.
func (s *Store) InNeighbors(dst string) ([]string, error) {
	return s.selectColumn(`SELECT src FROM edges WHERE dst = ? ORDER BY src`, dst)
}

func (s *Store) selectColumn(query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&n)
	return n, err
}

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&n)
	return n, err
}

// EachNode calls fn for every node fingerprint.
func (s *Store) EachNode(fn func(fp string) error) error {
	rows, err := s.db.Query(`SELECT fingerprint FROM nodes`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return err
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EachEdge calls fn for every directed edge.
func (s *Store) EachEdge(fn func(src, dst string) error) error {
	rows, err := s.db.Query(`SELECT src, dst FROM edges`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			return err
		}
		if err := fn(src, dst); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StartBatch opens a write batch over the graph.
func (s *Store) StartBatch() error { return s.db.StartBatch() }

// EndBatch commits the current batch.
func (s *Store) EndBatch() error { return s.db.EndBatch() }

// AbortBatch discards the current batch.
func (s *Store) AbortBatch() error { return s.db.AbortBatch() }

// Close closes the graph store.
func (s *Store) Close() error { return s.db.Close() }
