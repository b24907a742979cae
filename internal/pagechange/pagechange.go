// Package pagechange classifies crawled bodies against stored digests.
package pagechange

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/frontier-crawler/frontier/internal/storage"
)

// Status describes how a crawled body compares with what was seen
// before.
type Status int

const (
	// StatusNew marks the first body ever observed for a page.
	StatusNew Status = iota

	// StatusUnchanged marks a body identical to the previous one.
	StatusUnchanged

	// StatusUpdated marks a body that differs from the previous one.
	StatusUpdated
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusUnchanged:
		return "unchanged"
	case StatusUpdated:
		return "updated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

const lockCount = 16

// Detector remembers a SHA-1 digest per page and classifies each new
// body against it. Locks shard by fingerprint hash, so pages on
// different shards classify without contending.
type Detector struct {
	locks [lockCount]sync.Mutex
	store *storage.KV
}

// Open opens the digest store at path ("" = in memory).
func Open(path string) (*Detector, error) {
	kv, err := storage.OpenKV(path, "digests")
	if err != nil {
		return nil, fmt.Errorf("failed to open digest store: %w", err)
	}
	return &Detector{store: kv}, nil
}

func (d *Detector) lockFor(fp string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return &d.locks[h.Sum32()%lockCount]
}

// Classify compares body against the stored digest for fp and records
// the new digest when it differs. Two concurrent calls for the same
// page serialize, so the stored digest always matches the returned
// status.
func (d *Detector) Classify(fp string, body []byte) (Status, error) {
	sum := sha1.Sum(body)
	digest := sum[:]

	mu := d.lockFor(fp)
	mu.Lock()
	defer mu.Unlock()

	prev, ok, err := d.store.Get(fp)
	if err != nil {
		return StatusNew, fmt.Errorf("failed to read digest: %w", err)
	}

	if !ok {
		if err := d.store.Put(fp, digest); err != nil {
			return StatusNew, fmt.Errorf("failed to store digest: %w", err)
		}
		return StatusNew, nil
	}

	if bytes.Equal(prev, digest) {
		return StatusUnchanged, nil
	}

	if err := d.store.Put(fp, digest); err != nil {
		return StatusUpdated, fmt.Errorf("failed to store digest: %w", err)
	}
	return StatusUpdated, nil
}

// Seen reports whether a body was ever classified for fp.
func (d *Detector) Seen(fp string) (bool, error) {
	return d.store.Has(fp)
}

// Close closes the digest store.
func (d *Detector) Close() error {
	return d.store.Close()
}
