// Package pages tracks page identity and metadata for the frontier.
package pages

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/frontier-crawler/frontier/internal/storage"
)

// ErrUnknownPage reports an operation on a fingerprint that no store
// has registered. Stores keyed by fingerprint wrap it so callers can
// test with errors.Is.
var ErrUnknownPage = errors.New("unknown page")

// Fingerprint returns the canonical identifier for a page: the hex
// SHA-1 of its URL string. Every store in the frontier is keyed by it.
func Fingerprint(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Domain extracts the lowercased host of a URL. Unparseable URLs map
// to the empty domain.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// PageData holds what the frontier remembers about a page.
type PageData struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// Store persists fingerprint to PageData mappings.
type Store struct {
	kv *storage.KV
}

// OpenStore opens the page store at path ("" = in memory).
func OpenStore(path string) (*Store, error) {
	kv, err := storage.OpenKV(path, "pages")
	if err != nil {
		return nil, fmt.Errorf("failed to open page store: %w", err)
	}
	return &Store{kv: kv}, nil
}

// Add records data under fp, replacing any previous record.
func (s *Store) Add(fp string, data PageData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode page data: %w", err)
	}
	return s.kv.Put(fp, encoded)
}

// Get returns the page data for fp, reporting whether it exists.
func (s *Store) Get(fp string) (PageData, bool, error) {
	raw, ok, err := s.kv.Get(fp)
	if err != nil || !ok {
		return PageData{}, false, err
	}

	var data PageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return PageData{}, false, fmt.Errorf("failed to decode page data: %w", err)
	}
	return data, true, nil
}

// Has reports whether fp is a known page.
func (s *Store) Has(fp string) (bool, error) {
	return s.kv.Has(fp)
}

// Len returns the number of known pages.
func (s *Store) Len() (int, error) {
	return s.kv.Len()
}

// Each calls fn for every known page.
func (s *Store) Each(fn func(fp string, data PageData) error) error {
	return s.kv.Each(func(key string, value []byte) error {
		var data PageData
		if err := json.Unmarshal(value, &data); err != nil {
			return fmt.Errorf("failed to decode page data: %w", err)
		}
		return fn(key, data)
	})
}

// StartBatch opens a write batch over the page store.
func (s *Store) StartBatch() error { return s.kv.StartBatch() }

// EndBatch commits the current batch.
func (s *Store) EndBatch() error { return s.kv.EndBatch() }

// AbortBatch discards the current batch.
func (s *Store) AbortBatch() error { return s.kv.AbortBatch() }

// Close closes the underlying store.
func (s *Store) Close() error { return s.kv.Close() }
