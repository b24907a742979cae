// Package freqest estimates how often pages change.
//
// The estimator keeps a smoothed inter-change interval per page. Every
// crawl refreshes it: a changed body contributes a new interval sample,
// an unchanged body only advances the last-seen time. The exposed rate
// is the inverse interval clamped to configured bounds.
package freqest

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/frontier-crawler/frontier/internal/pages"
	"github.com/frontier-crawler/frontier/internal/storage"
)

// Config bounds the estimator.
type Config struct {
	// DefaultFreq seeds pages with no observed changes (changes/second).
	DefaultFreq float64

	// MinFreq and MaxFreq clamp the reported rate.
	MinFreq float64
	MaxFreq float64

	// Smoothing is the weight of each new interval sample (0, 1].
	Smoothing float64

	// Clock overrides the time source; nil means time.Now.
	Clock func() time.Time
}

// DefaultConfig assumes pages change about once a month, bounded
// between once a year and once an hour.
func DefaultConfig() Config {
	const month = 30 * 24 * 3600
	return Config{
		DefaultFreq: 1.0 / month,
		MinFreq:     1.0 / (12 * month),
		MaxFreq:     1.0 / 3600,
		Smoothing:   0.2,
	}
}

type entry struct {
	Interval   float64   `json:"interval"` // smoothed seconds between changes
	LastSeen   time.Time `json:"last_seen"`
	LastChange time.Time `json:"last_change"`
	Samples    int       `json:"samples"`
}

const shardCount = 16

// shard holds the entries whose fingerprint hashes to it. Pages on
// different shards refresh without contending.
type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Estimator tracks change rates for registered pages.
type Estimator struct {
	store  *storage.KV
	shards [shardCount]shard
	cfg    Config

	now func() time.Time
}

func shardIndex(fp string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return h.Sum32() % shardCount
}

func (e *Estimator) shardFor(fp string) *shard {
	return &e.shards[shardIndex(fp)]
}

// Open opens the estimator store at path ("" = in memory) and loads
// any persisted state. Zero config fields fall back to defaults.
func Open(path string, cfg Config) (*Estimator, error) {
	def := DefaultConfig()
	if cfg.DefaultFreq <= 0 {
		cfg.DefaultFreq = def.DefaultFreq
	}
	if cfg.MinFreq <= 0 {
		cfg.MinFreq = def.MinFreq
	}
	if cfg.MaxFreq <= cfg.MinFreq {
		cfg.MaxFreq = def.MaxFreq
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	kv, err := storage.OpenKV(path, "freqs")
	if err != nil {
		return nil, fmt.Errorf("failed to open frequency store: %w", err)
	}

	est := &Estimator{
		store: kv,
		cfg:   cfg,
		now:   cfg.Clock,
	}
	for i := range est.shards {
		est.shards[i].entries = make(map[string]*entry)
	}

	err = kv.Each(func(key string, value []byte) error {
		var ent entry
		if err := json.Unmarshal(value, &ent); err != nil {
			return fmt.Errorf("failed to decode frequency entry: %w", err)
		}
		est.shardFor(key).entries[key] = &ent
		return nil
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	return est, nil
}

// Add registers a page with the default rate and no history. Adding a
// known page is a no-op.
func (e *Estimator) Add(fp string) error {
	s := e.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[fp]; ok {
		return nil
	}

	now := e.now()
	ent := &entry{
		Interval:   1.0 / e.cfg.DefaultFreq,
		LastSeen:   now,
		LastChange: now,
	}
	s.entries[fp] = ent
	return e.persist(fp, ent)
}

// Refresh records a crawl observation for fp. A changed body feeds the
// elapsed time since the previous change into the smoothed interval;
// an unchanged body only advances the last-seen time.
func (e *Estimator) Refresh(fp string, changed bool) error {
	s := e.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[fp]
	if !ok {
		return fmt.Errorf("refresh %s: %w", fp, pages.ErrUnknownPage)
	}

	now := e.now()
	ent.LastSeen = now

	if changed {
		observed := now.Sub(ent.LastChange).Seconds()
		if observed < 0 {
			observed = 0
		}
		ent.Interval = (1-e.cfg.Smoothing)*ent.Interval + e.cfg.Smoothing*observed
		ent.LastChange = now
		ent.Samples++
	}

	return e.persist(fp, ent)
}

// Frequency returns the estimated change rate for fp in changes per
// second, clamped to the configured bounds.
func (e *Estimator) Frequency(fp string) (float64, error) {
	s := e.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[fp]
	if !ok {
		return 0, fmt.Errorf("frequency %s: %w", fp, pages.ErrUnknownPage)
	}

	rate := e.cfg.MaxFreq
	if ent.Interval > 0 {
		rate = 1.0 / ent.Interval
	}

	if rate < e.cfg.MinFreq {
		rate = e.cfg.MinFreq
	}
	if rate > e.cfg.MaxFreq {
		rate = e.cfg.MaxFreq
	}
	return rate, nil
}

// Len returns the number of registered pages.
func (e *Estimator) Len() int {
	total := 0
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// persist writes one entry through to the store. Callers hold the
// entry's shard lock; the store serializes writes itself.
func (e *Estimator) persist(fp string, ent *entry) error {
	encoded, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("failed to encode frequency entry: %w", err)
	}
	return e.store.Put(fp, encoded)
}

// Close closes the frequency store.
func (e *Estimator) Close() error {
	return e.store.Close()
}
