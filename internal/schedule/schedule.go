// Package schedule orders pages by expected crawl value.
package schedule

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/frontier-crawler/frontier/internal/storage"
)

// Policy selects how authority and change rate combine into priority.
type Policy int

const (
	// Optimal weighs authority with the estimated change rate,
	// approximating the expected value of crawling a page now.
	Optimal Policy = iota

	// BestFirst ranks by authority alone.
	BestFirst
)

// Stats holds scheduler statistics.
type Stats struct {
	Entries     int
	Schedulable int
}

type entry struct {
	fp       string
	rate     float64
	value    float64
	priority float64
	index    int
}

// entryHeap is a max-heap on priority with fingerprint order breaking
// ties, so identical state always yields identical pull order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].fp < h[j].fp
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type persistedEntry struct {
	Rate  float64 `json:"rate"`
	Value float64 `json:"value"`
}

// PriorityScheduler is the persistent heap-backed Scheduler.
type PriorityScheduler struct {
	mu      sync.RWMutex
	policy  Policy
	heap    entryHeap
	entries map[string]*entry
	store   *storage.KV
}

// Open opens the scheduler store at path ("" = in memory) and rebuilds
// the priority index from persisted state.
func Open(path string, policy Policy) (*PriorityScheduler, error) {
	kv, err := storage.OpenKV(path, "schedule")
	if err != nil {
		return nil, fmt.Errorf("failed to open scheduler store: %w", err)
	}

	s := &PriorityScheduler{
		policy:  policy,
		entries: make(map[string]*entry),
		store:   kv,
	}

	err = kv.Each(func(key string, value []byte) error {
		var pe persistedEntry
		if err := json.Unmarshal(value, &pe); err != nil {
			return fmt.Errorf("failed to decode scheduler entry: %w", err)
		}
		e := &entry{fp: key, rate: pe.Rate, value: pe.Value}
		e.priority = s.prioritize(e)
		e.index = len(s.heap)
		s.heap = append(s.heap, e)
		s.entries[key] = e
		return nil
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	heap.Init(&s.heap)
	return s, nil
}

// prioritize computes an entry's composite priority under the policy.
func (s *PriorityScheduler) prioritize(e *entry) float64 {
	switch s.policy {
	case BestFirst:
		return e.value
	default:
		return e.value * e.rate
	}
}

// SetRate updates the change rate input of fp, creating its entry if
// needed.
func (s *PriorityScheduler) SetRate(fp string, rate float64) error {
	return s.set(fp, func(e *entry) { e.rate = rate })
}

// SetValue updates the authority input of fp, creating its entry if
// needed.
func (s *PriorityScheduler) SetValue(fp string, value float64) error {
	return s.set(fp, func(e *entry) { e.value = value })
}

func (s *PriorityScheduler) set(fp string, apply func(*entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		e = &entry{fp: fp}
		s.entries[fp] = e
		apply(e)
		e.priority = s.prioritize(e)
		heap.Push(&s.heap, e)
	} else {
		apply(e)
		e.priority = s.prioritize(e)
		heap.Fix(&s.heap, e.index)
	}

	return s.persist(e)
}

// persist writes one entry through to the store. Callers hold s.mu.
func (s *PriorityScheduler) persist(e *entry) error {
	encoded, err := json.Marshal(persistedEntry{Rate: e.rate, Value: e.value})
	if err != nil {
		return fmt.Errorf("failed to encode scheduler entry: %w", err)
	}
	return s.store.Put(e.fp, encoded)
}

// GetNextPages returns up to k fingerprints in descending priority,
// skipping entries the filter rejects. Entries stay scheduled; only
// strictly positive priorities are schedulable.
func (s *PriorityScheduler) GetNextPages(k int, skip func(fp string) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		return nil, nil
	}

	result := make([]string, 0, k)
	popped := make([]*entry, 0, k)

	for len(result) < k && s.heap.Len() > 0 {
		e := heap.Pop(&s.heap).(*entry)
		popped = append(popped, e)

		if e.priority <= 0 {
			// Max-heap: everything below is unschedulable too
			break
		}
		if skip != nil && skip(e.fp) {
			continue
		}
		result = append(result, e.fp)
	}

	for _, e := range popped {
		heap.Push(&s.heap, e)
	}

	return result, nil
}

// Entry is a snapshot of one scheduled page.
type Entry struct {
	Fingerprint string
	Rate        float64
	Value       float64
	Priority    float64
}

// Entries returns a snapshot of all scheduled pages in no particular
// order.
func (s *PriorityScheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{
			Fingerprint: e.fp,
			Rate:        e.rate,
			Value:       e.value,
			Priority:    e.priority,
		})
	}
	return out
}

// Get returns the scheduling inputs of fp.
func (s *PriorityScheduler) Get(fp string) (rate, value, priority float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.entries[fp]
	if !found {
		return 0, 0, 0, false
	}
	return e.rate, e.value, e.priority, true
}

// Delete removes fp from scheduling. Deleting an absent page is a
// no-op.
func (s *PriorityScheduler) Delete(fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return nil
	}

	heap.Remove(&s.heap, e.index)
	delete(s.entries, fp)
	return s.store.Delete(fp)
}

// Len returns the number of scheduled pages.
func (s *PriorityScheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns scheduler statistics.
func (s *PriorityScheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedulable := 0
	for _, e := range s.entries {
		if e.priority > 0 {
			schedulable++
		}
	}
	return Stats{Entries: len(s.entries), Schedulable: schedulable}
}

// Close closes the scheduler store.
func (s *PriorityScheduler) Close() error {
	return s.store.Close()
}
