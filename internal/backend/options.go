package backend

import (
	"time"

	"github.com/frontier-crawler/frontier/internal/freqest"
	"github.com/frontier-crawler/frontier/internal/graph"
	"github.com/frontier-crawler/frontier/internal/pagechange"
	"github.com/frontier-crawler/frontier/internal/pages"
	"github.com/frontier-crawler/frontier/internal/schedule"
)

// Option customizes a Backend before its stores open. Injected
// components are owned by the backend from then on and closed with it;
// components not injected are opened from the configuration.
type Option func(*Backend)

// WithGraph installs a pre-opened link graph store.
func WithGraph(g *graph.Store) Option {
	return func(b *Backend) { b.graph = g }
}

// WithPages installs a pre-opened page metadata store.
func WithPages(p *pages.Store) Option {
	return func(b *Backend) { b.pages = p }
}

// WithScheduler installs a pre-opened scheduler.
func WithScheduler(s *schedule.PriorityScheduler) Option {
	return func(b *Backend) { b.sched = s }
}

// WithEstimator installs a pre-opened change frequency estimator.
func WithEstimator(e *freqest.Estimator) Option {
	return func(b *Backend) { b.freqs = e }
}

// WithDetector installs a pre-opened change detector.
func WithDetector(d *pagechange.Detector) Option {
	return func(b *Backend) { b.detector = d }
}

// WithClock overrides the time source. Tests use it to make session
// timestamps and revisit intervals deterministic.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.clock = now }
}
