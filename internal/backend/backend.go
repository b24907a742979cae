// Package backend wires the frontier components into a single crawl
// decision core. It owns the link graph, the page metadata store, the
// importance engine, the change frequency estimator, the change
// detector and the scheduler, and exposes the four operations a
// crawler loop needs: seed, report a crawl, report an error, and pull
// the next pages to fetch.
package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frontier-crawler/frontier/internal/config"
	"github.com/frontier-crawler/frontier/internal/freqest"
	"github.com/frontier-crawler/frontier/internal/graph"
	"github.com/frontier-crawler/frontier/internal/opic"
	"github.com/frontier-crawler/frontier/internal/pagechange"
	"github.com/frontier-crawler/frontier/internal/pages"
	"github.com/frontier-crawler/frontier/internal/schedule"
	"github.com/frontier-crawler/frontier/internal/urlutil"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("backend is closed")

// Store file names inside the working directory.
const (
	graphFile     = "graph.sqlite"
	pagesFile     = "pages.sqlite"
	scoresFile    = "scores.sqlite"
	schedFile     = "scheduler.sqlite"
	freqsFile     = "freqs.sqlite"
	digestsFile   = "hash.sqlite"
	workdirLayout = "crawl-opic-D2006.01.02-T15.04.05"
)

// Request is a crawl order for a single page.
type Request struct {
	URL         string
	Domain      string
	Fingerprint string
}

// Stats holds backend statistics.
type Stats struct {
	SessionID      string
	KnownPages     int
	TotalCash      float64
	Scheduled      int
	Schedulable    int
	Pending        int
	PagesCrawled   int64
	RequestsIssued int64
	RequestErrors  int64
	Halted         bool
	StartTime      time.Time
	Elapsed        time.Duration
}

// Backend is the crawl frontier decision core.
type Backend struct {
	cfg       *config.FrontierConfig
	log       zerolog.Logger
	sessionID string
	workdir   string
	startTime time.Time
	clock     func() time.Time

	// Components
	graph    *graph.Store
	pages    *pages.Store
	engine   *opic.Engine
	freqs    *freqest.Estimator
	detector *pagechange.Detector
	sched    *schedule.PriorityScheduler

	// Pages handed out but not yet reported back
	pendingMu sync.Mutex
	pending   map[string]struct{}

	// Per-page serialization
	pageLocks keyedMutex

	// Statistics
	pagesCrawled   atomic.Int64
	requestsIssued atomic.Int64
	requestErrors  atomic.Int64

	closed atomic.Bool
}

// Open creates a backend from the configuration. Stores live under
// the configured working directory, or in memory when InMemory is
// set. A missing working directory is created; an existing one is
// reopened to resume a previous crawl. Options inject pre-opened
// components or a test clock.
func Open(cfg *config.FrontierConfig, log zerolog.Logger, opts ...Option) (*Backend, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Validate()

	b := &Backend{
		cfg:       cfg,
		log:       log,
		sessionID: uuid.NewString(),
		pending:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	b.startTime = b.clock()

	if !cfg.InMemory {
		b.workdir = cfg.Workdir
		if b.workdir == "" {
			b.workdir = b.clock().UTC().Format(workdirLayout)
		}
		if err := os.MkdirAll(b.workdir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workdir: %w", err)
		}
		b.log.Debug().Str("workdir", b.workdir).Msg("backend workdir")
	} else {
		b.log.Debug().Msg("backend workdir: in-memory")
	}

	if err := b.openStores(); err != nil {
		b.closeStores()
		return nil, err
	}
	b.writeManifest(false)

	b.log.Info().
		Str("session", b.sessionID).
		Str("policy", string(cfg.Policy)).
		Msg("backend ready")
	return b, nil
}

// storePath maps a store file name to its location, or to in-memory
// storage when no working directory is used.
func (b *Backend) storePath(name string) string {
	if b.workdir == "" {
		return ""
	}
	return filepath.Join(b.workdir, name)
}

// openStores opens every component that was not injected as an option.
func (b *Backend) openStores() error {
	var err error

	if b.graph == nil {
		b.graph, err = graph.Open(b.storePath(graphFile))
		if err != nil {
			return fmt.Errorf("failed to open graph store: %w", err)
		}
	}

	if b.pages == nil {
		b.pages, err = pages.OpenStore(b.storePath(pagesFile))
		if err != nil {
			return fmt.Errorf("failed to open page store: %w", err)
		}
	}

	opicCfg := opic.Config{
		InitialCash:   b.cfg.InitialCash,
		TimeWindow:    1.0 / (1.0 - b.cfg.ScoreDecay),
		ChangeEpsilon: b.cfg.ChangeEpsilon,
		MassTolerance: b.cfg.MassTolerance,
	}
	b.engine, err = opic.Open(b.storePath(scoresFile), b.graph, opicCfg, b.log)
	if err != nil {
		return fmt.Errorf("failed to open importance engine: %w", err)
	}

	if b.freqs == nil {
		freqCfg := freqest.Config{
			DefaultFreq: b.cfg.DefaultFreq,
			MinFreq:     b.cfg.MinFreq,
			MaxFreq:     b.cfg.MaxFreq,
			Smoothing:   b.cfg.FreqSmoothing,
			Clock:       b.clock,
		}
		b.freqs, err = freqest.Open(b.storePath(freqsFile), freqCfg)
		if err != nil {
			return fmt.Errorf("failed to open frequency estimator: %w", err)
		}
	}

	if b.detector == nil {
		b.detector, err = pagechange.Open(b.storePath(digestsFile))
		if err != nil {
			return fmt.Errorf("failed to open change detector: %w", err)
		}
	}

	if b.sched == nil {
		policy := schedule.Optimal
		if b.cfg.Policy == config.PolicyBestFirst {
			policy = schedule.BestFirst
		}
		b.sched, err = schedule.Open(b.storePath(schedFile), policy)
		if err != nil {
			return fmt.Errorf("failed to open scheduler: %w", err)
		}
	}

	return nil
}

// canonical returns the normalized form of rawURL. Input the
// normalizer rejects keeps its raw spelling as identity.
func canonical(rawURL string) string {
	normalized, err := urlutil.Normalize(rawURL)
	if err != nil {
		return rawURL
	}
	return normalized
}

// register makes a page known to every component. Registering an
// already known page is a no-op. Returns the page fingerprint.
func (b *Backend) register(rawURL string) (string, error) {
	rawURL = canonical(rawURL)
	fp := pages.Fingerprint(rawURL)

	known, err := b.pages.Has(fp)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", rawURL, err)
	}
	if known {
		return fp, nil
	}

	if err := b.graph.AddNode(fp); err != nil {
		return "", fmt.Errorf("failed to add node for %s: %w", rawURL, err)
	}
	if err := b.engine.AddPage(fp); err != nil {
		return "", fmt.Errorf("failed to add page %s to engine: %w", rawURL, err)
	}
	data := pages.PageData{URL: rawURL, Domain: pages.Domain(rawURL)}
	if err := b.pages.Add(fp, data); err != nil {
		return "", fmt.Errorf("failed to store page data for %s: %w", rawURL, err)
	}

	if err := b.freqs.Add(fp); err != nil {
		return "", fmt.Errorf("failed to track frequency for %s: %w", rawURL, err)
	}
	rate, err := b.freqs.Frequency(fp)
	if err != nil {
		return "", fmt.Errorf("failed to read frequency for %s: %w", rawURL, err)
	}
	if err := b.sched.SetRate(fp, rate); err != nil {
		return "", fmt.Errorf("failed to schedule rate for %s: %w", rawURL, err)
	}

	scores, err := b.engine.GetScores(fp)
	if err != nil {
		return "", fmt.Errorf("failed to read scores for %s: %w", rawURL, err)
	}
	if err := b.sched.SetValue(fp, scores.Authority); err != nil {
		return "", fmt.Errorf("failed to schedule value for %s: %w", rawURL, err)
	}

	return fp, nil
}

// AddSeeds registers the starting points of a crawl.
func (b *Backend) AddSeeds(urls []string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	tic := time.Now()

	if err := b.graph.StartBatch(); err != nil {
		return fmt.Errorf("failed to start graph batch: %w", err)
	}
	if err := b.pages.StartBatch(); err != nil {
		b.graph.AbortBatch()
		return fmt.Errorf("failed to start page batch: %w", err)
	}

	for _, rawURL := range urls {
		if _, err := b.register(rawURL); err != nil {
			b.graph.AbortBatch()
			b.pages.AbortBatch()
			return err
		}
	}

	if err := b.graph.EndBatch(); err != nil {
		b.pages.AbortBatch()
		return fmt.Errorf("failed to commit graph batch: %w", err)
	}
	if err := b.pages.EndBatch(); err != nil {
		return fmt.Errorf("failed to commit page batch: %w", err)
	}

	b.log.Debug().
		Int("seeds", len(urls)).
		Dur("elapsed", time.Since(tic)).
		Msg("seeds added")
	return nil
}

// PageCrawled records a fetched page: its outgoing links enter the
// graph, the page is marked for rescoring, and the change detector
// and frequency estimator see the new body.
func (b *Backend) PageCrawled(rawURL string, body []byte, links []string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	tic := time.Now()

	rawURL = canonical(rawURL)
	fp := pages.Fingerprint(rawURL)
	defer b.pageLocks.lock(fp).Unlock()

	known, err := b.pages.Has(fp)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", rawURL, err)
	}
	if !known {
		// Crawled without ever being seeded or linked. Register it
		// so the report still counts.
		b.log.Warn().Str("url", rawURL).Msg("crawled page was never registered")
		if _, err := b.register(rawURL); err != nil {
			return err
		}
	}

	if err := b.graph.StartBatch(); err != nil {
		return fmt.Errorf("failed to start graph batch: %w", err)
	}
	if err := b.pages.StartBatch(); err != nil {
		b.graph.AbortBatch()
		return fmt.Errorf("failed to start page batch: %w", err)
	}

	for _, link := range links {
		lfp, err := b.register(link)
		if err != nil {
			b.graph.AbortBatch()
			b.pages.AbortBatch()
			return err
		}
		if err := b.graph.AddEdge(fp, lfp); err != nil {
			b.graph.AbortBatch()
			b.pages.AbortBatch()
			return fmt.Errorf("failed to add edge %s -> %s: %w", rawURL, link, err)
		}
	}

	if err := b.graph.EndBatch(); err != nil {
		b.pages.AbortBatch()
		return fmt.Errorf("failed to commit graph batch: %w", err)
	}
	if err := b.pages.EndBatch(); err != nil {
		return fmt.Errorf("failed to commit page batch: %w", err)
	}

	if err := b.engine.MarkUpdate(fp); err != nil {
		return fmt.Errorf("failed to mark %s for rescoring: %w", rawURL, err)
	}

	status, err := b.detector.Classify(fp, body)
	if err != nil {
		return fmt.Errorf("failed to classify %s: %w", rawURL, err)
	}
	if status == pagechange.StatusNew {
		if err := b.freqs.Add(fp); err != nil {
			return fmt.Errorf("failed to track frequency for %s: %w", rawURL, err)
		}
	} else {
		changed := status == pagechange.StatusUpdated
		if err := b.freqs.Refresh(fp, changed); err != nil {
			return fmt.Errorf("failed to refresh frequency for %s: %w", rawURL, err)
		}
	}
	rate, err := b.freqs.Frequency(fp)
	if err != nil {
		return fmt.Errorf("failed to read frequency for %s: %w", rawURL, err)
	}
	if err := b.sched.SetRate(fp, rate); err != nil {
		return fmt.Errorf("failed to schedule rate for %s: %w", rawURL, err)
	}

	b.pendingMu.Lock()
	_, wasPending := b.pending[fp]
	delete(b.pending, fp)
	b.pendingMu.Unlock()
	if !wasPending {
		b.log.Debug().Str("url", rawURL).Msg("page crawled without request")
	}

	b.pagesCrawled.Add(1)
	b.log.Debug().
		Str("url", rawURL).
		Stringer("status", status).
		Int("links", len(links)).
		Dur("elapsed", time.Since(tic)).
		Msg("page crawled")
	return nil
}

// RequestError reports that a handed out page could not be fetched.
// The page stays in the graph and keeps its scores, but it is not
// scheduled again unless a later crawl completion revives it.
func (b *Backend) RequestError(rawURL string, cause error) error {
	if b.closed.Load() {
		return ErrClosed
	}

	fp := pages.Fingerprint(canonical(rawURL))
	defer b.pageLocks.lock(fp).Unlock()

	if err := b.sched.Delete(fp); err != nil {
		return fmt.Errorf("failed to unschedule %s: %w", rawURL, err)
	}

	b.pendingMu.Lock()
	delete(b.pending, fp)
	b.pendingMu.Unlock()

	b.requestErrors.Add(1)
	b.log.Warn().Str("url", rawURL).Err(cause).Msg("request failed")
	return nil
}

// GetNextPages runs a scoring cycle and returns up to max crawl
// requests, best first. Pages already handed out and not yet reported
// back are filtered out.
func (b *Backend) GetNextPages(max int) ([]Request, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	tic := time.Now()

	hubUpdated, authUpdated, err := b.engine.Update()
	if err != nil {
		return nil, fmt.Errorf("failed to update scores: %w", err)
	}

	for _, fp := range authUpdated {
		if _, _, _, ok := b.sched.Get(fp); !ok {
			// Unscheduled after a request error; scoring alone does
			// not bring a page back.
			continue
		}
		scores, err := b.engine.GetScores(fp)
		if err != nil {
			return nil, fmt.Errorf("failed to read scores for %s: %w", fp, err)
		}
		if err := b.sched.SetValue(fp, scores.Authority); err != nil {
			return nil, fmt.Errorf("failed to schedule value for %s: %w", fp, err)
		}
	}

	skip := func(fp string) bool {
		b.pendingMu.Lock()
		_, ok := b.pending[fp]
		b.pendingMu.Unlock()
		return ok
	}
	fps, err := b.sched.GetNextPages(max, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to pull schedule: %w", err)
	}

	requests := make([]Request, 0, len(fps))
	for _, fp := range fps {
		data, found, err := b.pages.Get(fp)
		if err != nil {
			return nil, fmt.Errorf("failed to read page data for %s: %w", fp, err)
		}
		if !found {
			b.log.Warn().Str("fingerprint", fp).Msg("scheduled page has no data")
			continue
		}
		requests = append(requests, Request{
			URL:         data.URL,
			Domain:      data.Domain,
			Fingerprint: fp,
		})
		b.pendingMu.Lock()
		b.pending[fp] = struct{}{}
		b.pendingMu.Unlock()
	}

	b.requestsIssued.Add(int64(len(requests)))
	b.log.Debug().
		Int("hubs", len(hubUpdated)).
		Int("authorities", len(authUpdated)).
		Int("issued", len(requests)).
		Dur("elapsed", time.Since(tic)).
		Msg("next pages")
	return requests, nil
}

// Stats returns current backend statistics.
func (b *Backend) Stats() Stats {
	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()

	schedStats := b.sched.Stats()
	return Stats{
		SessionID:      b.sessionID,
		KnownPages:     b.engine.Len(),
		TotalCash:      b.engine.TotalCash(),
		Scheduled:      schedStats.Entries,
		Schedulable:    schedStats.Schedulable,
		Pending:        pending,
		PagesCrawled:   b.pagesCrawled.Load(),
		RequestsIssued: b.requestsIssued.Load(),
		RequestErrors:  b.requestErrors.Load(),
		Halted:         b.engine.Halted(),
		StartTime:      b.startTime,
		Elapsed:        b.clock().Sub(b.startTime),
	}
}

// Close flushes and closes every store. The backend cannot be used
// afterwards.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.writeManifest(true)
	return b.closeStores()
}

func (b *Backend) closeStores() error {
	var errs []error
	if b.sched != nil {
		errs = append(errs, b.sched.Close())
	}
	if b.detector != nil {
		errs = append(errs, b.detector.Close())
	}
	if b.freqs != nil {
		errs = append(errs, b.freqs.Close())
	}
	if b.engine != nil {
		errs = append(errs, b.engine.Close())
	}
	if b.pages != nil {
		errs = append(errs, b.pages.Close())
	}
	if b.graph != nil {
		errs = append(errs, b.graph.Close())
	}
	return errors.Join(errs...)
}

// SessionID returns the unique identifier of this backend session.
func (b *Backend) SessionID() string {
	return b.sessionID
}

// Workdir returns the working directory, or "" when in memory.
func (b *Backend) Workdir() string {
	return b.workdir
}

// Engine returns the importance engine for direct access.
func (b *Backend) Engine() *opic.Engine {
	return b.engine
}

// Pages returns the page metadata store for direct access.
func (b *Backend) Pages() *pages.Store {
	return b.pages
}

// Graph returns the link graph for direct access.
func (b *Backend) Graph() *graph.Store {
	return b.graph
}

// Scheduler returns the scheduler for direct access.
func (b *Backend) Scheduler() *schedule.PriorityScheduler {
	return b.sched
}

// Frequencies returns the change frequency estimator for direct
// access.
func (b *Backend) Frequencies() *freqest.Estimator {
	return b.freqs
}
