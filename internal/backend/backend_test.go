package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontier-crawler/frontier/internal/config"
	"github.com/frontier-crawler/frontier/internal/freqest"
	"github.com/frontier-crawler/frontier/internal/graph"
	"github.com/frontier-crawler/frontier/internal/pagechange"
	"github.com/frontier-crawler/frontier/internal/pages"
	"github.com/frontier-crawler/frontier/internal/schedule"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.InMemory = true
	b, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAddSeedsRegistersEverywhere(t *testing.T) {
	b := newTestBackend(t)

	seeds := []string{"https://example.com/", "https://example.org/"}
	require.NoError(t, b.AddSeeds(seeds))

	assert.Equal(t, 2, b.Engine().Len())
	assert.Equal(t, 2, b.Scheduler().Len())
	assert.Equal(t, 2, b.Frequencies().Len())

	nodes, err := b.Graph().NodeCount()
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)

	for _, seed := range seeds {
		known, err := b.Pages().Has(pages.Fingerprint(seed))
		require.NoError(t, err)
		assert.True(t, known)
	}

	stats := b.Stats()
	assert.Equal(t, 2, stats.KnownPages)
	assert.InDelta(t, 2.0, stats.TotalCash, 1e-9)
	assert.NotEmpty(t, stats.SessionID)
}

func TestSeedsSchedulableAfterFirstCycle(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))

	// Fresh pages have no authority yet, so a raw schedule pull
	// returns nothing.
	direct, err := b.Scheduler().GetNextPages(5, nil)
	require.NoError(t, err)
	assert.Empty(t, direct)

	// The backend pull runs a scoring cycle first.
	reqs, err := b.GetNextPages(5)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://example.com/", reqs[0].URL)
	assert.Equal(t, "example.com", reqs[0].Domain)
	assert.Equal(t, pages.Fingerprint("https://example.com/"), reqs[0].Fingerprint)
}

func TestURLVariantsShareIdentity(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.AddSeeds([]string{"https://example.com/a"}))

	// Other spellings of the seed must resolve to the same page, not
	// register new ones.
	variants := []string{
		"https://example.com:443/a",
		"https://example.com/a#section",
		"https://example.com//a",
	}
	require.NoError(t, b.PageCrawled("HTTPS://EXAMPLE.com/a", []byte("body"), variants))

	assert.Equal(t, 1, b.Engine().Len())
	assert.Equal(t, 1, b.Scheduler().Len())

	nodes, err := b.Graph().NodeCount()
	require.NoError(t, err)
	assert.Equal(t, 1, nodes)

	require.NoError(t, b.RequestError("https://example.com:443/a#x", errors.New("boom")))
	assert.Equal(t, 0, b.Scheduler().Len())
}

func TestPendingPagesAreNotReissued(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))

	first, err := b.GetNextPages(5)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Handed out and not yet reported back.
	second, err := b.GetNextPages(5)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, b.PageCrawled("https://example.com/", []byte("body"), nil))

	third, err := b.GetNextPages(5)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestPageCrawledExpandsFrontier(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))
	links := []string{"https://example.com/a", "https://example.com/b"}
	require.NoError(t, b.PageCrawled("https://example.com/", []byte("<html>"), links))

	assert.Equal(t, 3, b.Engine().Len())
	edges, err := b.Graph().EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, 2, edges)

	reqs, err := b.GetNextPages(10)
	require.NoError(t, err)

	got := make([]string, 0, len(reqs))
	for _, r := range reqs {
		got = append(got, r.URL)
	}
	assert.ElementsMatch(t, append(links, "https://example.com/"), got)
}

func TestCrawledWithoutRegistration(t *testing.T) {
	b := newTestBackend(t)

	// Never seeded, never linked. The page is registered on the fly.
	require.NoError(t, b.PageCrawled("https://stray.example.com/", []byte("x"), nil))

	assert.Equal(t, 1, b.Engine().Len())
	known, err := b.Pages().Has(pages.Fingerprint("https://stray.example.com/"))
	require.NoError(t, err)
	assert.True(t, known)
}

func TestRequestErrorUnschedules(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))

	reqs, err := b.GetNextPages(5)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	require.NoError(t, b.RequestError("https://example.com/", errors.New("connection refused")))

	stats := b.Stats()
	assert.Equal(t, 0, stats.Scheduled)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, int64(1), stats.RequestErrors)

	reqs, err = b.GetNextPages(5)
	require.NoError(t, err)
	assert.Empty(t, reqs)

	// Errors on unknown pages are tolerated.
	require.NoError(t, b.RequestError("https://unknown.example.com/", errors.New("dns failure")))
}

func TestPageChangeAdjustsRate(t *testing.T) {
	b := newTestBackend(t)

	url := "https://example.com/"
	fp := pages.Fingerprint(url)
	require.NoError(t, b.AddSeeds([]string{url}))

	require.NoError(t, b.PageCrawled(url, []byte("version one"), nil))
	rateBefore, _, _, ok := b.Scheduler().Get(fp)
	require.True(t, ok)

	// Same body: the estimate must not move.
	require.NoError(t, b.PageCrawled(url, []byte("version one"), nil))
	rateSame, _, _, ok := b.Scheduler().Get(fp)
	require.True(t, ok)
	assert.Equal(t, rateBefore, rateSame)

	// Changed body: the page looks faster-moving than the default.
	require.NoError(t, b.PageCrawled(url, []byte("version two"), nil))
	rateAfter, _, _, ok := b.Scheduler().Get(fp)
	require.True(t, ok)
	assert.Greater(t, rateAfter, rateBefore)
}

func TestBestFirstPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.InMemory = true
	cfg.Policy = config.PolicyBestFirst
	b, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))
	reqs, err := b.GetNextPages(5)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestRequestErrorSticksUnderBestFirst(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.InMemory = true
	cfg.Policy = config.PolicyBestFirst
	b, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.AddSeeds([]string{"https://a.example/", "https://b.example/"}))
	_, err = b.GetNextPages(5)
	require.NoError(t, err)

	require.NoError(t, b.RequestError("https://b.example/", errors.New("gone")))
	require.NoError(t, b.PageCrawled("https://a.example/", []byte("hub"), []string{"https://b.example/"}))

	// The link keeps feeding authority into b.example, but scoring
	// alone must not put an errored page back on the schedule.
	for i := 0; i < 5; i++ {
		reqs, err := b.GetNextPages(5)
		require.NoError(t, err)
		for _, req := range reqs {
			assert.NotEqual(t, "https://b.example/", req.URL)
			require.NoError(t, b.PageCrawled(req.URL, []byte("hub"), []string{"https://b.example/"}))
		}
	}
}

func TestInjectedComponents(t *testing.T) {
	est, err := freqest.Open("", freqest.Config{
		DefaultFreq: 0.5,
		MinFreq:     0.1,
		MaxFreq:     1.0,
		Smoothing:   0.5,
	})
	require.NoError(t, err)
	g, err := graph.Open("")
	require.NoError(t, err)
	p, err := pages.OpenStore("")
	require.NoError(t, err)
	sched, err := schedule.Open("", schedule.Optimal)
	require.NoError(t, err)
	det, err := pagechange.Open("")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.InMemory = true
	b, err := Open(cfg, zerolog.Nop(),
		WithEstimator(est), WithGraph(g), WithPages(p),
		WithScheduler(sched), WithDetector(det))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	assert.Same(t, est, b.Frequencies())
	assert.Same(t, g, b.Graph())
	assert.Same(t, p, b.Pages())
	assert.Same(t, sched, b.Scheduler())

	// Rates come from the injected estimator, not the configuration.
	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))
	fp := pages.Fingerprint("https://example.com/")
	freq, err := b.Frequencies().Frequency(fp)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, freq, 1e-9)

	// Crawl results write through the injected stores.
	require.NoError(t, b.PageCrawled("https://example.com/", []byte("body"), nil))
	seen, err := det.Seen(fp)
	require.NoError(t, err)
	assert.True(t, seen)
	known, err := p.Has(fp)
	require.NoError(t, err)
	assert.True(t, known)
}

func TestClosedBackend(t *testing.T) {
	b := newTestBackend(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.AddSeeds([]string{"https://example.com/"}), ErrClosed)
	assert.ErrorIs(t, b.PageCrawled("https://example.com/", nil, nil), ErrClosed)
	assert.ErrorIs(t, b.RequestError("https://example.com/", nil), ErrClosed)
	_, err := b.GetNextPages(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkdirPersistence(t *testing.T) {
	workdir := filepath.Join(t.TempDir(), "crawl")

	cfg := config.DefaultConfig()
	cfg.Workdir = workdir

	b, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))
	links := []string{"https://example.com/a", "https://example.com/b"}
	require.NoError(t, b.PageCrawled("https://example.com/", []byte("body"), links))
	_, err = b.GetNextPages(1)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	for _, name := range []string{graphFile, pagesFile, scoresFile, schedFile, freqsFile, digestsFile} {
		_, err := os.Stat(filepath.Join(workdir, name))
		assert.NoError(t, err, name)
	}

	reopened, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 3, reopened.Engine().Len())
	assert.Equal(t, 3, reopened.Scheduler().Len())

	// Pulled pages from the previous session are no longer pending
	// and get handed out again.
	reqs, err := reopened.GetNextPages(10)
	require.NoError(t, err)
	assert.Len(t, reqs, 3)
}

func TestConcurrentCrawls(t *testing.T) {
	b := newTestBackend(t)

	var seeds []string
	for i := 0; i < 8; i++ {
		seeds = append(seeds, fmt.Sprintf("https://example.com/page/%d", i))
	}
	require.NoError(t, b.AddSeeds(seeds))

	var wg sync.WaitGroup
	for _, url := range seeds {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			assert.NoError(t, b.PageCrawled(url, []byte(url), nil))
		}(url)
	}
	wg.Wait()

	assert.Equal(t, int64(8), b.Stats().PagesCrawled)
	assert.Equal(t, 8, b.Engine().Len())
}
