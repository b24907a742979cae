// Package crawltest provides a synthetic web and a replay harness for
// exercising a frontier backend end to end: pages are handed out by
// the backend, "crawled" against the synthetic site, and the results
// fed back, round after round.
package crawltest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/frontier-crawler/frontier/internal/backend"
)

// ErrFetchFailed is reported to the backend for failing pages.
var ErrFetchFailed = errors.New("synthetic fetch failure")

// Page is one synthetic page.
type Page struct {
	URL     string
	Links   []string
	Bodies  []string // served in visit order, last one repeats
	Failing bool
	Seed    bool

	visits int
}

// Site is a synthetic web of pages.
type Site struct {
	mu    sync.Mutex
	pages map[string]*Page
	order []string
}

// NewSite creates an empty site.
func NewSite() *Site {
	return &Site{pages: make(map[string]*Page)}
}

// AddPage adds a page with the given out-links, or updates the links
// of an existing one. Linked pages come into existence when they are
// added themselves; until then crawling them yields an empty page.
func (s *Site) AddPage(url string, links ...string) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[url]
	if !ok {
		p = &Page{URL: url}
		s.pages[url] = p
		s.order = append(s.order, url)
	}
	p.Links = links
	return p
}

// AddSeed adds a page and marks it as a crawl starting point.
func (s *Site) AddSeed(url string, links ...string) *Page {
	p := s.AddPage(url, links...)
	p.Seed = true
	return p
}

// Seeds returns the seed URLs in insertion order.
func (s *Site) Seeds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seeds []string
	for _, url := range s.order {
		if s.pages[url].Seed {
			seeds = append(seeds, url)
		}
	}
	return seeds
}

// URLs returns every page URL in insertion order.
func (s *Site) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of pages.
func (s *Site) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

// Crawl simulates fetching a URL and counts the visit. Unknown URLs
// behave as empty pages.
func (s *Site) Crawl(url string) (body []byte, links []string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[url]
	if !ok {
		return []byte(url), nil, false
	}

	visit := p.visits
	p.visits++

	if p.Failing {
		return nil, nil, true
	}

	switch {
	case len(p.Bodies) == 0:
		body = []byte(p.URL)
	case visit < len(p.Bodies):
		body = []byte(p.Bodies[visit])
	default:
		body = []byte(p.Bodies[len(p.Bodies)-1])
	}
	return body, p.Links, false
}

// Visits returns how often a URL has been handed to Crawl.
func (s *Site) Visits(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pages[url]; ok {
		return p.visits
	}
	return 0
}

// Uncrawled returns the non-failing pages that have never been
// visited.
func (s *Site) Uncrawled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, url := range s.order {
		p := s.pages[url]
		if !p.Failing && p.visits == 0 {
			out = append(out, url)
		}
	}
	return out
}

// Runner replays a site against a backend.
type Runner struct {
	backend  *backend.Backend
	site     *Site
	maxPull  int
	sequence []string
}

// NewRunner creates a runner pulling up to maxPull pages per round.
func NewRunner(b *backend.Backend, site *Site, maxPull int) *Runner {
	if maxPull <= 0 {
		maxPull = 10
	}
	return &Runner{backend: b, site: site, maxPull: maxPull}
}

// Seed registers the site's seed pages with the backend.
func (r *Runner) Seed() error {
	return r.backend.AddSeeds(r.site.Seeds())
}

// SeedAll registers every site page with the backend.
func (r *Runner) SeedAll() error {
	return r.backend.AddSeeds(r.site.URLs())
}

// Round pulls one batch of requests and replays it. Returns the
// number of requests handed out.
func (r *Runner) Round() (int, error) {
	reqs, err := r.backend.GetNextPages(r.maxPull)
	if err != nil {
		return 0, err
	}

	for _, req := range reqs {
		r.sequence = append(r.sequence, req.URL)

		body, links, failing := r.site.Crawl(req.URL)
		if failing {
			if err := r.backend.RequestError(req.URL, ErrFetchFailed); err != nil {
				return 0, err
			}
			continue
		}
		if err := r.backend.PageCrawled(req.URL, body, links); err != nil {
			return 0, err
		}
	}

	return len(reqs), nil
}

// Run seeds the backend and replays rounds until a round hands out
// nothing or maxRounds is reached. Returns the URLs in issue order.
// A frontier with schedulable pages keeps revisiting them, so
// maxRounds is the usual stopping point.
func (r *Runner) Run(maxRounds int) ([]string, error) {
	if err := r.Seed(); err != nil {
		return nil, err
	}

	for round := 0; round < maxRounds; round++ {
		n, err := r.Round()
		if err != nil {
			return r.sequence, err
		}
		if n == 0 {
			break
		}
	}
	return r.sequence, nil
}

// RunUntilVisited seeds the backend and replays rounds until every
// non-failing page has been crawled at least once. Fails if coverage
// is not reached within maxRounds.
func (r *Runner) RunUntilVisited(maxRounds int) ([]string, error) {
	if err := r.Seed(); err != nil {
		return nil, err
	}

	for round := 0; round < maxRounds; round++ {
		if r.covered() {
			return r.sequence, nil
		}
		if _, err := r.Round(); err != nil {
			return r.sequence, err
		}
	}

	if r.covered() {
		return r.sequence, nil
	}
	return r.sequence, fmt.Errorf("coverage not reached after %d rounds", maxRounds)
}

func (r *Runner) covered() bool {
	return len(r.site.Uncrawled()) == 0
}

// Sequence returns the URLs issued so far, in order.
func (r *Runner) Sequence() []string {
	return append([]string(nil), r.sequence...)
}

// LinearSite builds a chain of n pages, each linking to the next,
// seeded at the head.
func LinearSite(n int) *Site {
	s := NewSite()
	for i := 1; i <= n; i++ {
		url := pageURL(i)
		var links []string
		if i < n {
			links = []string{pageURL(i + 1)}
		}
		if i == 1 {
			s.AddSeed(url, links...)
		} else {
			s.AddPage(url, links...)
		}
	}
	return s
}

// StarSite builds a hub linking to n leaves, seeded at the hub.
func StarSite(n int) *Site {
	s := NewSite()
	links := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		links = append(links, fmt.Sprintf("http://star.test/leaf/%d", i))
	}
	s.AddSeed("http://star.test/hub", links...)
	for _, url := range links {
		s.AddPage(url)
	}
	return s
}

// MeshSite builds n pages, each linking to all others, all seeded.
func MeshSite(n int) *Site {
	s := NewSite()
	urls := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		urls = append(urls, fmt.Sprintf("http://mesh.test/node/%d", i))
	}
	for i, url := range urls {
		links := make([]string, 0, n-1)
		for j, other := range urls {
			if i != j {
				links = append(links, other)
			}
		}
		s.AddSeed(url, links...)
	}
	return s
}

func pageURL(i int) string {
	return fmt.Sprintf("http://chain.test/page/%d", i)
}
