// Command frontier runs a continuous crawl driven by the OPIC frontier.
// Pages are fetched in priority order, discovered links feed back into
// the frontier, and revisit order follows importance and change rate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/frontier-crawler/frontier/internal/backend"
	"github.com/frontier-crawler/frontier/internal/config"
	"github.com/frontier-crawler/frontier/internal/fetch"
	"github.com/frontier-crawler/frontier/internal/opic"
	"github.com/frontier-crawler/frontier/internal/report"
	"github.com/frontier-crawler/frontier/internal/robots"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Configuration file (JSON)")
		preset       = flag.String("preset", "", "Start from a named preset: discovery or revisit")
		initConfig   = flag.String("init-config", "", "Write the default configuration to a file and exit")
		workdir      = flag.String("workdir", "", "Working directory for session stores (resumes if it exists)")
		resumeRoot   = flag.String("resume", "", "Resume the most recent session found under this directory")
		keep         = flag.Int("keep", 0, "Keep only the N most recent session directories after the crawl (0 = all)")
		mem          = flag.Bool("mem", false, "Keep all stores in memory")
		policy       = flag.String("policy", "", "Scheduling policy: optimal or best_first")
		seedFile     = flag.String("seeds", "", "File containing seed URLs (one per line)")
		batch        = flag.Int("batch", 10, "Pages to request from the frontier per cycle")
		rounds       = flag.Int("rounds", 0, "Maximum scoring cycles (0 = until interrupted)")
		maxPages     = flag.Int64("max-pages", 0, "Stop after crawling this many pages (0 = unlimited)")
		rps          = flag.Float64("rate", 5, "Maximum requests per second (0 = unlimited)")
		timeout      = flag.Duration("timeout", 30*time.Second, "Request timeout")
		ua           = flag.String("ua", "", "User-Agent header")
		ignoreRobots = flag.Bool("ignore-robots", false, "Skip robots.txt checks")
		reportDir    = flag.String("reports", "", "Export reports into this directory on shutdown")
		reportFormat = flag.String("report-format", "xlsx", "Report format: csv, json or xlsx")
		logDir       = flag.String("log-dir", "", "Write rotated log files into this directory")
		logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	)
	flag.Parse()

	if *initConfig != "" {
		if err := config.DefaultConfig().Save(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", *initConfig)
		return
	}

	logger := setupLogging(*logDir, *logLevel)

	if *configPath != "" && *preset != "" {
		logger.Fatal().Msg("use either -config or -preset, not both")
	}

	cfg := config.DefaultConfig()
	switch {
	case *configPath != "":
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
		}
		cfg = loaded
	case *preset == "discovery":
		cfg = config.PresetDiscovery.Clone()
	case *preset == "revisit":
		cfg = config.PresetRevisit.Clone()
	case *preset != "":
		logger.Fatal().Str("preset", *preset).Msg("unknown preset, expected discovery or revisit")
	}

	// Flags set on the command line win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workdir":
			cfg.Workdir = *workdir
		case "mem":
			cfg.InMemory = *mem
		case "policy":
			cfg.Policy = config.SchedulerPolicy(*policy)
		case "rate":
			cfg.RequestsPerSecond = *rps
		case "timeout":
			cfg.Timeout = *timeout
		case "ua":
			cfg.UserAgent = *ua
		case "ignore-robots":
			cfg.IgnoreRobots = *ignoreRobots
		}
	})
	cfg.Validate()

	if *resumeRoot != "" {
		if cfg.Workdir != "" {
			logger.Fatal().Msg("use either -workdir or -resume, not both")
		}
		latest, err := backend.LatestSession(*resumeRoot)
		if err != nil {
			logger.Fatal().Err(err).Str("root", *resumeRoot).Msg("no session to resume")
		}
		cfg.Workdir = latest.Workdir
		logger.Info().
			Str("workdir", latest.Workdir).
			Str("session", latest.ID).
			Msg("resuming previous session")
	}

	for _, arg := range flag.Args() {
		cfg.Seeds = append(cfg.Seeds, normalizeSeed(arg))
	}
	if *seedFile != "" {
		seeds, err := loadSeedFile(*seedFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *seedFile).Msg("failed to load seed file")
		}
		cfg.Seeds = append(cfg.Seeds, seeds...)
	}

	if len(cfg.Seeds) == 0 && cfg.Workdir == "" {
		fmt.Println("Usage: frontier [flags] <seed-url> ...")
		fmt.Println("Example: frontier -reports ./reports https://example.com")
		fmt.Println("Resume a session with -workdir, or pass seeds to start one.")
		os.Exit(1)
	}

	b, err := backend.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open frontier")
	}
	defer b.Close()

	fmt.Printf("Starting frontier session %s\n", b.SessionID())
	if cfg.InMemory {
		fmt.Printf("  - Stores: in memory\n")
	} else {
		fmt.Printf("  - Workdir: %s\n", b.Workdir())
	}
	fmt.Printf("  - Policy: %s\n", cfg.Policy)
	fmt.Printf("  - Seeds: %d\n", len(cfg.Seeds))
	fmt.Printf("  - Batch: %d\n", *batch)
	fmt.Printf("  - Requests/sec: %.1f\n", cfg.RequestsPerSecond)
	if cfg.IgnoreRobots {
		fmt.Printf("  - Robots.txt: ignored\n")
	}
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt signal, stopping...")
		cancel()
	}()

	if len(cfg.Seeds) > 0 {
		if err := b.AddSeeds(cfg.Seeds); err != nil {
			logger.Fatal().Err(err).Msg("failed to add seeds")
		}
	}

	go statsLoop(ctx, b, logger)

	crawl(ctx, b, cfg, logger, *batch, *rounds, *maxPages)

	stats := b.Stats()
	fmt.Println("\n========== Crawl Complete ==========")
	fmt.Printf("Session: %s\n", stats.SessionID)
	fmt.Printf("Pages Crawled: %d\n", stats.PagesCrawled)
	fmt.Printf("Requests Issued: %d\n", stats.RequestsIssued)
	fmt.Printf("Request Errors: %d\n", stats.RequestErrors)
	fmt.Printf("Known Pages: %d\n", stats.KnownPages)
	fmt.Printf("Total Cash: %.4f\n", stats.TotalCash)
	fmt.Printf("Total Time: %v\n", stats.Elapsed.Round(time.Millisecond))

	if *reportDir != "" {
		exportReports(b, *reportDir, *reportFormat, logger)
	}

	if *keep > 0 && !cfg.InMemory {
		root := *resumeRoot
		if root == "" {
			root = filepath.Dir(b.Workdir())
		}
		removed, err := backend.PruneSessions(root, *keep)
		if err != nil {
			logger.Error().Err(err).Str("root", root).Msg("failed to prune old sessions")
		} else if len(removed) > 0 {
			logger.Info().Int("removed", len(removed)).Msg("pruned old sessions")
		}
	}
}

// setupLogging builds the process logger: a console writer, plus a
// rotated log file when a log directory is configured.
func setupLogging(logDir, levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	var w io.Writer = console
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			file := &lumberjack.Logger{
				Filename:   filepath.Join(logDir, "frontier.log"),
				MaxSize:    20, // MB
				MaxBackups: 5,
				MaxAge:     14, // days
				Compress:   true,
			}
			w = zerolog.MultiLevelWriter(console, file)
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// crawler drives fetches against the frontier.
type crawler struct {
	backend  *backend.Backend
	fetcher  *fetch.Fetcher
	robots   *robots.Cache
	throttle *hostThrottle
	logger   zerolog.Logger
}

// crawl pulls batches from the frontier and fetches them until the
// context is canceled, a round produces nothing, or a cap is hit.
func crawl(ctx context.Context, b *backend.Backend, cfg *config.FrontierConfig, logger zerolog.Logger, batch, maxRounds int, maxPages int64) {
	fetcher := fetch.New(cfg)
	defer fetcher.Close()

	c := &crawler{
		backend:  b,
		fetcher:  fetcher,
		throttle: newHostThrottle(),
		logger:   logger,
	}
	if !cfg.IgnoreRobots {
		c.robots = robots.NewCache(cfg.UserAgent, func(ctx context.Context, robotsURL string) ([]byte, int, error) {
			res, err := fetcher.Fetch(ctx, robotsURL)
			if err != nil {
				return nil, 0, err
			}
			return res.Body, res.StatusCode, nil
		})
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	var crawled int64
	for round := 0; maxRounds <= 0 || round < maxRounds; round++ {
		if ctx.Err() != nil {
			return
		}

		requests, err := b.GetNextPages(batch)
		if err != nil {
			if errors.Is(err, opic.ErrInconsistentMass) {
				logger.Error().Err(err).Msg("scoring halted, stopping crawl")
			} else {
				logger.Error().Err(err).Msg("failed to pull next pages")
			}
			return
		}
		if len(requests) == 0 {
			logger.Info().Int("rounds", round).Msg("no pages schedulable")
			return
		}

		for _, req := range requests {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			c.crawlOne(ctx, req)
			crawled++
			if maxPages > 0 && crawled >= maxPages {
				logger.Info().Int64("pages", crawled).Msg("page limit reached")
				return
			}
		}
	}
}

// crawlOne fetches a single request and reports the outcome back to
// the frontier.
func (c *crawler) crawlOne(ctx context.Context, req backend.Request) {
	host := requestHost(req.URL)
	if c.robots != nil {
		allowed, delay := c.robots.Check(ctx, req.URL)
		if !allowed {
			c.logger.Debug().Str("url", req.URL).Msg("disallowed by robots.txt")
			c.reportError(req.URL, robots.ErrDisallowed)
			return
		}
		if err := c.throttle.wait(ctx, host, delay); err != nil {
			return
		}
	}

	res, err := c.fetcher.Fetch(ctx, req.URL)
	c.throttle.record(host)
	if err != nil {
		// A canceled fetch is not the page's fault; leave it pending
		// so a resumed session issues it again.
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().
			Err(err).
			Str("url", req.URL).
			Bool("retryable", fetch.Retryable(err)).
			Msg("fetch failed")
		c.reportError(req.URL, err)
		return
	}

	if res.StatusCode >= 400 {
		c.logger.Warn().
			Str("url", req.URL).
			Int("status", res.StatusCode).
			Msg("fetch rejected")
		c.reportError(req.URL, fmt.Errorf("http status %d", res.StatusCode))
		return
	}

	var links []string
	if isHTML(res.ContentType) {
		links = fetch.ExtractLinks(res.FinalURL, res.Body)
	}

	if err := c.backend.PageCrawled(req.URL, res.Body, links); err != nil {
		c.logger.Error().Err(err).Str("url", req.URL).Msg("failed to record crawl")
		return
	}

	c.logger.Info().
		Str("url", req.URL).
		Int("status", res.StatusCode).
		Int("links", len(links)).
		Int64("bytes", res.BodySize).
		Dur("elapsed", res.Elapsed).
		Msg("crawled")
}

// reportError tells the frontier a request failed.
func (c *crawler) reportError(url string, cause error) {
	if err := c.backend.RequestError(url, cause); err != nil {
		c.logger.Error().Err(err).Str("url", url).Msg("failed to record error")
	}
}

// hostThrottle spaces requests to a host by its crawl delay.
type hostThrottle struct {
	mu         sync.Mutex
	lastAccess map[string]time.Time
}

func newHostThrottle() *hostThrottle {
	return &hostThrottle{lastAccess: make(map[string]time.Time)}
}

// wait blocks until delay has passed since the last request to host.
// A host that was never accessed needs no wait.
func (h *hostThrottle) wait(ctx context.Context, host string, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	h.mu.Lock()
	last, seen := h.lastAccess[host]
	h.mu.Unlock()
	if !seen {
		return nil
	}

	remaining := delay - time.Since(last)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remaining):
		return nil
	}
}

// record notes that a request to host was just made.
func (h *hostThrottle) record(host string) {
	h.mu.Lock()
	h.lastAccess[host] = time.Now()
	h.mu.Unlock()
}

// requestHost extracts the host a URL addresses, for politeness
// bookkeeping.
func requestHost(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

// statsLoop logs progress periodically until the context is canceled.
func statsLoop(ctx context.Context, b *backend.Backend, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			logger.Info().
				Int64("crawled", stats.PagesCrawled).
				Int64("issued", stats.RequestsIssued).
				Int64("errors", stats.RequestErrors).
				Int("known", stats.KnownPages).
				Int("schedulable", stats.Schedulable).
				Float64("cash", stats.TotalCash).
				Msg("progress")
		}
	}
}

// exportReports writes the session reports before shutdown.
func exportReports(b *backend.Backend, dir, format string, logger zerolog.Logger) {
	bulk := report.NewBulkExporter(report.NewGenerator(b), dir)

	var err error
	switch report.ExportFormat(format) {
	case report.FormatXLSX:
		if err = os.MkdirAll(dir, 0o755); err == nil {
			err = bulk.ExportAllToXLSX(filepath.Join(dir, "frontier_reports.xlsx"))
		}
	case report.FormatCSV, report.FormatJSON:
		err = bulk.ExportAll(report.ExportFormat(format))
	default:
		err = fmt.Errorf("unknown report format %q", format)
	}
	if err == nil {
		err = bulk.ExportGraph()
	}

	if err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("failed to export reports")
		return
	}
	logger.Info().Str("dir", dir).Msg("reports exported")
}

func loadSeedFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seeds []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, normalizeSeed(line))
	}
	return seeds, nil
}

func normalizeSeed(raw string) string {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "https://" + raw
	}
	return raw
}

func isHTML(contentType string) bool {
	switch contentType {
	case "text/html", "application/xhtml+xml", "":
		return true
	}
	return false
}
