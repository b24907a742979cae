// Package config defines frontier configuration options.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SchedulerPolicy defines how the scheduler ranks pages.
type SchedulerPolicy string

const (
	// PolicyOptimal ranks by authority weighted with estimated change
	// rate, favoring pages that are both important and volatile.
	PolicyOptimal SchedulerPolicy = "optimal"

	// PolicyBestFirst ranks by authority alone.
	PolicyBestFirst SchedulerPolicy = "best_first"
)

// Month-scale default: a page never seen to change is assumed to
// change about once every 30 days.
const monthSeconds = 30 * 24 * 3600

// FrontierConfig holds all configuration for a frontier session.
type FrontierConfig struct {
	// === Basic Settings ===

	// Seed URLs to start crawling from
	Seeds []string `json:"seeds"`

	// Working directory for the session stores ("" = generated)
	Workdir string `json:"workdir"`

	// Keep all stores in memory instead of on disk
	InMemory bool `json:"in_memory"`

	// === Importance Scoring ===

	// Cash granted to a page when it is first registered
	InitialCash float64 `json:"initial_cash"`

	// Per-cycle retention of previous hub/authority scores (0, 1]
	ScoreDecay float64 `json:"score_decay"`

	// Minimum score delta counted as an update
	ChangeEpsilon float64 `json:"change_epsilon"`

	// Allowed relative drift in total circulating cash
	MassTolerance float64 `json:"mass_tolerance"`

	// === Change Frequency ===

	// Assumed change rate for pages with no history (changes/second)
	DefaultFreq float64 `json:"default_freq"`

	// Lower bound on estimated change rate
	MinFreq float64 `json:"min_freq"`

	// Upper bound on estimated change rate
	MaxFreq float64 `json:"max_freq"`

	// Weight given to each new interval sample (0, 1]
	FreqSmoothing float64 `json:"freq_smoothing"`

	// === Scheduling ===

	// Scheduler ranking policy
	Policy SchedulerPolicy `json:"policy"`

	// === Fetching ===

	// User-Agent string
	UserAgent string `json:"user_agent"`

	// Request timeout
	Timeout time.Duration `json:"timeout"`

	// Maximum requests per second (0 = unlimited)
	RequestsPerSecond float64 `json:"requests_per_second"`

	// Maximum response size in bytes
	MaxBodySize int64 `json:"max_body_size"`

	// Maximum number of redirects to follow
	MaxRedirects int `json:"max_redirects"`

	// Skip robots.txt checks
	IgnoreRobots bool `json:"ignore_robots"`
}

// DefaultConfig returns a FrontierConfig with sensible defaults.
func DefaultConfig() *FrontierConfig {
	return &FrontierConfig{
		// Scoring
		InitialCash:   1.0,
		ScoreDecay:    0.999,
		ChangeEpsilon: 1e-6,
		MassTolerance: 1e-6,

		// Change frequency
		DefaultFreq:   1.0 / monthSeconds,
		MinFreq:       1.0 / (12 * monthSeconds),
		MaxFreq:       1.0 / 3600,
		FreqSmoothing: 0.2,

		// Scheduling
		Policy: PolicyOptimal,

		// Fetching
		UserAgent:         "FrontierCrawler/1.0 (+https://github.com/frontier-crawler)",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 5,
		MaxBodySize:       10 * 1024 * 1024, // 10MB
		MaxRedirects:      10,
	}
}

// Validate checks the configuration and clamps out-of-range values.
func (c *FrontierConfig) Validate() error {
	def := DefaultConfig()

	if c.InitialCash <= 0 {
		c.InitialCash = def.InitialCash
	}
	if c.ScoreDecay <= 0 || c.ScoreDecay > 1 {
		c.ScoreDecay = def.ScoreDecay
	}
	if c.ChangeEpsilon < 0 {
		c.ChangeEpsilon = def.ChangeEpsilon
	}
	if c.MassTolerance <= 0 {
		c.MassTolerance = def.MassTolerance
	}
	if c.DefaultFreq <= 0 {
		c.DefaultFreq = def.DefaultFreq
	}
	if c.MinFreq <= 0 {
		c.MinFreq = def.MinFreq
	}
	if c.MaxFreq <= c.MinFreq {
		c.MaxFreq = def.MaxFreq
	}
	if c.FreqSmoothing <= 0 || c.FreqSmoothing > 1 {
		c.FreqSmoothing = def.FreqSmoothing
	}
	if c.Policy != PolicyOptimal && c.Policy != PolicyBestFirst {
		c.Policy = PolicyOptimal
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.Timeout < time.Second {
		c.Timeout = time.Second
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = def.MaxBodySize
	}
	if c.MaxRedirects < 0 {
		c.MaxRedirects = 0
	}
	return nil
}

// Save saves the configuration to a JSON file.
func (c *FrontierConfig) Save(filePath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load loads configuration from a JSON file.
func Load(filePath string) (*FrontierConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Clone creates a deep copy of the configuration.
func (c *FrontierConfig) Clone() *FrontierConfig {
	clone := *c

	clone.Seeds = make([]string, len(c.Seeds))
	copy(clone.Seeds, c.Seeds)

	return &clone
}

// Presets for common frontier scenarios
var (
	// PresetDiscovery favors raw importance: crawl the biggest
	// authorities first and ignore change rates.
	PresetDiscovery = &FrontierConfig{
		Policy:            PolicyBestFirst,
		InitialCash:       1.0,
		ScoreDecay:        0.999,
		RequestsPerSecond: 20,
		Timeout:           10 * time.Second,
	}

	// PresetRevisit favors freshness: weight authority with the
	// estimated change rate so volatile pages come back sooner.
	PresetRevisit = &FrontierConfig{
		Policy:            PolicyOptimal,
		InitialCash:       1.0,
		ScoreDecay:        0.999,
		FreqSmoothing:     0.3,
		RequestsPerSecond: 2,
		Timeout:           30 * time.Second,
	}
)
