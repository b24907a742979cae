// Package frontier provides the public API of the crawl frontier.
package frontier

import (
	"github.com/frontier-crawler/frontier/internal/backend"
	"github.com/frontier-crawler/frontier/internal/config"
	"github.com/frontier-crawler/frontier/internal/opic"
	"github.com/frontier-crawler/frontier/internal/report"
)

// Re-export configuration types
type (
	Config          = config.FrontierConfig
	SchedulerPolicy = config.SchedulerPolicy
)

const (
	PolicyOptimal   = config.PolicyOptimal
	PolicyBestFirst = config.PolicyBestFirst
)

// Re-export backend types
type (
	Backend     = backend.Backend
	Request     = backend.Request
	Stats       = backend.Stats
	Option      = backend.Option
	SessionInfo = backend.SessionInfo
)

// Re-export scoring types
type (
	Scores        = opic.Scores
	ScoreItem     = opic.ScoreItem
	ScoreIterator = opic.ScoreIterator
)

// Re-export report types
type (
	Report        = report.Report
	ReportType    = report.ReportType
	ExportFormat  = report.ExportFormat
	ExportOptions = report.ExportOptions
	GraphSnapshot = report.GraphSnapshot
)

// Re-export sentinel errors
var (
	ErrClosed           = backend.ErrClosed
	ErrInconsistentMass = opic.ErrInconsistentMass
	ErrNoSessions       = backend.ErrNoSessions
)

// Re-export constructor functions
var (
	Open            = backend.Open
	DefaultConfig   = config.DefaultConfig
	LoadConfig      = config.Load
	NewGenerator    = report.NewGenerator
	NewExporter     = report.NewExporter
	NewBulkExporter = report.NewBulkExporter
)

// Re-export backend options
var (
	WithGraph     = backend.WithGraph
	WithPages     = backend.WithPages
	WithScheduler = backend.WithScheduler
	WithEstimator = backend.WithEstimator
	WithDetector  = backend.WithDetector
	WithClock     = backend.WithClock
)

// Re-export session management
var (
	ListSessions  = backend.ListSessions
	LatestSession = backend.LatestSession
	PruneSessions = backend.PruneSessions
)
