// Package report builds exportable views of frontier state.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/frontier-crawler/frontier/internal/backend"
	"github.com/frontier-crawler/frontier/internal/opic"
	"github.com/frontier-crawler/frontier/internal/pages"
)

// ReportType defines the type of report.
type ReportType string

const (
	ReportTopAuthorities ReportType = "top_authorities"
	ReportTopHubs        ReportType = "top_hubs"
	ReportSchedule       ReportType = "schedule"
	ReportChangeRates    ReportType = "change_rates"
	ReportDomains        ReportType = "domains"
	ReportCrawlSummary   ReportType = "crawl_summary"
)

// ReportDefinition defines a report type.
type ReportDefinition struct {
	Type        ReportType
	Name        string
	Description string
	Category    string
	Columns     []string
}

// AllReports returns all available report definitions.
func AllReports() []*ReportDefinition {
	return []*ReportDefinition{
		// Importance
		{ReportTopAuthorities, "Top Authorities", "Pages ranked by authority score", "Importance", []string{"URL", "Domain", "Authority", "Hub"}},
		{ReportTopHubs, "Top Hubs", "Pages ranked by hub score", "Importance", []string{"URL", "Domain", "Hub", "Authority"}},

		// Scheduling
		{ReportSchedule, "Schedule", "Scheduled pages by crawl priority", "Scheduling", []string{"URL", "Domain", "Priority", "Value", "Rate"}},
		{ReportChangeRates, "Change Rates", "Estimated page change frequency", "Scheduling", []string{"URL", "Domain", "Changes Per Day"}},

		// Summary
		{ReportDomains, "Domains", "Aggregate importance per domain", "Summary", []string{"Domain", "Pages", "Authority", "Share"}},
		{ReportCrawlSummary, "Crawl Summary", "Summary of frontier statistics", "Summary", []string{"Metric", "Value"}},
	}
}

// ReportRow represents a single row in a report.
type ReportRow struct {
	Values map[string]interface{}
}

// Report represents a generated report.
type Report struct {
	Definition *ReportDefinition
	Rows       []*ReportRow
	TotalCount int
	Generated  string
}

// Generator generates reports from frontier state.
type Generator struct {
	backend *backend.Backend
}

// NewGenerator creates a new report generator.
func NewGenerator(b *backend.Backend) *Generator {
	return &Generator{backend: b}
}

// Generate generates a report of the specified type.
func (g *Generator) Generate(reportType ReportType) (*Report, error) {
	def := g.getDefinition(reportType)
	if def == nil {
		return nil, fmt.Errorf("unknown report type: %s", reportType)
	}

	report := &Report{
		Definition: def,
		Rows:       make([]*ReportRow, 0),
		Generated:  time.Now().Format(time.RFC3339),
	}

	var err error
	switch reportType {
	case ReportTopAuthorities:
		err = g.generateTopScores(report, false)
	case ReportTopHubs:
		err = g.generateTopScores(report, true)
	case ReportSchedule:
		err = g.generateSchedule(report)
	case ReportChangeRates:
		err = g.generateChangeRates(report)
	case ReportDomains:
		err = g.generateDomains(report)
	case ReportCrawlSummary:
		err = g.generateCrawlSummary(report)
	default:
		err = fmt.Errorf("report generator not implemented: %s", reportType)
	}

	if err != nil {
		return nil, err
	}

	report.TotalCount = len(report.Rows)
	return report, nil
}

func (g *Generator) getDefinition(reportType ReportType) *ReportDefinition {
	for _, def := range AllReports() {
		if def.Type == reportType {
			return def
		}
	}
	return nil
}

// pageData resolves a fingerprint to its URL and domain. Pages
// without stored data are reported by fingerprint so no score ever
// disappears from a report.
func (g *Generator) pageData(fp string) (url, domain string) {
	data, found, err := g.backend.Pages().Get(fp)
	if err != nil || !found {
		return fp, ""
	}
	return data.URL, data.Domain
}

func (g *Generator) generateTopScores(report *Report, byHub bool) error {
	var items []opic.ScoreItem
	it := g.backend.Engine().IterateScores()
	for it.Next() {
		items = append(items, it.Item())
	}
	if err := it.Err(); err != nil {
		return err
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if byHub {
			if a.Hub != b.Hub {
				return a.Hub > b.Hub
			}
		} else {
			if a.Authority != b.Authority {
				return a.Authority > b.Authority
			}
		}
		return a.Fingerprint < b.Fingerprint
	})

	for _, item := range items {
		url, domain := g.pageData(item.Fingerprint)
		report.Rows = append(report.Rows, &ReportRow{
			Values: map[string]interface{}{
				"URL":       url,
				"Domain":    domain,
				"Authority": item.Authority,
				"Hub":       item.Hub,
			},
		})
	}
	return nil
}

func (g *Generator) generateSchedule(report *Report) error {
	entries := g.backend.Scheduler().Entries()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})

	for _, e := range entries {
		url, domain := g.pageData(e.Fingerprint)
		report.Rows = append(report.Rows, &ReportRow{
			Values: map[string]interface{}{
				"URL":      url,
				"Domain":   domain,
				"Priority": e.Priority,
				"Value":    e.Value,
				"Rate":     e.Rate,
			},
		})
	}
	return nil
}

func (g *Generator) generateChangeRates(report *Report) error {
	type pageRate struct {
		url    string
		domain string
		perDay float64
	}

	var rates []pageRate
	err := g.backend.Pages().Each(func(fp string, data pages.PageData) error {
		freq, err := g.backend.Frequencies().Frequency(fp)
		if err != nil {
			// Known to the page store but not yet to the estimator.
			return nil
		}
		rates = append(rates, pageRate{
			url:    data.URL,
			domain: data.Domain,
			perDay: freq * 86400,
		})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(rates, func(i, j int) bool {
		if rates[i].perDay != rates[j].perDay {
			return rates[i].perDay > rates[j].perDay
		}
		return rates[i].url < rates[j].url
	})

	for _, r := range rates {
		report.Rows = append(report.Rows, &ReportRow{
			Values: map[string]interface{}{
				"URL":             r.url,
				"Domain":          r.domain,
				"Changes Per Day": r.perDay,
			},
		})
	}
	return nil
}

func (g *Generator) generateDomains(report *Report) error {
	type domainAgg struct {
		pages     int
		authority float64
	}

	domains := make(map[string]*domainAgg)
	totalAuthority := 0.0

	it := g.backend.Engine().IterateScores()
	for it.Next() {
		item := it.Item()
		_, domain := g.pageData(item.Fingerprint)
		agg, ok := domains[domain]
		if !ok {
			agg = &domainAgg{}
			domains[domain] = agg
		}
		agg.pages++
		agg.authority += item.Authority
		totalAuthority += item.Authority
	}
	if err := it.Err(); err != nil {
		return err
	}

	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if domains[names[i]].authority != domains[names[j]].authority {
			return domains[names[i]].authority > domains[names[j]].authority
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		agg := domains[name]
		share := 0.0
		if totalAuthority > 0 {
			share = agg.authority / totalAuthority
		}
		report.Rows = append(report.Rows, &ReportRow{
			Values: map[string]interface{}{
				"Domain":    name,
				"Pages":     agg.pages,
				"Authority": agg.authority,
				"Share":     share,
			},
		})
	}
	return nil
}

func (g *Generator) generateCrawlSummary(report *Report) error {
	stats := g.backend.Stats()

	nodes, err := g.backend.Graph().NodeCount()
	if err != nil {
		return err
	}
	edges, err := g.backend.Graph().EdgeCount()
	if err != nil {
		return err
	}

	metrics := []struct {
		name  string
		value interface{}
	}{
		{"Session", stats.SessionID},
		{"Known Pages", stats.KnownPages},
		{"Graph Nodes", nodes},
		{"Graph Edges", edges},
		{"Total Cash", stats.TotalCash},
		{"Scheduled Pages", stats.Scheduled},
		{"Schedulable Pages", stats.Schedulable},
		{"Pending Requests", stats.Pending},
		{"Pages Crawled", stats.PagesCrawled},
		{"Requests Issued", stats.RequestsIssued},
		{"Request Errors", stats.RequestErrors},
		{"Scoring Halted", stats.Halted},
		{"Elapsed", stats.Elapsed},
	}

	for _, m := range metrics {
		report.Rows = append(report.Rows, &ReportRow{
			Values: map[string]interface{}{
				"Metric": m.name,
				"Value":  m.value,
			},
		})
	}
	return nil
}

// SortReport sorts report rows by a column.
func (r *Report) SortReport(column string, ascending bool) {
	sort.Slice(r.Rows, func(i, j int) bool {
		vi := r.Rows[i].Values[column]
		vj := r.Rows[j].Values[column]

		switch v := vi.(type) {
		case int:
			vji, ok := vj.(int)
			if !ok {
				return false
			}
			if ascending {
				return v < vji
			}
			return v > vji
		case float64:
			vjf, ok := vj.(float64)
			if !ok {
				return false
			}
			if ascending {
				return v < vjf
			}
			return v > vjf
		case string:
			vjs, ok := vj.(string)
			if !ok {
				return false
			}
			if ascending {
				return v < vjs
			}
			return v > vjs
		}

		return false
	})
}

// FilterReport returns a copy holding only rows whose column equals
// value.
func (r *Report) FilterReport(column string, value interface{}) *Report {
	filtered := &Report{
		Definition: r.Definition,
		Rows:       make([]*ReportRow, 0),
		Generated:  r.Generated,
	}

	for _, row := range r.Rows {
		if row.Values[column] == value {
			filtered.Rows = append(filtered.Rows, row)
		}
	}

	filtered.TotalCount = len(filtered.Rows)
	return filtered
}
