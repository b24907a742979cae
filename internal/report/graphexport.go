package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// GraphNode is one page of the exported link graph.
type GraphNode struct {
	Fingerprint string  `json:"fingerprint"`
	URL         string  `json:"url"`
	Domain      string  `json:"domain,omitempty"`
	Authority   float64 `json:"authority"`
	Hub         float64 `json:"hub"`
	InLinks     int     `json:"in_links"`
	OutLinks    int     `json:"out_links"`
}

// GraphEdge is one directed link between two fingerprints.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// GraphStats aggregates degree statistics over the exported nodes.
type GraphStats struct {
	OrphanNodes  int     `json:"orphan_nodes"`   // no incoming links
	DeadEndNodes int     `json:"dead_end_nodes"` // no outgoing links
	MaxInLinks   int     `json:"max_in_links"`
	MaxOutLinks  int     `json:"max_out_links"`
	AvgInLinks   float64 `json:"avg_in_links"`
	AvgOutLinks  float64 `json:"avg_out_links"`
}

// GraphSnapshot is an exportable view of the link graph with the
// current importance scores attached to every node.
type GraphSnapshot struct {
	Nodes     []*GraphNode `json:"nodes"`
	Edges     []*GraphEdge `json:"edges"`
	NodeCount int          `json:"node_count"`
	EdgeCount int          `json:"edge_count"`
	Density   float64      `json:"density"`
	AvgDegree float64      `json:"avg_degree"`
	Stats     GraphStats   `json:"stats"`
	Generated string       `json:"generated"`
}

// BuildGraphSnapshot walks the link graph and annotates each node with
// its scores. Nodes come out ordered by authority, best first.
func (g *Generator) BuildGraphSnapshot() (*GraphSnapshot, error) {
	inLinks := make(map[string]int)
	outLinks := make(map[string]int)

	var edges []*GraphEdge
	err := g.backend.Graph().EachEdge(func(src, dst string) error {
		edges = append(edges, &GraphEdge{Source: src, Target: dst})
		outLinks[src]++
		inLinks[dst]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk edges: %w", err)
	}

	var nodes []*GraphNode
	it := g.backend.Engine().IterateScores()
	for it.Next() {
		item := it.Item()
		url, domain := g.pageData(item.Fingerprint)
		nodes = append(nodes, &GraphNode{
			Fingerprint: item.Fingerprint,
			URL:         url,
			Domain:      domain,
			Authority:   item.Authority,
			Hub:         item.Hub,
			InLinks:     inLinks[item.Fingerprint],
			OutLinks:    outLinks[item.Fingerprint],
		})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("failed to walk scores: %w", err)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Authority != nodes[j].Authority {
			return nodes[i].Authority > nodes[j].Authority
		}
		return nodes[i].Fingerprint < nodes[j].Fingerprint
	})
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	snap := &GraphSnapshot{
		Nodes:     nodes,
		Edges:     edges,
		NodeCount: len(nodes),
		EdgeCount: len(edges),
		Generated: time.Now().Format(time.RFC3339),
	}
	snap.computeMetrics()
	return snap, nil
}

func (s *GraphSnapshot) computeMetrics() {
	if s.NodeCount == 0 {
		return
	}

	totalIn, totalOut := 0, 0
	for _, node := range s.Nodes {
		if node.InLinks == 0 {
			s.Stats.OrphanNodes++
		}
		if node.OutLinks == 0 {
			s.Stats.DeadEndNodes++
		}
		if node.InLinks > s.Stats.MaxInLinks {
			s.Stats.MaxInLinks = node.InLinks
		}
		if node.OutLinks > s.Stats.MaxOutLinks {
			s.Stats.MaxOutLinks = node.OutLinks
		}
		totalIn += node.InLinks
		totalOut += node.OutLinks
	}

	n := float64(s.NodeCount)
	s.Stats.AvgInLinks = float64(totalIn) / n
	s.Stats.AvgOutLinks = float64(totalOut) / n
	s.AvgDegree = float64(totalIn+totalOut) / n

	// Self-links are possible, so the edge capacity is n squared.
	s.Density = float64(s.EdgeCount) / (n * n)
}

// TopNodes returns the limit highest-authority nodes.
func (s *GraphSnapshot) TopNodes(limit int) []*GraphNode {
	if limit < 0 {
		limit = 0
	}
	if limit > len(s.Nodes) {
		limit = len(s.Nodes)
	}
	return s.Nodes[:limit]
}

// WriteJSON writes the snapshot to path as indented JSON.
func (s *GraphSnapshot) WriteJSON(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(s)
}
