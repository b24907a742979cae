package opic

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontier-crawler/frontier/internal/graph"
	"github.com/frontier-crawler/frontier/internal/pages"
)

func newTestGraph(t *testing.T) *graph.Store {
	t.Helper()
	g, err := graph.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func newTestEngine(t *testing.T, g *graph.Store) *Engine {
	t.Helper()
	e, err := Open("", g, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// addPages registers fingerprints in both graph and engine.
func addPages(t *testing.T, g *graph.Store, e *Engine, fps ...string) {
	t.Helper()
	for _, fp := range fps {
		require.NoError(t, g.AddNode(fp))
		require.NoError(t, e.AddPage(fp))
	}
}

func TestAddPageGrantsCash(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	require.NoError(t, e.AddPage("a"))
	assert.Equal(t, 1.0, e.TotalCash())

	s, err := e.GetScores("a")
	require.NoError(t, err)
	assert.Zero(t, s.Hub)
	assert.Zero(t, s.Authority)

	// Re-adding grants nothing
	require.NoError(t, e.AddPage("a"))
	assert.Equal(t, 1.0, e.TotalCash())
	assert.Equal(t, 1, e.Len())
}

func TestGetScoresUnknown(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	_, err := e.GetScores("ghost")
	assert.ErrorIs(t, err, pages.ErrUnknownPage)
}

func TestMarkUpdateUnknown(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	err := e.MarkUpdate("ghost")
	assert.ErrorIs(t, err, pages.ErrUnknownPage)
}

// TestSeedStar runs one cycle over a -> b, a -> c and checks where the
// mass lands: a keeps only its share of the dangling pool, b and c
// split a's cash evenly, and the total is conserved.
func TestSeedStar(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	addPages(t, g, e, "a", "b", "c")
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))

	hubUpdated, authUpdated, err := e.Update()
	require.NoError(t, err)

	// b and c were dangling with cash 1 each, so the pool is 2 and
	// every page gets back 2/3.
	poolShare := 2.0 / 3.0

	sa, err := e.GetScores("a")
	require.NoError(t, err)
	sb, err := e.GetScores("b")
	require.NoError(t, err)
	sc, err := e.GetScores("c")
	require.NoError(t, err)

	// a has no in-links: its authority is the pool share alone
	assert.InDelta(t, poolShare, sa.Authority, 1e-9)

	// b and c are symmetric and their direct flow sums to a's cash
	assert.InDelta(t, sb.Authority, sc.Authority, 1e-9)
	direct := (sb.Authority - poolShare) + (sc.Authority - poolShare)
	assert.InDelta(t, 1.0, direct, 1e-9)

	// conservation: authorities sum to the cash total
	assert.InDelta(t, 3.0, sa.Authority+sb.Authority+sc.Authority, 1e-9)
	assert.InDelta(t, 3.0, e.TotalCash(), 1e-9)

	// only a links anywhere, so only its hub moves
	assert.Equal(t, []string{"a"}, hubUpdated)
	assert.Greater(t, sa.Hub, 0.0)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, authUpdated)
}

func TestMassConservedAcrossCycles(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	addPages(t, g, e, "a", "b", "c", "d", "e")
	for _, edge := range [][2]string{
		{"a", "b"}, {"a", "c"}, {"b", "c"}, {"c", "a"}, {"d", "a"},
	} {
		require.NoError(t, g.AddEdge(edge[0], edge[1]))
	}

	for cycle := 0; cycle < 50; cycle++ {
		_, _, err := e.Update()
		require.NoError(t, err, "cycle %d", cycle)

		assert.InDelta(t, 5.0, e.TotalCash(), 1e-6)

		sum := 0.0
		it := e.IterateScores()
		for it.Next() {
			item := it.Item()
			assert.GreaterOrEqual(t, item.Hub, 0.0)
			assert.GreaterOrEqual(t, item.Authority, 0.0)
			sum += item.Authority
		}
		assert.InDelta(t, 5.0, sum, 1e-6, "cycle %d", cycle)
	}

	assert.False(t, e.Halted())
}

func TestDanglingSingleton(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	addPages(t, g, e, "only")

	for i := 0; i < 3; i++ {
		_, _, err := e.Update()
		require.NoError(t, err)
	}

	// All cash cycles through the pool back to the only page
	s, err := e.GetScores("only")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Authority, 1e-9)
	assert.InDelta(t, 1.0, e.TotalCash(), 1e-9)
}

func TestUnregisteredReceiverFeedsPool(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	// d exists in the graph but was never registered with the engine
	addPages(t, g, e, "a")
	require.NoError(t, g.AddNode("d"))
	require.NoError(t, g.AddEdge("a", "d"))

	_, _, err := e.Update()
	require.NoError(t, err)

	// The share aimed at d must not leak
	assert.InDelta(t, 1.0, e.TotalCash(), 1e-9)

	s, err := e.GetScores("a")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Authority, 1e-9)
}

func TestUpdateEmptyEngine(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	hubUpdated, authUpdated, err := e.Update()
	require.NoError(t, err)
	assert.Empty(t, hubUpdated)
	assert.Empty(t, authUpdated)
}

func TestMarkUpdateKnownPage(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	addPages(t, g, e, "a", "b")
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, e.MarkUpdate("a"))

	_, _, err := e.Update()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, e.TotalCash(), 1e-9)
}

func TestIterateScoresSnapshot(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	addPages(t, g, e, "a", "b", "c")
	require.NoError(t, g.AddEdge("a", "b"))

	_, _, err := e.Update()
	require.NoError(t, err)

	it := e.IterateScores()
	seen := make(map[string]ScoreItem)
	for it.Next() {
		item := it.Item()
		seen[item.Fingerprint] = item
	}
	require.NoError(t, it.Err())
	require.Len(t, seen, 3)

	for fp, item := range seen {
		s, err := e.GetScores(fp)
		require.NoError(t, err)
		assert.Equal(t, s.Authority, item.Authority)
		assert.Equal(t, s.Hub, item.Hub)
	}

	// Reset restarts the same snapshot
	it.Reset()
	count := 0
	for it.Next() {
		count++
	}
	assert.Equal(t, 3, count)

	// An iterator created before an update keeps observing its snapshot
	before := e.IterateScores()
	_, _, err = e.Update()
	require.NoError(t, err)

	beforeSum := 0.0
	for before.Next() {
		beforeSum += before.Item().Authority
	}
	want := 0.0
	for fp := range seen {
		s := seen[fp]
		want += s.Authority
	}
	assert.InDelta(t, want, beforeSum, 1e-12)
}

func TestHaltOnMassDrift(t *testing.T) {
	g := newTestGraph(t)
	e := newTestEngine(t, g)

	addPages(t, g, e, "a", "b")

	// Corrupt the bookkeeping to force a drift past tolerance
	e.mu.Lock()
	e.total = 10
	e.mu.Unlock()

	_, _, err := e.Update()
	assert.ErrorIs(t, err, ErrInconsistentMass)
	assert.True(t, e.Halted())

	// Halted engines refuse further updates
	_, _, err = e.Update()
	assert.ErrorIs(t, err, ErrInconsistentMass)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	scorePath := filepath.Join(dir, "scores.sqlite")
	graphPath := filepath.Join(dir, "graph.sqlite")

	g, err := graph.Open(graphPath)
	require.NoError(t, err)

	e, err := Open(scorePath, g, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(fp))
		require.NoError(t, e.AddPage(fp))
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	for i := 0; i < 2; i++ {
		_, _, err := e.Update()
		require.NoError(t, err)
	}

	want := make(map[string]Scores)
	for _, fp := range []string{"a", "b", "c"} {
		s, err := e.GetScores(fp)
		require.NoError(t, err)
		want[fp] = s
	}
	wantTotal := e.TotalCash()

	require.NoError(t, e.Close())
	require.NoError(t, g.Close())

	g, err = graph.Open(graphPath)
	require.NoError(t, err)
	defer g.Close()

	reopened, err := Open(scorePath, g, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.InDelta(t, wantTotal, reopened.TotalCash(), 1e-9)
	for fp, s := range want {
		got, err := reopened.GetScores(fp)
		require.NoError(t, err)
		assert.InDelta(t, s.Hub, got.Hub, 1e-12)
		assert.InDelta(t, s.Authority, got.Authority, 1e-12)
	}
}
