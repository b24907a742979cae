// Package opic implements online page importance scoring.
//
// Every page carries undistributed cash besides its hub and authority
// scores. An update cycle moves all positive cash along out-links,
// routes dangling-page cash through a pool shared by every page, and
// folds the received flow into authority scores weighted by the
// senders' hub scores. Total cash is conserved exactly; authority
// scores are renormalized to the same total every cycle.
package opic

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/frontier-crawler/frontier/internal/pages"
	"github.com/frontier-crawler/frontier/internal/storage"
)

// ErrInconsistentMass reports that total cash drifted beyond tolerance
// during a cycle. The engine halts further updates when this happens,
// since it indicates a redistribution bug rather than a data problem.
var ErrInconsistentMass = errors.New("inconsistent mass")

// GraphReader is the link structure the engine propagates over.
type GraphReader interface {
	Neighbors(fp string) ([]string, error)
	InNeighbors(fp string) ([]string, error)
}

// Config tunes the engine.
type Config struct {
	// InitialCash is granted to every page at registration.
	InitialCash float64

	// TimeWindow is the number of cycles of history retained in hub
	// scores; older contributions decay geometrically by 1 - 1/W.
	TimeWindow float64

	// ChangeEpsilon is the smallest score delta reported as a change.
	ChangeEpsilon float64

	// MassTolerance is the allowed relative drift in total cash.
	MassTolerance float64
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		InitialCash:   1.0,
		TimeWindow:    1000,
		ChangeEpsilon: 1e-6,
		MassTolerance: 1e-6,
	}
}

// Scores is one page's score pair.
type Scores struct {
	Hub       float64
	Authority float64
}

type record struct {
	Cash      float64 `json:"cash"`
	Hub       float64 `json:"hub"`
	Authority float64 `json:"authority"`
}

type snapshot struct {
	scores map[string]Scores
}

// Engine maintains the scores of all registered pages.
type Engine struct {
	graph GraphReader
	store *storage.KV
	cfg   Config
	decay float64
	log   zerolog.Logger

	// updateMu serializes cycles; mu guards the state below and is
	// held only briefly so registrations and reads stay responsive
	// while a cycle computes.
	updateMu sync.Mutex
	mu       sync.Mutex
	records  map[string]*record
	marked   map[string]struct{}
	total    float64
	halted   bool

	snap atomic.Pointer[snapshot]
}

// Open opens the score store at path ("" = in memory), loads persisted
// state and wires the engine to the given graph. Zero config fields
// fall back to defaults.
func Open(path string, graph GraphReader, cfg Config, log zerolog.Logger) (*Engine, error) {
	def := DefaultConfig()
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = def.InitialCash
	}
	if cfg.TimeWindow < 1 {
		cfg.TimeWindow = def.TimeWindow
	}
	if cfg.ChangeEpsilon < 0 {
		cfg.ChangeEpsilon = def.ChangeEpsilon
	}
	if cfg.MassTolerance <= 0 {
		cfg.MassTolerance = def.MassTolerance
	}

	kv, err := storage.OpenKV(path, "scores")
	if err != nil {
		return nil, fmt.Errorf("failed to open score store: %w", err)
	}

	e := &Engine{
		graph:   graph,
		store:   kv,
		cfg:     cfg,
		decay:   1 - 1/cfg.TimeWindow,
		log:     log,
		records: make(map[string]*record),
		marked:  make(map[string]struct{}),
	}

	err = kv.Each(func(key string, value []byte) error {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("failed to decode score record: %w", err)
		}
		e.records[key] = &rec
		e.total += rec.Cash
		return nil
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	e.publishSnapshot()
	return e, nil
}

// AddPage registers a page with zero scores and the initial cash
// grant. Adding a known page is a no-op.
func (e *Engine) AddPage(fp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.records[fp]; ok {
		return nil
	}

	rec := &record{Cash: e.cfg.InitialCash}
	e.records[fp] = rec
	e.total += rec.Cash
	return e.persist(fp, rec)
}

// MarkUpdate flags that fp was just crawled and its out-links may have
// changed, making it a contributor in the next cycle even with zero
// cash.
func (e *Engine) MarkUpdate(fp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.records[fp]; !ok {
		return fmt.Errorf("mark update %s: %w", fp, pages.ErrUnknownPage)
	}
	e.marked[fp] = struct{}{}
	return nil
}

// GetScores returns the current score pair for fp. The common path
// reads the last published snapshot and never blocks; pages registered
// after that snapshot fall back to a brief state read.
func (e *Engine) GetScores(fp string) (Scores, error) {
	if snap := e.snap.Load(); snap != nil {
		if s, ok := snap.scores[fp]; ok {
			return s, nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[fp]
	if !ok {
		return Scores{}, fmt.Errorf("get scores %s: %w", fp, pages.ErrUnknownPage)
	}
	return Scores{Hub: rec.Hub, Authority: rec.Authority}, nil
}

// workState is the private copy one cycle computes on.
type workState struct {
	recs  map[string]*record
	total float64
}

// Update runs one redistribution cycle and returns the pages whose hub
// and authority scores moved by more than the configured epsilon.
//
// The cycle computes on a copy of the engine state, so concurrent
// registrations and reads only wait for the capture and merge steps,
// not for the graph traversal.
func (e *Engine) Update() (hubUpdated, authUpdated []string, err error) {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	start := time.Now()

	// Capture
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("engine halted: %w", ErrInconsistentMass)
	}
	work := workState{
		recs:  make(map[string]*record, len(e.records)),
		total: e.total,
	}
	for fp, rec := range e.records {
		cp := *rec
		work.recs[fp] = &cp
	}
	marked := e.marked
	e.marked = make(map[string]struct{})
	e.mu.Unlock()

	if len(work.recs) == 0 {
		return nil, nil, nil
	}

	prev := make(map[string]Scores, len(work.recs))
	for fp, rec := range work.recs {
		prev[fp] = Scores{Hub: rec.Hub, Authority: rec.Authority}
	}

	outLinks, pool, received, weighted, err := e.distribute(work, marked)
	if err != nil {
		return nil, nil, err
	}

	e.settle(work, pool, received, weighted)

	sumCash := 0.0
	for _, rec := range work.recs {
		sumCash += rec.Cash
	}

	if drift := math.Abs(sumCash - work.total); drift > e.cfg.MassTolerance*math.Max(1, work.total) {
		e.mu.Lock()
		e.halted = true
		e.mu.Unlock()
		e.log.Error().
			Float64("expected", work.total).
			Float64("actual", sumCash).
			Float64("drift", drift).
			Msg("cash total drifted, halting score updates")
		return nil, nil, fmt.Errorf("cash drift %g on total %g: %w", drift, work.total, ErrInconsistentMass)
	}

	e.renormalize(work, sumCash)

	authUpdated = e.changedAuthorities(work, prev)

	if err := e.refreshHubs(work, marked, outLinks, weighted); err != nil {
		return nil, nil, err
	}

	hubUpdated = make([]string, 0)
	for fp, rec := range work.recs {
		if math.Abs(rec.Hub-prev[fp].Hub) > e.cfg.ChangeEpsilon {
			hubUpdated = append(hubUpdated, fp)
		}
	}

	// Merge
	e.mu.Lock()
	added := e.total - work.total
	for fp, rec := range work.recs {
		if cur, ok := e.records[fp]; ok {
			*cur = *rec
		}
	}
	e.total = sumCash + added
	e.publishSnapshot()
	e.mu.Unlock()

	if err := e.persistAll(work.recs); err != nil {
		return nil, nil, err
	}

	e.log.Debug().
		Int("pages", len(work.recs)).
		Int("hub_updated", len(hubUpdated)).
		Int("auth_updated", len(authUpdated)).
		Float64("pool", pool).
		Dur("elapsed", time.Since(start)).
		Msg("score cycle")

	return hubUpdated, authUpdated, nil
}

// distribute moves every contributor's cash along its out-links and
// returns the cached out-link lists, the dangling pool and the
// unweighted/hub-weighted flow received per page.
func (e *Engine) distribute(work workState, marked map[string]struct{}) (map[string][]string, float64, map[string]float64, map[string]float64, error) {
	outLinks := make(map[string][]string)
	received := make(map[string]float64)
	weighted := make(map[string]float64)
	pool := 0.0

	for fp, rec := range work.recs {
		_, isMarked := marked[fp]
		if rec.Cash <= 0 && !isMarked {
			continue
		}

		outs, err := e.graph.Neighbors(fp)
		if err != nil {
			return nil, 0, nil, nil, fmt.Errorf("failed to read out-links of %s: %w", fp, err)
		}
		outLinks[fp] = outs

		if rec.Cash <= 0 {
			continue
		}

		if len(outs) == 0 {
			pool += rec.Cash
			rec.Cash = 0
			continue
		}

		share := rec.Cash / float64(len(outs))
		for _, dst := range outs {
			if _, ok := work.recs[dst]; !ok {
				// Edge to a page the engine never registered; route
				// the share through the pool so no mass leaks.
				pool += share
				continue
			}
			received[dst] += share
			// The 1 ensures flow carries weight before any hub score
			// exists, otherwise authorities could never leave zero.
			weighted[dst] += (1 + rec.Hub) * share
		}
		rec.Cash = 0
	}

	return outLinks, pool, received, weighted, nil
}

// settle credits received flow and the equally-split pool back to
// every page's cash and authority.
func (e *Engine) settle(work workState, pool float64, received, weighted map[string]float64) {
	poolShare := pool / float64(len(work.recs))
	for fp, rec := range work.recs {
		rec.Cash += received[fp] + poolShare
		rec.Authority += weighted[fp] + poolShare
	}
}

// renormalize rescales authorities so their sum equals the conserved
// cash total.
func (e *Engine) renormalize(work workState, sumCash float64) {
	sumAuth := 0.0
	for _, rec := range work.recs {
		sumAuth += rec.Authority
	}
	if sumAuth <= 0 {
		return
	}

	factor := sumCash / sumAuth
	for _, rec := range work.recs {
		rec.Authority *= factor
	}
}

func (e *Engine) changedAuthorities(work workState, prev map[string]Scores) []string {
	changed := make([]string, 0)
	for fp, rec := range work.recs {
		if math.Abs(rec.Authority-prev[fp].Authority) > e.cfg.ChangeEpsilon {
			changed = append(changed, fp)
		}
	}
	return changed
}

// refreshHubs recomputes hub scores as a decayed running sum of the
// out-neighbors' fresh authorities. Candidates are the pages whose
// out-links were already traversed this cycle plus the in-neighbors of
// pages that received meaningful direct flow.
func (e *Engine) refreshHubs(work workState, marked map[string]struct{}, outLinks map[string][]string, weighted map[string]float64) error {
	candidates := make(map[string]struct{}, len(outLinks))
	for fp := range outLinks {
		candidates[fp] = struct{}{}
	}
	for fp := range marked {
		candidates[fp] = struct{}{}
	}
	for fp, flow := range weighted {
		if flow <= e.cfg.ChangeEpsilon {
			continue
		}
		ins, err := e.graph.InNeighbors(fp)
		if err != nil {
			return fmt.Errorf("failed to read in-links of %s: %w", fp, err)
		}
		for _, src := range ins {
			candidates[src] = struct{}{}
		}
	}

	for fp := range candidates {
		rec, ok := work.recs[fp]
		if !ok {
			continue
		}

		outs, cached := outLinks[fp]
		if !cached {
			var err error
			outs, err = e.graph.Neighbors(fp)
			if err != nil {
				return fmt.Errorf("failed to read out-links of %s: %w", fp, err)
			}
		}

		sum := 0.0
		for _, dst := range outs {
			if dstRec, ok := work.recs[dst]; ok {
				sum += dstRec.Authority
			}
		}
		rec.Hub = e.decay*rec.Hub + (1-e.decay)*sum
	}
	return nil
}

// IterateScores returns an iterator over a point-in-time snapshot of
// all score pairs. The snapshot is immutable, so iteration is safe
// against concurrent updates; each call observes the state as of its
// creation.
func (e *Engine) IterateScores() *ScoreIterator {
	snap := e.snap.Load()
	if snap == nil {
		snap = &snapshot{scores: map[string]Scores{}}
	}

	fps := make([]string, 0, len(snap.scores))
	for fp := range snap.scores {
		fps = append(fps, fp)
	}
	return &ScoreIterator{snap: snap, fps: fps, pos: 0}
}

// TotalCash returns the conserved cash total.
func (e *Engine) TotalCash() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Len returns the number of registered pages.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Halted reports whether a mass inconsistency stopped the engine.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// publishSnapshot rebuilds the read snapshot. Callers hold e.mu.
func (e *Engine) publishSnapshot() {
	scores := make(map[string]Scores, len(e.records))
	for fp, rec := range e.records {
		scores[fp] = Scores{Hub: rec.Hub, Authority: rec.Authority}
	}
	e.snap.Store(&snapshot{scores: scores})
}

// persist writes one record through to the store. Callers hold e.mu.
func (e *Engine) persist(fp string, rec *record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode score record: %w", err)
	}
	return e.store.Put(fp, encoded)
}

// persistAll writes a full record set in a single batch.
func (e *Engine) persistAll(recs map[string]*record) error {
	if err := e.store.StartBatch(); err != nil {
		return err
	}
	for fp, rec := range recs {
		encoded, err := json.Marshal(rec)
		if err != nil {
			e.store.AbortBatch()
			return fmt.Errorf("failed to encode score record: %w", err)
		}
		if err := e.store.Put(fp, encoded); err != nil {
			e.store.AbortBatch()
			return fmt.Errorf("failed to persist score record: %w", err)
		}
	}
	return e.store.EndBatch()
}

// Close persists the current state and closes the score store.
func (e *Engine) Close() error {
	e.mu.Lock()
	recs := make(map[string]*record, len(e.records))
	for fp, rec := range e.records {
		cp := *rec
		recs[fp] = &cp
	}
	e.mu.Unlock()

	if err := e.persistAll(recs); err != nil {
		e.store.Close()
		return err
	}
	return e.store.Close()
}
