package opic

// ScoreItem is one entry of a score iteration.
type ScoreItem struct {
	Fingerprint string
	Hub         float64
	Authority   float64
}

// ScoreIterator walks the score pairs of one snapshot. It is not safe
// for concurrent use, but separate iterators are independent and the
// backing snapshot never mutates.
type ScoreIterator struct {
	snap *snapshot
	fps  []string
	pos  int
	cur  ScoreItem
}

// Next advances to the next score pair, returning false when the
// snapshot is exhausted.
func (it *ScoreIterator) Next() bool {
	if it.pos >= len(it.fps) {
		return false
	}

	fp := it.fps[it.pos]
	it.pos++

	s := it.snap.scores[fp]
	it.cur = ScoreItem{Fingerprint: fp, Hub: s.Hub, Authority: s.Authority}
	return true
}

// Item returns the pair Next advanced to.
func (it *ScoreIterator) Item() ScoreItem {
	return it.cur
}

// Err reports a failure during iteration. Snapshot iteration cannot
// fail, so it exists to satisfy callers treating score sources
// uniformly.
func (it *ScoreIterator) Err() error {
	return nil
}

// Reset restarts the iteration over the same snapshot.
func (it *ScoreIterator) Reset() {
	it.pos = 0
	it.cur = ScoreItem{}
}
