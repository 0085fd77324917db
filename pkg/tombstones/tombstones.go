// Package tombstones implements the per-TSID interval set from spec §3
// "Tombstone": a map of series to ordered, non-overlapping time
// intervals that readers must hide and rewrites eventually materialize
// away. The in-memory shape mirrors
// original_source/tombstone/MemTombstones.hpp (a mutex-guarded
// map<TSID, Intervals>); the on-disk codec follows spec §6's
// "Tombstones file" layout.
package tombstones

import (
	"sort"
	"sync"

	"github.com/famarks/tsdb/pkg/tsid"
)

// Interval is a closed time range [Mint, Maxt].
type Interval struct {
	Mint, Maxt int64
}

// OverlapsClosedInterval reports whether iv intersects [mint, maxt].
func (iv Interval) OverlapsClosedInterval(mint, maxt int64) bool {
	return iv.Mint <= maxt && mint <= iv.Maxt
}

// Intervals is a sorted, non-overlapping, non-adjacent set of Interval.
type Intervals []Interval

// Add inserts iv into ivs, merging it with any interval it overlaps or
// touches (spec §3 "adding an interval merges overlapping/adjacent
// intervals").
func (ivs Intervals) Add(iv Interval) Intervals {
	out := make(Intervals, 0, len(ivs)+1)
	inserted := false
	for _, cur := range ivs {
		switch {
		case cur.Maxt < iv.Mint-1:
			out = append(out, cur)
		case iv.Maxt < cur.Mint-1:
			if !inserted {
				out = append(out, iv)
				inserted = true
			}
			out = append(out, cur)
		default:
			if cur.Mint < iv.Mint {
				iv.Mint = cur.Mint
			}
			if cur.Maxt > iv.Maxt {
				iv.Maxt = cur.Maxt
			}
		}
	}
	if !inserted {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out
}

// Contains reports whether t falls inside any interval.
func (ivs Intervals) Contains(t int64) bool {
	// Binary search for the first interval whose Maxt >= t.
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].Maxt >= t })
	return i < len(ivs) && ivs[i].Mint <= t
}

// Reader is the read side of a tombstone set, consulted during queries
// and rewrites.
type Reader interface {
	Get(id tsid.TSID) Intervals
	Iter(func(tsid.TSID, Intervals) error) error
	Total() uint64
}

// MemTombstones is the canonical in-memory Reader/writer, one per
// Block (spec §4.7 wraps it behind a refcounted handle alongside the
// index and chunk readers).
type MemTombstones struct {
	mtx    sync.RWMutex
	groups map[tsid.TSID]Intervals
}

// NewMemTombstones returns an empty tombstone set.
func NewMemTombstones() *MemTombstones {
	return &MemTombstones{groups: make(map[tsid.TSID]Intervals)}
}

// Get returns id's interval set, or nil if it has none.
func (t *MemTombstones) Get(id tsid.TSID) Intervals {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.groups[id]
}

// AddInterval merges iv into id's interval set.
func (t *MemTombstones) AddInterval(id tsid.TSID, iv Interval) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.groups[id] = t.groups[id].Add(iv)
}

// Iter calls f for every series with at least one tombstoned interval,
// stopping at the first error.
func (t *MemTombstones) Iter(f func(tsid.TSID, Intervals) error) error {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	for id, ivs := range t.groups {
		if err := f(id, ivs); err != nil {
			return err
		}
	}
	return nil
}

// Total returns the number of individual intervals across all series,
// used for BlockMeta.stats.numTombstones.
func (t *MemTombstones) Total() uint64 {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	var n uint64
	for _, ivs := range t.groups {
		n += uint64(len(ivs))
	}
	return n
}
