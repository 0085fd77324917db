package compact

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/block"
	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/index"
	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsid"
)

type rawSample struct {
	t int64
	v float64
}

// sourceBlock pairs an open block with the readers Compact needs; it
// mirrors CompactionChunkSeriesSet's (ir, cr, tr) triple.
type sourceBlock struct {
	meta block.Meta
	ir   block.IndexReader
	cr   block.ChunkReader
	tr   *tombstones.MemTombstones
}

// mergeSeries merges every source block's view of id into one
// tombstone-filtered, time-ordered sample slice (spec §4.8 "merge its
// chunk-meta lists ordered by min_time, filter chunks fully covered by
// tombstones, materialize samples through a delete-aware iterator").
// Grounded on original_source/compact/MergedChunkSeriesSet.cpp (concat
// + sort chunk metas by min_time) and CompactionChunkSeriesSet.cpp
// (drop chunks is_subrange of the tombstone set, read chunk bytes by
// ref).
func mergeSeries(id tsid.TSID, sources []*sourceBlock) ([]rawSample, error) {
	type metaWithReader struct {
		m  chunks.Meta
		cr block.ChunkReader
	}
	var all []metaWithReader
	var ivs tombstones.Intervals

	for _, s := range sources {
		chks, err := s.ir.Series(id)
		if err == index.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "compact: read series %s", id)
		}
		for _, c := range chks {
			all = append(all, metaWithReader{m: c, cr: s.cr})
		}
		ivs = append(ivs, s.tr.Get(id)...)
	}
	if len(all) == 0 {
		return nil, nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].m.MinTime < all[j].m.MinTime })

	var out []rawSample
	for _, e := range all {
		if isSubrange(e.m.MinTime, e.m.MaxTime, ivs) {
			continue
		}
		c, err := e.cr.Chunk(e.m.Ref)
		if err != nil {
			return nil, errors.Wrapf(err, "compact: read chunk %d for series %s", e.m.Ref, id)
		}
		it := c.Iterator(nil)
		for it.Next() {
			t, v := it.At()
			if ivs.Contains(t) {
				continue
			}
			out = append(out, rawSample{t: t, v: v})
		}
		if it.Err() != nil {
			return nil, errors.Wrapf(it.Err(), "compact: iterate chunk %d for series %s", e.m.Ref, id)
		}
	}
	return out, nil
}

// isSubrange reports whether [mint, maxt] is fully covered by ivs.
func isSubrange(mint, maxt int64, ivs tombstones.Intervals) bool {
	if len(ivs) == 0 {
		return false
	}
	for _, iv := range ivs {
		if iv.Mint <= mint && maxt <= iv.Maxt {
			return true
		}
	}
	return false
}

// unionPostings returns the sorted union of every source's TSIDs.
func unionPostings(sources []*sourceBlock) []tsid.TSID {
	seen := map[tsid.TSID]struct{}{}
	for _, s := range sources {
		for _, id := range s.ir.Postings() {
			seen[id] = struct{}{}
		}
	}
	out := make([]tsid.TSID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
