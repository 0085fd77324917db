// Package compact implements the leveled compactor from spec §4.8: it
// plans adjacent groups of on-disk blocks to merge, walks their chunk
// metadata through a tombstone-aware merge iterator, and writes the
// result as a new block directory.
//
// Grounded on original_source/compact/MergedChunkSeriesSet.{hpp,cpp}
// and CompactionChunkSeriesSet.cpp for the merge/filter/materialize
// shape, and on
// ca3780a0_improbable-eng-promlts__pkg-compact-downsample-downsample.go
// for the idiom of a Go compactor reading postings + per-chunk bytes
// out of a block.BlockReader-like pair and re-emitting through a
// dedicated index/chunks writer pair.
package compact

import (
	"sort"

	"github.com/famarks/tsdb/pkg/block"
)

// Ranges is the ascending list of block-range widths a LeveledCompactor
// merges towards (spec §4.8 "a list of ascending ranges [r0, r1, r2,
// …]").
type Ranges []int64

// Plan selects the next group of adjacent block directories to
// compact, following spec §4.8's three-tier rule in order:
//  1. any block already marked compaction.deletable, alone;
//  2. the smallest adjacent run whose combined span fits some r_i
//     (i>0), whose combined size is at least r_{i-1}, and whose
//     blocks all share the same compaction level;
//  3. otherwise, an empty plan.
func Plan(metas []*block.Meta, ranges Ranges) []*block.Meta {
	sorted := make([]*block.Meta, len(metas))
	copy(sorted, metas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinTime < sorted[j].MinTime })

	for _, m := range sorted {
		if m.Compaction.Deletable {
			return []*block.Meta{m}
		}
	}

	for i := len(ranges) - 1; i >= 1; i-- {
		if group := findGroup(sorted, ranges[i], ranges[i-1]); group != nil {
			return group
		}
	}
	return nil
}

// findGroup looks, left to right, for the first run of two or more
// adjacent same-level blocks whose combined [min_time, max_time) span
// fits within maxRange and whose span is at least minRange.
func findGroup(sorted []*block.Meta, maxRange, minRange int64) []*block.Meta {
	for start := 0; start < len(sorted); start++ {
		level := sorted[start].Compaction.Level
		end := start + 1
		for end < len(sorted) && sorted[end].Compaction.Level == level {
			span := sorted[end].MaxTime - sorted[start].MinTime
			if span > maxRange {
				break
			}
			if end-start+1 >= 2 && span >= minRange {
				return append([]*block.Meta(nil), sorted[start:end+1]...)
			}
			end++
		}
	}
	return nil
}
