package head

import (
	"sync"

	"github.com/famarks/tsdb/pkg/tsid"
)

// stripeSize is the number of lock-partitioned buckets a stripeSeries
// splits its series map into (spec §4.6 "StripeSeries: an array of
// STRIPE_SIZE = 16384 buckets").
const stripeSize = 1 << 14
const stripeMask = stripeSize - 1

// stripeSeries is the head's concurrent TSID -> MemSeries map. Each
// bucket is guarded by its own RWMutex so that creators/readers of
// unrelated series never contend (spec §5 "Per-stripe read-write
// lock... Readers acquire shared; creators and GC acquire exclusive").
type stripeSeries struct {
	locks  [stripeSize]sync.RWMutex
	series [stripeSize]map[tsid.TSID]*MemSeries
}

func newStripeSeries() *stripeSeries {
	s := &stripeSeries{}
	for i := range s.series {
		s.series[i] = map[tsid.TSID]*MemSeries{}
	}
	return s
}

func (s *stripeSeries) bucket(id tsid.TSID) uint64 {
	return id.Hash() & stripeMask
}

// getByID returns the series for id, or nil if it is not present.
func (s *stripeSeries) getByID(id tsid.TSID) *MemSeries {
	i := s.bucket(id)
	s.locks[i].RLock()
	defer s.locks[i].RUnlock()
	return s.series[i][id]
}

// getOrSet installs ms under id unless another series already won the
// race, in which case the existing instance is returned along with
// false (spec §4.6 "get_or_create... losing the race returns the
// winning instance").
func (s *stripeSeries) getOrSet(id tsid.TSID, ms *MemSeries) (*MemSeries, bool) {
	i := s.bucket(id)
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	if existing, ok := s.series[i][id]; ok {
		return existing, false
	}
	s.series[i][id] = ms
	return ms, true
}

// gc truncates chunks older than mint across every bucket and drops
// series left with no chunks and no commit in flight, returning the set
// of removed TSIDs and the number of chunks dropped (spec §4.6 "GC").
func (s *stripeSeries) gc(mint int64) (removed map[tsid.TSID]struct{}, chunksRemoved int) {
	removed = map[tsid.TSID]struct{}{}
	for i := range s.series {
		s.locks[i].Lock()
		for id, ms := range s.series[i] {
			ms.mtx.Lock()
			chunksRemoved += ms.truncateChunksBefore(mint)
			empty := len(ms.chunks) == 0 && !ms.pendingCommit
			ms.mtx.Unlock()
			if empty {
				delete(s.series[i], id)
				removed[id] = struct{}{}
			}
		}
		s.locks[i].Unlock()
	}
	return removed, chunksRemoved
}
