// Package head implements the in-memory write buffer from spec §4.6:
// a stripe-locked map of live series, each owning a chain of XOR
// chunks, fed by an Appender and replayed from the WAL on startup.
//
// Grounded on original_source/head/Head.{hpp,cpp},
// head/HeadAppender.hpp, head/MemSeries.{hpp,cpp} and
// head/StripeSeries.{hpp,cpp} for the state machine, chunk-cutting
// pacing, GC and WAL-replay sharding; on
// a0e5bcb5_dimitarvdimitrov-prometheus__head.go for the go-kit logger
// constructor-argument idiom carried by every long-lived component in
// this module.
package head

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsid"
	"github.com/famarks/tsdb/pkg/wal"
)

// walLoadShards is the number of concurrent workers SAMPLES records
// are partitioned across during WAL replay (spec §4.6 "partitions by
// hash(tsid) mod P into P shards").
const walLoadShards = 8

var (
	errNotFound        = errors.New("head: not found")
	errOutOfOrderSample = errors.New("head: out of order sample")
	errOutOfBounds      = errors.New("head: out of bounds")
)

// ErrNotFound, ErrOutOfOrderSample and ErrOutOfBounds are the sentinel
// errors named in spec §7 ("OUT_OF_BOUNDS", "OUT_OF_ORDER_SAMPLE",
// "NOT_FOUND").
var (
	ErrNotFound         = errNotFound
	ErrOutOfOrderSample = errOutOfOrderSample
	ErrOutOfBounds      = errOutOfBounds
)

// Head is the in-memory write buffer covering the time window
// [MinTime, MaxTime]. A nil WAL disables durability (spec §6
// "wal_segment_size < 0 disables WAL").
type Head struct {
	chunkRange int64
	wal        *wal.WAL
	logger     log.Logger

	minTime   int64 // atomic
	maxTime   int64 // atomic
	validTime int64 // atomic; samples below this are rejected

	series   *stripeSeries
	postings *postingList
}

// New returns a Head covering chunks of chunkRange width, logging to w
// (may be nil to disable the WAL) and logger (may be nil).
func New(logger log.Logger, w *wal.WAL, chunkRange int64) (*Head, error) {
	if chunkRange < 1 {
		return nil, errors.Errorf("head: invalid chunk range %d", chunkRange)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Head{
		chunkRange: chunkRange,
		wal:        w,
		logger:     logger,
		minTime:    math.MaxInt64,
		maxTime:    math.MinInt64,
		series:     newStripeSeries(),
		postings:   newPostingList(),
	}, nil
}

// MinTime returns the head's current lower time bound.
func (h *Head) MinTime() int64 { return atomic.LoadInt64(&h.minTime) }

// MaxTime returns the head's current upper time bound.
func (h *Head) MaxTime() int64 { return atomic.LoadInt64(&h.maxTime) }

// NumSeries reports the number of live series in the posting list.
func (h *Head) NumSeries() int { return h.postings.size() }

// ChunkRange returns the chunk width the head was constructed with.
func (h *Head) ChunkRange() int64 { return h.chunkRange }

// OverlapsClosedInterval reports whether [mint,maxt] intersects the
// head's closed [MinTime, MaxTime] window; MaxTime is the newest
// sample's timestamp, so it is included (spec §4.6 "overlap_closed").
func (h *Head) OverlapsClosedInterval(mint, maxt int64) bool {
	return h.MinTime() <= maxt && mint <= h.MaxTime()
}

// initTime sets the head's first observed timestamp exactly once,
// returning whether this call performed the initialization (spec §4.6
// "init_time... Returns true if the initialization took an effect").
func (h *Head) initTime(t int64) bool {
	if !atomic.CompareAndSwapInt64(&h.minTime, math.MaxInt64, t) {
		return false
	}
	atomic.CompareAndSwapInt64(&h.maxTime, math.MinInt64, t)
	return true
}

// updateMinMaxTime advances maxTime monotonically upward and lowers
// minTime monotonically downward, never past validTime, via a CAS
// retry loop (spec §5 "atomic i64 with CAS-update loops").
func (h *Head) updateMinMaxTime(mint, maxt int64) {
	for {
		lt := atomic.LoadInt64(&h.minTime)
		if mint >= lt || atomic.LoadInt64(&h.validTime) >= mint {
			break
		}
		if atomic.CompareAndSwapInt64(&h.minTime, lt, mint) {
			break
		}
	}
	for {
		ht := atomic.LoadInt64(&h.maxTime)
		if maxt <= ht {
			break
		}
		if atomic.CompareAndSwapInt64(&h.maxTime, ht, maxt) {
			break
		}
	}
}

// Appender returns an Appender ready to buffer one commit's worth of
// samples (spec §4.6 "Appender state machine").
func (h *Head) Appender() Appender {
	if h.MinTime() == math.MaxInt64 {
		return &initAppender{head: h}
	}
	return h.headAppender()
}

func (h *Head) headAppender() *headAppender {
	minValidTime := atomic.LoadInt64(&h.validTime)
	if bound := h.MaxTime() - h.chunkRange/2; bound > minValidTime {
		minValidTime = bound
	}
	return &headAppender{
		head:         h,
		minValidTime: minValidTime,
		minTime:      math.MaxInt64,
		maxTime:      math.MinInt64,
	}
}

// getOrCreate returns the series for id, creating it if absent. The
// returned bool reports whether this call created it (spec §4.6
// "get_or_create").
func (h *Head) getOrCreate(id tsid.TSID) (*MemSeries, bool) {
	if s := h.series.getByID(id); s != nil {
		return s, false
	}
	s, created := h.series.getOrSet(id, newMemSeries(id, h.chunkRange))
	if created {
		h.postings.add(id)
	}
	return s, created
}

// GetOrCreate is the exported form of getOrCreate, for callers outside
// this package that need to pre-register a series (e.g. a block
// builder materializing a head snapshot).
func (h *Head) GetOrCreate(id tsid.TSID) (*MemSeries, bool) { return h.getOrCreate(id) }

// Series returns the live series for id, or nil.
func (h *Head) Series(id tsid.TSID) *MemSeries { return h.series.getByID(id) }

// Postings returns every live TSID in sorted order.
func (h *Head) Postings() []tsid.TSID { return h.postings.All() }

// chunkRewrite re-writes the chunks of id that overlap dranges,
// dropping the tombstoned samples (spec §4.6 "Chunk rewrite").
func (h *Head) chunkRewrite(id tsid.TSID, dranges tombstones.Intervals) error {
	if len(dranges) == 0 {
		return nil
	}
	ms := h.series.getByID(id)
	if ms == nil {
		return nil
	}

	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if len(ms.chunks) == 0 {
		return nil
	}

	type kept struct {
		t int64
		v float64
	}
	var survivors []kept
	for _, c := range ms.chunks {
		it := c.Chunk.Iterator(nil)
		for it.Next() {
			t, v := it.At()
			if dranges.Contains(t) {
				continue
			}
			survivors = append(survivors, kept{t, v})
		}
		if it.Err() != nil {
			return errors.Wrap(it.Err(), "chunk rewrite: iterate chunk")
		}
	}

	ms.reset()
	for _, s := range survivors {
		ms.append(s.t, s.v)
	}
	return nil
}

func clampInterval(mint, maxt, lo, hi int64) (int64, int64) {
	if mint < lo {
		mint = lo
	}
	if maxt > hi {
		maxt = hi
	}
	return mint, maxt
}

// Delete removes all samples in [mint, maxt] for the given series,
// logging a TOMBSTONES record for each affected one so a restart
// replays the same deletions (spec §4.6/§4.9 "del").
func (h *Head) Delete(mint, maxt int64, ids []tsid.TSID) error {
	mint, maxt = clampInterval(mint, maxt, h.MinTime(), h.MaxTime())
	if mint > maxt {
		return errors.New("head: delete range outside head range")
	}

	var stones []wal.TombstoneRecord
	dirty := false
	for _, id := range ids {
		ms := h.series.getByID(id)
		if ms == nil {
			return errors.Wrapf(errNotFound, "series %s", id)
		}

		ms.mtx.Lock()
		t0, t1 := ms.minTime(), ms.maxTime()
		ms.mtx.Unlock()
		if t0 == math.MinInt64 || t1 == math.MinInt64 {
			continue
		}

		dmint, dmaxt := clampInterval(mint, maxt, t0, t1)
		if dmint > dmaxt {
			continue
		}
		iv := tombstones.Interval{Mint: dmint, Maxt: dmaxt}
		if h.wal != nil {
			stones = append(stones, wal.TombstoneRecord{Ref: id, Intervals: tombstones.Intervals{iv}})
		}
		if err := h.chunkRewrite(id, tombstones.Intervals{iv}); err != nil {
			return errors.Wrap(err, "head: delete samples")
		}
		dirty = true
	}

	if h.wal != nil && len(stones) > 0 {
		buf := wal.EncodeTombstones(nil, stones)
		if err := h.wal.Log(buf); err != nil {
			return errors.Wrap(err, "head: log tombstones")
		}
	}
	if dirty {
		h.GC()
	}
	return nil
}

// GC drops chunks (and empty series) strictly older than MinTime from
// every stripe bucket and removes collected series from the posting
// list (spec §4.6 "GC").
func (h *Head) GC() {
	removed, _ := h.series.gc(h.MinTime())
	if len(removed) == 0 {
		return
	}
	h.postings.del(removed)
}

// Truncate advances the head's MinTime, GCs, and — once the head has
// finished its initial WAL load — checkpoints and truncates the
// earliest third of the WAL's segments (spec §4.6 "Truncate").
// On the very first call, made right after loading blocks at startup
// and before the WAL has been replayed, Truncate only sets the head's
// time bounds; it neither GCs nor touches the WAL.
func (h *Head) Truncate(mint int64) error {
	initialized := h.MinTime() == math.MaxInt64
	if h.MinTime() >= mint && !initialized {
		return nil
	}
	atomic.StoreInt64(&h.minTime, mint)
	atomic.StoreInt64(&h.validTime, mint)
	if h.MaxTime() < mint {
		atomic.CompareAndSwapInt64(&h.maxTime, h.MaxTime(), mint)
	}
	if initialized {
		return nil
	}

	h.GC()
	level.Info(h.logger).Log("msg", "head gc completed", "min_time", h.MinTime())

	if h.wal == nil {
		return nil
	}

	first, last, err := h.wal.Segments()
	if err != nil {
		return errors.Wrap(err, "head: get wal segment range")
	}
	last-- // never consider the last segment for checkpointing
	if last < 0 {
		return nil
	}
	// The lower third of segments should contain mostly obsolete
	// samples; below three segments it isn't worth checkpointing yet.
	to := first + (last-first)/3
	if to <= first {
		return nil
	}

	keep := func(id tsid.TSID) bool { return h.series.getByID(id) != nil }
	if _, err := wal.Checkpoint(h.logger, h.wal.Dir(), first, to, keep, mint); err != nil {
		return errors.Wrap(err, "head: create checkpoint")
	}
	if err := h.wal.Truncate(to + 1); err != nil {
		// If truncating fails we'll just try again at the next
		// checkpoint; leftover segments are superseded and ignored.
		level.Error(h.logger).Log("msg", "truncating wal segments failed", "err", err)
	}
	if err := wal.DeleteCheckpoints(h.wal.Dir(), to); err != nil {
		level.Error(h.logger).Log("msg", "delete old checkpoints failed", "err", err)
	}
	level.Info(h.logger).Log("msg", "wal checkpoint complete", "first", first, "last", to)
	return nil
}

// Init loads the WAL (a checkpoint, if any, followed by the segments
// after it) before the head is used for writes, clamping replayed
// samples to minValidTime (spec §4.6 "WAL load").
func (h *Head) Init(minValidTime int64) error {
	atomic.StoreInt64(&h.validTime, minValidTime)
	if h.wal == nil {
		return nil
	}

	dir := h.wal.Dir()
	from := 0

	cpDir, cpIdx, err := wal.LastCheckpoint(dir)
	switch {
	case err == wal.ErrNoCheckpoint:
	case err != nil:
		return errors.Wrap(err, "head: find last checkpoint")
	default:
		sr, err := wal.NewReader(cpDir, 0)
		if err != nil {
			return errors.Wrap(err, "head: open checkpoint")
		}
		cerr := h.loadWAL(sr)
		sr.Close()
		if cerr != nil {
			return errors.Wrap(cerr, "head: backfill checkpoint")
		}
		from = cpIdx + 1
	}

	r, err := wal.NewReader(dir, from)
	if err != nil {
		return errors.Wrap(err, "head: open wal segments")
	}
	cerr := h.loadWAL(r)
	r.Close()
	if cerr == nil {
		h.GC()
		return nil
	}

	corruption, ok := cerr.(*wal.CorruptionError)
	if !ok {
		return errors.Wrap(cerr, "head: replay wal")
	}
	level.Warn(h.logger).Log("msg", "encountered wal corruption, attempting repair", "err", corruption)
	if err := wal.Repair(dir, h.logger, corruption); err != nil {
		return errors.Wrap(err, "head: repair corrupted wal")
	}
	h.GC()
	return nil
}

func (h *Head) loadWAL(r *wal.Reader) error {
	allStones := tombstones.NewMemTombstones()
	var unknownRefs uint64

	for r.Next() {
		rec := r.Record()
		et, err := wal.PeekEntryType(rec)
		if err != nil {
			return errors.Wrap(err, "head: peek wal record type")
		}

		switch et {
		case wal.EntrySeries:
			refs, err := wal.DecodeSeries(rec)
			if err != nil {
				return errors.Wrap(err, "head: decode series record")
			}
			for _, id := range refs {
				h.getOrCreate(id)
			}

		case wal.EntrySamples:
			samples, err := wal.DecodeSamples(rec)
			if err != nil {
				return errors.Wrap(err, "head: decode samples record")
			}
			unknownRefs += h.processWALSamples(samples)

		case wal.EntryTombstones:
			recs, err := wal.DecodeTombstones(rec)
			if err != nil {
				return errors.Wrap(err, "head: decode tombstones record")
			}
			validTime := atomic.LoadInt64(&h.validTime)
			for _, tr := range recs {
				for _, iv := range tr.Intervals {
					if iv.Maxt < validTime {
						continue
					}
					allStones.AddInterval(tr.Ref, iv)
				}
			}

		default:
			return errors.Errorf("head: invalid wal record type %d", et)
		}
	}
	if err := r.Err(); err != nil {
		return err
	}

	var rewriteErr error
	allStones.Iter(func(id tsid.TSID, ivs tombstones.Intervals) error {
		if err := h.chunkRewrite(id, ivs); err != nil {
			rewriteErr = err
		}
		return nil
	})
	if rewriteErr != nil {
		return errors.Wrap(rewriteErr, "head: apply wal tombstones")
	}

	if unknownRefs > 0 {
		level.Warn(h.logger).Log("msg", "unknown series references during wal replay", "count", unknownRefs)
	}
	return nil
}

// processWALSamples partitions samples by hash(tsid) mod walLoadShards
// and applies each shard concurrently, mirroring the mint/maxt
// monotone update every other append path uses (spec §4.6 "a shared
// WaitGroup blocks until all shards for the record are drained before
// the next record is read").
func (h *Head) processWALSamples(samples []wal.Sample) uint64 {
	var shards [walLoadShards][]wal.Sample
	for _, s := range samples {
		i := s.Ref.Hash() % walLoadShards
		shards[i] = append(shards[i], s)
	}

	var wg sync.WaitGroup
	var unknown uint64
	for i := range shards {
		if len(shards[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard []wal.Sample) {
			defer wg.Done()
			atomic.AddUint64(&unknown, h.applyWALSampleShard(shard))
		}(shards[i])
	}
	wg.Wait()
	return unknown
}

func (h *Head) applyWALSampleShard(samples []wal.Sample) uint64 {
	seriesCache := map[tsid.TSID]*MemSeries{}
	var unknown uint64
	minT, maxT := int64(math.MaxInt64), int64(math.MinInt64)
	validTime := atomic.LoadInt64(&h.validTime)

	for _, s := range samples {
		if s.T < validTime {
			continue
		}
		ms, ok := seriesCache[s.Ref]
		if !ok {
			ms = h.series.getByID(s.Ref)
			if ms == nil {
				unknown++
				continue
			}
			seriesCache[s.Ref] = ms
		}
		ms.mtx.Lock()
		ms.append(s.T, s.V)
		ms.mtx.Unlock()
		if s.T > maxT {
			maxT = s.T
		}
		if s.T < minT {
			minT = s.T
		}
	}
	h.updateMinMaxTime(minT, maxT)
	return unknown
}
