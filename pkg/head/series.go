package head

import (
	"math"
	"sync"

	"github.com/famarks/tsdb/pkg/chunkenc"
	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/tsid"
)

// samplesPerChunk is the target fill for a freshly cut chunk (spec §4.6
// "Target fill is 120 samples").
const samplesPerChunk = 120

// sample is a single in-memory (t, v) pair, used by MemSeries' 4-entry
// tail buffer.
type sample struct {
	t int64
	v float64
}

// MemSeries is one series' live chunk chain plus append state (spec §3
// "MemSeries"). Its mutex guards the chunk chain, the current appender,
// and the tail buffer, and is always acquired after the stripe lock
// that found the series (spec §5).
type MemSeries struct {
	mtx sync.Mutex

	Ref        tsid.TSID
	chunkRange int64

	chunks        []*chunks.Meta
	firstChunkID  int
	nextAt        int64 // timestamp at which to cut the next chunk
	sampleBuf     [4]sample
	pendingCommit bool
	app           chunkenc.Appender
}

func newMemSeries(id tsid.TSID, chunkRange int64) *MemSeries {
	return &MemSeries{
		Ref:        id,
		chunkRange: chunkRange,
		nextAt:     math.MinInt64,
	}
}

// minTime returns the series' oldest retained sample time, or
// math.MinInt64 if it has no chunks.
func (s *MemSeries) minTime() int64 {
	if len(s.chunks) == 0 {
		return math.MinInt64
	}
	return s.chunks[0].MinTime
}

// maxTime returns the series' newest sample time, or math.MinInt64 if
// it has no chunks.
func (s *MemSeries) maxTime() int64 {
	if len(s.chunks) == 0 {
		return math.MinInt64
	}
	return s.chunks[len(s.chunks)-1].MaxTime
}

func (s *MemSeries) head() *chunks.Meta {
	if len(s.chunks) == 0 {
		return nil
	}
	return s.chunks[len(s.chunks)-1]
}

// rangeForTimestamp returns the exclusive upper bound of the R-aligned
// bucket containing t (spec §4.9 design notes "range_for_timestamp(t,
// R): R * (t/R + 1)").
func rangeForTimestamp(t, r int64) int64 {
	return r * (t/r + 1)
}

// computeChunkEndTime re-paces nextAt once a chunk is a quarter full:
// with n = (nextAt - minTime) / ((maxTime - minTime + 1) * 4) it
// returns minTime + (nextAt - minTime) / n, about four times the span
// the first quarter took, so a dense series closes its chunk near the
// target fill rather than at the chunk-range boundary. When n is 0
// (the chunk is filling slowly) nextAt is returned unchanged.
func computeChunkEndTime(minTime, maxTime, nextAt int64) int64 {
	a := (nextAt - minTime) / ((maxTime - minTime + 1) * 4)
	if a == 0 {
		return nextAt
	}
	return minTime + (nextAt-minTime)/a
}

// append adds (t, v) to the series, cutting a new chunk first if
// needed. It reports whether the sample was accepted and whether a new
// chunk was cut in the process (spec §4.6 "Chunk cutting").
func (s *MemSeries) append(t int64, v float64) (ok, chunkCreated bool) {
	h := s.head()
	if h == nil {
		h = s.cut(t)
		chunkCreated = true
	}

	numSamples := h.Chunk.NumSamples()
	if h.MaxTime >= t {
		return false, chunkCreated
	}

	if numSamples == samplesPerChunk/4 {
		s.nextAt = computeChunkEndTime(h.MinTime, h.MaxTime, s.nextAt)
	}

	if t >= s.nextAt {
		h = s.cut(t)
		chunkCreated = true
	}

	s.app.Append(t, v)
	h.MaxTime = t

	s.sampleBuf[0] = s.sampleBuf[1]
	s.sampleBuf[1] = s.sampleBuf[2]
	s.sampleBuf[2] = s.sampleBuf[3]
	s.sampleBuf[3] = sample{t: t, v: v}

	return true, chunkCreated
}

// cut starts a new chunk at t and caps nextAt so the chunk can never
// cross a chunkRange boundary.
func (s *MemSeries) cut(t int64) *chunks.Meta {
	c := chunkenc.NewXORChunk()
	meta := &chunks.Meta{Chunk: c, MinTime: t, MaxTime: math.MinInt64}
	s.chunks = append(s.chunks, meta)

	s.nextAt = rangeForTimestamp(t, s.chunkRange)

	app, err := c.Appender()
	if err != nil {
		// NewXORChunk always yields an appendable chunk; this can only
		// fail if XORChunk.Appender's own replay finds a corrupt
		// stream, which is impossible for a chunk this function just
		// allocated.
		panic(err)
	}
	s.app = app
	return meta
}

// chunksMeta returns the series' current chunk chain, for callers that
// need to read it without holding the series lock themselves (e.g. a
// reader that snapshots the slice header).
func (s *MemSeries) chunksMeta() []*chunks.Meta {
	return s.chunks
}

// reset clears the chunk chain and append state, used by chunkRewrite
// before re-appending the surviving samples.
func (s *MemSeries) reset() {
	s.chunks = nil
	s.firstChunkID = 0
	s.nextAt = math.MinInt64
	s.sampleBuf = [4]sample{}
	s.pendingCommit = false
	s.app = nil
}

// chunk returns the chunk with the given id, or nil if id is out of
// range (already GC'd or not yet cut).
func (s *MemSeries) chunk(id int) *chunks.Meta {
	idx := id - s.firstChunkID
	if idx < 0 || idx >= len(s.chunks) {
		return nil
	}
	return s.chunks[idx]
}

func (s *MemSeries) chunkID(pos int) int { return s.firstChunkID + pos }

// FirstChunkID and NumChunks let a block-writing caller (e.g. the
// compactor's head persist path) walk a series' live chunk range
// without reaching into unexported fields.
func (s *MemSeries) FirstChunkID() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.firstChunkID
}

func (s *MemSeries) NumChunks() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.chunks)
}

// Iterator is the exported form of iterator, for callers outside this
// package persisting a chunk range to a block.
func (s *MemSeries) Iterator(id int) chunkenc.Iterator {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.iterator(id)
}

// truncateChunksBefore drops every chunk whose MaxTime is strictly
// before mint, advancing firstChunkID, and returns how many were
// dropped.
func (s *MemSeries) truncateChunksBefore(mint int64) int {
	dropped := 0
	for len(s.chunks) > 0 && s.chunks[0].MaxTime < mint {
		s.chunks = s.chunks[1:]
		s.firstChunkID++
		dropped++
	}
	return dropped
}

// iterator returns an Iterator over the chunk at id. For the series'
// current head chunk it serves the last up to 4 samples from the tail
// buffer instead of the live (and possibly still-mutating) chunk bytes
// (spec §5 "growing tail chunks are read via the 4-sample tail buffer,
// so a concurrent append never corrupts an in-flight read").
func (s *MemSeries) iterator(id int) chunkenc.Iterator {
	c := s.chunk(id)
	if c == nil {
		return nil
	}
	if id != s.chunkID(len(s.chunks)-1) {
		return c.Chunk.Iterator(nil)
	}
	return newTailBufferIterator(c.Chunk, s.sampleBuf)
}

// tailBufferIterator wraps a chunk's normal iterator but, for the last
// up to 4 samples, answers from a snapshot of the series' sample
// buffer rather than re-reading the chunk's bit stream — the buffer is
// immutable once captured, so it is safe to iterate while the owning
// series keeps appending.
type tailBufferIterator struct {
	it    chunkenc.Iterator
	total int
	pos   int
	buf   [4]sample
}

func newTailBufferIterator(c chunkenc.Chunk, buf [4]sample) chunkenc.Iterator {
	return &tailBufferIterator{it: c.Iterator(nil), total: c.NumSamples(), pos: -1, buf: buf}
}

func (it *tailBufferIterator) Next() bool {
	if it.pos+1 >= it.total {
		return false
	}
	it.pos++
	if it.total-it.pos > 4 {
		return it.it.Next()
	}
	return true
}

func (it *tailBufferIterator) At() (int64, float64) {
	if it.total-it.pos > 4 {
		return it.it.At()
	}
	s := it.buf[4-(it.total-it.pos)]
	return s.t, s.v
}

func (it *tailBufferIterator) Err() error { return it.it.Err() }
