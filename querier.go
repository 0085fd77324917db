package tsdb

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/block"
	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/head"
	"github.com/famarks/tsdb/pkg/index"
	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsid"
)

// SeriesIterator walks one series' (t, v) pairs in time order (spec
// §6 "iterator of (t, v)").
type SeriesIterator interface {
	Next() bool
	At() (t int64, v float64)
	Err() error
}

// SeriesSet walks a query result's series in no particular order
// (spec §6 "iterator of (tsid, iterator of (t, v))"). Grounded on
// original_source/querier/QuerierInterface.hpp's select() returning a
// SeriesSetInterface.
type SeriesSet interface {
	Next() bool
	At() (tsid.TSID, SeriesIterator)
	Err() error
}

// Querier answers point-in-time reads over [mint, maxt], combining
// whichever on-disk blocks overlap the range with the head if it
// overlaps too (spec §6 "engine.querier(mint, maxt)"; grounded on
// original_source/querier/Querier.hpp and BlockQuerier.hpp).
type Querier struct {
	mint, maxt int64

	irs []block.IndexReader
	crs []block.ChunkReader
	trs []*tombstones.MemTombstones

	releases []func()

	head *head.Head
}

// Querier opens a Querier over [mint, maxt]. Callers must call Close
// when done to release the underlying block reader handles.
func (db *DB) Querier(mint, maxt int64) (*Querier, error) {
	q := &Querier{mint: mint, maxt: maxt}

	for _, b := range db.Blocks() {
		if !b.OverlapsClosedInterval(mint, maxt) {
			continue
		}
		ir, doneI, err := b.Index()
		if err != nil {
			q.Close()
			return nil, errors.Wrapf(err, "open index for block %s", b.ULID())
		}
		q.releases = append(q.releases, doneI)

		cr, doneC, err := b.Chunks()
		if err != nil {
			q.Close()
			return nil, errors.Wrapf(err, "open chunks for block %s", b.ULID())
		}
		q.releases = append(q.releases, doneC)

		tr, doneT, err := b.Tombstones()
		if err != nil {
			q.Close()
			return nil, errors.Wrapf(err, "open tombstones for block %s", b.ULID())
		}
		q.releases = append(q.releases, doneT)

		q.irs = append(q.irs, ir)
		q.crs = append(q.crs, cr)
		q.trs = append(q.trs, tr)
	}

	if db.head.OverlapsClosedInterval(mint, maxt) {
		q.head = db.head
	}

	return q, nil
}

// Close releases every reader handle the Querier opened.
func (q *Querier) Close() error {
	for _, release := range q.releases {
		release()
	}
	q.releases = nil
	return nil
}

// rawSample is a single materialized (t, v) pair.
type rawSample struct {
	t int64
	v float64
}

type seriesSamples struct {
	id      tsid.TSID
	samples []rawSample
}

// Select returns the requested series clipped to the querier's
// window, with tombstoned samples removed. A nil ids enumerates every
// series the queried blocks and head know about (spec §6
// "Querier.series(tsids set)").
func (q *Querier) Select(ids []tsid.TSID) (SeriesSet, error) {
	if ids == nil {
		ids = q.allIDs()
	}

	var out []seriesSamples
	for _, id := range ids {
		samples, err := q.seriesSamples(id)
		if err != nil {
			return nil, err
		}
		if len(samples) > 0 {
			out = append(out, seriesSamples{id: id, samples: samples})
		}
	}
	return newListSeriesSet(out), nil
}

func (q *Querier) allIDs() []tsid.TSID {
	seen := map[tsid.TSID]struct{}{}
	var out []tsid.TSID
	for _, ir := range q.irs {
		for _, id := range ir.Postings() {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	if q.head != nil {
		for _, id := range q.head.Postings() {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// seriesSamples materializes one series' samples across every source
// the Querier holds, in source order (blocks are non-overlapping and
// sorted oldest-first, with the head always last), clamped to
// [mint, maxt] and with tombstoned ranges dropped.
func (q *Querier) seriesSamples(id tsid.TSID) ([]rawSample, error) {
	var out []rawSample

	for i, ir := range q.irs {
		chks, err := ir.Series(id)
		if err == index.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read series %s", id)
		}

		ivs := q.trs[i].Get(id)
		cr := q.crs[i]
		for _, m := range chks {
			if m.MaxTime < q.mint || m.MinTime > q.maxt {
				continue
			}
			samples, err := readChunk(cr, m, q.mint, q.maxt, ivs)
			if err != nil {
				return nil, err
			}
			out = append(out, samples...)
		}
	}

	if q.head != nil {
		ms := q.head.Series(id)
		if ms != nil {
			first := ms.FirstChunkID()
			for cid := first; cid < first+ms.NumChunks(); cid++ {
				it := ms.Iterator(cid)
				if it == nil {
					continue
				}
				for it.Next() {
					t, v := it.At()
					if t < q.mint || t > q.maxt {
						continue
					}
					out = append(out, rawSample{t: t, v: v})
				}
				if it.Err() != nil {
					return nil, errors.Wrapf(it.Err(), "iterate head series %s", id)
				}
			}
		}
	}

	return out, nil
}

func readChunk(cr block.ChunkReader, m chunks.Meta, mint, maxt int64, ivs tombstones.Intervals) ([]rawSample, error) {
	c, err := cr.Chunk(m.Ref)
	if err != nil {
		return nil, errors.Wrap(err, "read chunk")
	}
	var out []rawSample
	it := c.Iterator(nil)
	for it.Next() {
		t, v := it.At()
		if t < mint || t > maxt {
			continue
		}
		if ivs.Contains(t) {
			continue
		}
		out = append(out, rawSample{t: t, v: v})
	}
	if it.Err() != nil {
		return nil, errors.Wrap(it.Err(), "iterate chunk")
	}
	return out, nil
}

// listSeriesSet is a SeriesSet over an already materialized slice.
type listSeriesSet struct {
	series []seriesSamples
	idx    int
}

func newListSeriesSet(series []seriesSamples) *listSeriesSet {
	return &listSeriesSet{series: series, idx: -1}
}

func (s *listSeriesSet) Next() bool {
	s.idx++
	return s.idx < len(s.series)
}

func (s *listSeriesSet) At() (tsid.TSID, SeriesIterator) {
	cur := s.series[s.idx]
	return cur.id, newRawSampleIterator(cur.samples)
}

func (s *listSeriesSet) Err() error { return nil }

type rawSampleIterator struct {
	samples []rawSample
	idx     int
}

func newRawSampleIterator(samples []rawSample) *rawSampleIterator {
	return &rawSampleIterator{samples: samples, idx: -1}
}

func (it *rawSampleIterator) Next() bool {
	it.idx++
	return it.idx < len(it.samples)
}

func (it *rawSampleIterator) At() (int64, float64) {
	s := it.samples[it.idx]
	return s.t, s.v
}

func (it *rawSampleIterator) Err() error { return nil }
