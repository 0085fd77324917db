package compact

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/block"
	"github.com/famarks/tsdb/pkg/chunkenc"
	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/head"
	"github.com/famarks/tsdb/pkg/index"
	"github.com/famarks/tsdb/pkg/tsid"
)

// samplesPerChunk bounds how many samples a freshly re-emitted chunk
// may hold (spec §4.8 "re-emit chunks of up to 120 samples").
const samplesPerChunk = 120

// LeveledCompactor merges adjacent on-disk blocks according to an
// ascending list of range widths (spec §4.8).
type LeveledCompactor struct {
	logger log.Logger
	ranges Ranges
}

// NewLeveledCompactor constructs a compactor over the given ascending
// ranges (e.g. r0, 3*r0, 9*r0, ...).
func NewLeveledCompactor(logger log.Logger, ranges Ranges) *LeveledCompactor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LeveledCompactor{logger: logger, ranges: ranges}
}

// Plan reads every block directory's meta.json under dir and returns
// the directories the next Compact call should merge.
func (c *LeveledCompactor) Plan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "compact: read blocks dir")
	}

	var metas []*block.Meta
	byULID := map[ulid.ULID]string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		u, err := ulid.Parse(e.Name())
		if err != nil {
			continue
		}
		m, err := block.ReadMetaFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		metas = append(metas, m)
		byULID[u] = filepath.Join(dir, e.Name())
	}

	group := Plan(metas, c.ranges)
	if len(group) == 0 {
		return nil, nil
	}
	dirs := make([]string, len(group))
	for i, m := range group {
		dirs[i] = byULID[m.ULID]
	}
	return dirs, nil
}

func newULID() ulid.ULID {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Now(), entropy)
}

// seriesSamples is one series' fully materialized sample set, ready to
// be re-chunked into a new block.
type seriesSamples struct {
	id      tsid.TSID
	samples []rawSample
}

// buildBlock writes a new block directory at dest/<ulid> from already
// tombstone-filtered per-series samples, then renames tmp-<ulid> into
// place (spec §4.8 "Write the block atomically: create in tmp-<ulid>,
// fsync, rename to final name").
func (c *LeveledCompactor) buildBlock(dest string, mint, maxt int64, level int, parents, sources []ulid.ULID, series []seriesSamples) (ulid.ULID, error) {
	id := newULID()
	tmp := filepath.Join(dest, "tmp-"+id.String())
	if err := os.MkdirAll(tmp, 0o777); err != nil {
		return id, errors.Wrap(err, "compact: create tmp block dir")
	}

	chunksDir := filepath.Join(tmp, "chunks")
	if err := os.MkdirAll(chunksDir, 0o777); err != nil {
		return id, errors.Wrap(err, "compact: create chunks dir")
	}

	cw, err := chunks.NewWriter(chunksDir, chunks.DefaultChunkSegmentSize)
	if err != nil {
		return id, errors.Wrap(err, "compact: open chunk writer")
	}
	iw, err := index.NewWriter(filepath.Join(tmp, "index"))
	if err != nil {
		cw.Close()
		return id, errors.Wrap(err, "compact: open index writer")
	}

	var numSamples, numChunks, numSeries uint64
	for _, s := range series {
		if len(s.samples) == 0 {
			continue
		}
		chks, err := rechunk(s.samples)
		if err != nil {
			cw.Close()
			iw.Close()
			return id, errors.Wrapf(err, "compact: rechunk series %s", s.id)
		}
		if err := cw.WriteChunks(chks); err != nil {
			cw.Close()
			iw.Close()
			return id, errors.Wrap(err, "compact: write chunks")
		}
		if err := iw.AddSeries(s.id, chks); err != nil {
			cw.Close()
			iw.Close()
			return id, errors.Wrap(err, "compact: write index series")
		}
		numSamples += uint64(len(s.samples))
		numChunks += uint64(len(chks))
		numSeries++
	}

	if err := cw.Close(); err != nil {
		return id, errors.Wrap(err, "compact: close chunk writer")
	}
	if err := iw.Close(); err != nil {
		return id, errors.Wrap(err, "compact: close index writer")
	}

	meta := &block.Meta{
		ULID:    id,
		MinTime: mint,
		MaxTime: maxt,
		Stats: block.BlockStats{
			NumSamples: numSamples,
			NumSeries:  numSeries,
			NumChunks:  numChunks,
		},
		Compaction: block.BlockCompaction{
			Level:   level,
			Parents: parents,
			Sources: sources,
		},
	}
	if err := block.WriteMetaFile(tmp, meta); err != nil {
		return id, errors.Wrap(err, "compact: write meta.json")
	}

	final := filepath.Join(dest, id.String())
	if err := os.Rename(tmp, final); err != nil {
		return id, errors.Wrap(err, "compact: rename tmp block dir")
	}
	return id, nil
}

// rechunk re-encodes a time-ordered sample slice into XOR chunks of at
// most samplesPerChunk samples each.
func rechunk(samples []rawSample) ([]chunks.Meta, error) {
	var out []chunks.Meta
	for i := 0; i < len(samples); i += samplesPerChunk {
		end := i + samplesPerChunk
		if end > len(samples) {
			end = len(samples)
		}
		c := chunkenc.NewXORChunk()
		app, err := c.Appender()
		if err != nil {
			return nil, err
		}
		for _, s := range samples[i:end] {
			app.Append(s.t, s.v)
		}
		out = append(out, chunks.Meta{Chunk: c, MinTime: samples[i].t, MaxTime: samples[end-1].t})
	}
	return out, nil
}

// Compact merges the block directories in dirs into one new block
// under dest (spec §4.8 "compact(dir, plan, all_blocks)").
func (c *LeveledCompactor) Compact(dest string, dirs []string) (ulid.ULID, error) {
	var sources []*sourceBlock
	var parents, sourceIDs []ulid.ULID
	maxLevel := 0
	mint, maxt := int64(0), int64(0)

	for i, dir := range dirs {
		b, err := block.OpenBlock(dir)
		if err != nil {
			return ulid.ULID{}, errors.Wrapf(err, "compact: open %s", dir)
		}
		defer b.Close()

		ir, doneI, err := b.Index()
		if err != nil {
			return ulid.ULID{}, err
		}
		defer doneI()
		cr, doneC, err := b.Chunks()
		if err != nil {
			return ulid.ULID{}, err
		}
		defer doneC()
		tr, doneT, err := b.Tombstones()
		if err != nil {
			return ulid.ULID{}, err
		}
		defer doneT()

		m := b.Meta()
		sources = append(sources, &sourceBlock{meta: m, ir: ir, cr: cr, tr: tr})
		parents = append(parents, m.ULID)
		if len(m.Compaction.Sources) > 0 {
			sourceIDs = append(sourceIDs, m.Compaction.Sources...)
		} else {
			sourceIDs = append(sourceIDs, m.ULID)
		}
		if m.Compaction.Level > maxLevel {
			maxLevel = m.Compaction.Level
		}
		if i == 0 || m.MinTime < mint {
			mint = m.MinTime
		}
		if m.MaxTime > maxt {
			maxt = m.MaxTime
		}
	}

	ids := unionPostings(sources)
	var seriesList []seriesSamples
	for _, id := range ids {
		samples, err := mergeSeries(id, sources)
		if err != nil {
			return ulid.ULID{}, err
		}
		if len(samples) == 0 {
			continue
		}
		seriesList = append(seriesList, seriesSamples{id: id, samples: samples})
	}

	sourceIDs = dedupULIDs(sourceIDs)
	level.Info(c.logger).Log("msg", "compacting blocks", "count", len(dirs), "series", len(seriesList))

	return c.buildBlock(dest, mint, maxt, maxLevel+1, parents, sourceIDs, seriesList)
}

func dedupULIDs(ids []ulid.ULID) []ulid.ULID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id.Compare(ids[i-1]) != 0 {
			out = append(out, id)
		}
	}
	return out
}

// Write persists the head's data in [mint, maxt) as a new level-1
// block under dest (spec §4.8 "write(dir, head_range, mint, maxt,
// parent): special case that persists a head window as a level-1
// block"). If no head sample falls in the range it writes nothing and
// returns the zero ULID.
func (c *LeveledCompactor) Write(dest string, h *head.Head, mint, maxt int64) (ulid.ULID, error) {
	var seriesList []seriesSamples
	for _, id := range h.Postings() {
		ms := h.Series(id)
		if ms == nil {
			continue
		}
		var samples []rawSample
		first := ms.FirstChunkID()
		for cid := first; cid < first+ms.NumChunks(); cid++ {
			it := ms.Iterator(cid)
			if it == nil {
				continue
			}
			for it.Next() {
				t, v := it.At()
				if t < mint || t >= maxt {
					continue
				}
				samples = append(samples, rawSample{t: t, v: v})
			}
			if it.Err() != nil {
				return ulid.ULID{}, errors.Wrapf(it.Err(), "compact: iterate head series %s", id)
			}
		}
		if len(samples) > 0 {
			seriesList = append(seriesList, seriesSamples{id: id, samples: samples})
		}
	}
	if len(seriesList) == 0 {
		return ulid.ULID{}, nil
	}

	return c.buildBlock(dest, mint, maxt, 1, nil, nil, seriesList)
}

// CleanTombstones rewrites b into a new block with every tombstoned
// sample physically removed (spec §4.8 "clean_tombstones: ... Returns
// ULID::nil when the block is empty after cleaning").
func (c *LeveledCompactor) CleanTombstones(dest string, b *block.Block) (ulid.ULID, error) {
	ir, doneI, err := b.Index()
	if err != nil {
		return ulid.ULID{}, err
	}
	defer doneI()
	cr, doneC, err := b.Chunks()
	if err != nil {
		return ulid.ULID{}, err
	}
	defer doneC()
	tr, doneT, err := b.Tombstones()
	if err != nil {
		return ulid.ULID{}, err
	}
	defer doneT()

	meta := b.Meta()
	src := &sourceBlock{meta: meta, ir: ir, cr: cr, tr: tr}

	var seriesList []seriesSamples
	for _, id := range ir.Postings() {
		samples, err := mergeSeries(id, []*sourceBlock{src})
		if err != nil {
			return ulid.ULID{}, err
		}
		if len(samples) > 0 {
			seriesList = append(seriesList, seriesSamples{id: id, samples: samples})
		}
	}
	if len(seriesList) == 0 {
		return ulid.ULID{}, nil
	}

	sources := meta.Compaction.Sources
	if len(sources) == 0 {
		sources = []ulid.ULID{meta.ULID}
	}
	return c.buildBlock(dest, meta.MinTime, meta.MaxTime, meta.Compaction.Level, []ulid.ULID{meta.ULID}, sources, seriesList)
}
