package compact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/famarks/tsdb/pkg/block"
	"github.com/famarks/tsdb/pkg/chunkenc"
	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/head"
	"github.com/famarks/tsdb/pkg/index"
	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsid"
)

func mustTSID(b byte) tsid.TSID {
	var t tsid.TSID
	for i := range t {
		t[i] = b
	}
	return t
}

func mkChunk(t *testing.T, samples [][2]float64) chunkenc.Chunk {
	t.Helper()
	c := chunkenc.NewXORChunk()
	app, err := c.Appender()
	require.NoError(t, err)
	for _, s := range samples {
		app.Append(int64(s[0]), s[1])
	}
	return c
}

func buildBlockDir(t *testing.T, dir string, series map[tsid.TSID][][2]float64, mint, maxt int64, level int) ulid.ULID {
	t.Helper()

	chunksDir := filepath.Join(dir, "chunks")
	require.NoError(t, os.MkdirAll(chunksDir, 0o777))

	cw, err := chunks.NewWriter(chunksDir, 0)
	require.NoError(t, err)
	iw, err := index.NewWriter(filepath.Join(dir, "index"))
	require.NoError(t, err)

	ids := make([]tsid.TSID, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	// Sorted so the fixture block's layout does not depend on map order.
	sortTSIDs(ids)

	for _, id := range ids {
		chk := []chunks.Meta{{Chunk: mkChunk(t, series[id]), MinTime: int64(series[id][0][0]), MaxTime: int64(series[id][len(series[id])-1][0])}}
		require.NoError(t, cw.WriteChunks(chk))
		require.NoError(t, iw.AddSeries(id, chk))
	}
	require.NoError(t, cw.Close())
	require.NoError(t, iw.Close())

	u := ulid.MustNew(uint64(mint)+1, nil)
	meta := &block.Meta{
		ULID:       u,
		MinTime:    mint,
		MaxTime:    maxt,
		Compaction: block.BlockCompaction{Level: level},
	}
	require.NoError(t, block.WriteMetaFile(dir, meta))
	return u
}

func sortTSIDs(ids []tsid.TSID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func TestCompactMergesAdjacentBlocks(t *testing.T) {
	root := t.TempDir()
	id1, id2 := mustTSID(1), mustTSID(2)

	dir1 := filepath.Join(root, "b1")
	require.NoError(t, os.MkdirAll(dir1, 0o777))
	buildBlockDir(t, dir1, map[tsid.TSID][][2]float64{
		id1: {{0, 1}, {10, 2}},
	}, 0, 100, 1)

	dir2 := filepath.Join(root, "b2")
	require.NoError(t, os.MkdirAll(dir2, 0o777))
	buildBlockDir(t, dir2, map[tsid.TSID][][2]float64{
		id1: {{100, 3}, {110, 4}},
		id2: {{105, 9}},
	}, 100, 200, 1)

	dest := t.TempDir()
	c := NewLeveledCompactor(nil, Ranges{100, 300})
	newID, err := c.Compact(dest, []string{dir1, dir2})
	require.NoError(t, err)

	out, err := block.OpenBlock(filepath.Join(dest, newID.String()))
	require.NoError(t, err)
	defer out.Close()

	require.Equal(t, int64(0), out.MinTime())
	require.Equal(t, int64(200), out.MaxTime())
	require.Equal(t, 2, out.Meta().Compaction.Level)

	ir, done, err := out.Index()
	require.NoError(t, err)
	defer done()
	chks, err := ir.Series(id1)
	require.NoError(t, err)
	require.NotEmpty(t, chks)

	cr, done2, err := out.Chunks()
	require.NoError(t, err)
	defer done2()

	var got []int64
	for _, ck := range chks {
		c, err := cr.Chunk(ck.Ref)
		require.NoError(t, err)
		it := c.Iterator(nil)
		for it.Next() {
			tt, _ := it.At()
			got = append(got, tt)
		}
	}
	require.Equal(t, []int64{0, 10, 100, 110}, got)
}

func TestCompactDropsFullyTombstonedChunk(t *testing.T) {
	root := t.TempDir()
	id1 := mustTSID(1)

	dir1 := filepath.Join(root, "b1")
	require.NoError(t, os.MkdirAll(dir1, 0o777))
	buildBlockDir(t, dir1, map[tsid.TSID][][2]float64{
		id1: {{0, 1}, {10, 2}, {20, 3}},
	}, 0, 100, 1)

	tr := tombstones.NewMemTombstones()
	tr.AddInterval(id1, tombstones.Interval{Mint: 0, Maxt: 20})
	require.NoError(t, tombstones.WriteFile(filepath.Join(dir1, "tombstones"), tr))

	dest := t.TempDir()
	c := NewLeveledCompactor(nil, Ranges{100, 300})
	newID, err := c.Compact(dest, []string{dir1})
	require.NoError(t, err)

	out, err := block.OpenBlock(filepath.Join(dest, newID.String()))
	require.NoError(t, err)
	defer out.Close()

	ir, done, err := out.Index()
	require.NoError(t, err)
	defer done()
	_, err = ir.Series(id1)
	require.Equal(t, index.ErrNotFound, err, "fully tombstoned series must not survive compaction")
}

func TestCompactorWriteFromHead(t *testing.T) {
	h, err := head.New(nil, nil, 100000)
	require.NoError(t, err)

	id := mustTSID(5)
	a := h.Appender()
	for i := int64(0); i < 10; i++ {
		require.NoError(t, a.Add(id, i, float64(i)))
	}
	require.NoError(t, a.Commit())

	dest := t.TempDir()
	c := NewLeveledCompactor(nil, Ranges{100000})
	newID, err := c.Write(dest, h, 0, 10)
	require.NoError(t, err)
	require.NotEqual(t, ulid.ULID{}, newID)

	out, err := block.OpenBlock(filepath.Join(dest, newID.String()))
	require.NoError(t, err)
	defer out.Close()
	require.Equal(t, 1, out.Meta().Compaction.Level)

	ir, done, err := out.Index()
	require.NoError(t, err)
	defer done()
	chks, err := ir.Series(id)
	require.NoError(t, err)
	require.NotEmpty(t, chks)
}

func TestCleanTombstonesRewritesBlock(t *testing.T) {
	root := t.TempDir()
	id1 := mustTSID(1)

	dir1 := filepath.Join(root, "b1")
	require.NoError(t, os.MkdirAll(dir1, 0o777))
	buildBlockDir(t, dir1, map[tsid.TSID][][2]float64{
		id1: {{0, 1}, {10, 2}, {20, 3}},
	}, 0, 100, 1)

	tr := tombstones.NewMemTombstones()
	tr.AddInterval(id1, tombstones.Interval{Mint: 10, Maxt: 10})
	require.NoError(t, tombstones.WriteFile(filepath.Join(dir1, "tombstones"), tr))

	b, err := block.OpenBlock(dir1)
	require.NoError(t, err)
	defer b.Close()

	dest := t.TempDir()
	c := NewLeveledCompactor(nil, Ranges{100, 300})
	newID, err := c.CleanTombstones(dest, b)
	require.NoError(t, err)
	require.NotEqual(t, ulid.ULID{}, newID)

	out, err := block.OpenBlock(filepath.Join(dest, newID.String()))
	require.NoError(t, err)
	defer out.Close()

	ir, done, err := out.Index()
	require.NoError(t, err)
	defer done()
	cr, done2, err := out.Chunks()
	require.NoError(t, err)
	defer done2()

	chks, err := ir.Series(id1)
	require.NoError(t, err)

	var got []int64
	for _, ck := range chks {
		c, err := cr.Chunk(ck.Ref)
		require.NoError(t, err)
		it := c.Iterator(nil)
		for it.Next() {
			tt, _ := it.At()
			got = append(got, tt)
		}
	}
	require.Equal(t, []int64{0, 20}, got)
}
