package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/famarks/tsdb/pkg/chunkenc"
	"github.com/famarks/tsdb/pkg/chunks"
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

// buildBlockDir writes a minimal, valid block directory to dir: one
// series with one chunk, a meta.json, and no tombstones.
func buildBlockDir(t *testing.T, dir string, id tsid.TSID, mint, maxt int64) {
	t.Helper()

	chunksDir := filepath.Join(dir, "chunks")
	require.NoError(t, os.MkdirAll(chunksDir, 0o777))

	cw, err := chunks.NewWriter(chunksDir, 0)
	require.NoError(t, err)
	chk := []chunks.Meta{{Chunk: mkChunk(t, [][2]float64{{float64(mint), 1}, {float64(maxt), 2}}), MinTime: mint, MaxTime: maxt}}
	require.NoError(t, cw.WriteChunks(chk))
	require.NoError(t, cw.Close())

	iw, err := index.NewWriter(filepath.Join(dir, "index"))
	require.NoError(t, err)
	require.NoError(t, iw.AddSeries(id, chk))
	require.NoError(t, iw.Close())

	u := ulid.MustNew(uint64(mint), nil)
	meta := &Meta{
		ULID:    u,
		MinTime: mint,
		MaxTime: maxt,
		Stats:   BlockStats{NumSamples: 2, NumSeries: 1, NumChunks: 1},
	}
	require.NoError(t, WriteMetaFile(dir, meta))
}

func TestOpenBlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := mustTSID(1)
	buildBlockDir(t, dir, id, 100, 200)

	b, err := OpenBlock(dir)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, int64(100), b.MinTime())
	require.Equal(t, int64(200), b.MaxTime())
	require.True(t, b.OverlapsClosedInterval(150, 300))
	require.False(t, b.OverlapsClosedInterval(300, 400))

	ir, done, err := b.Index()
	require.NoError(t, err)
	chks, err := ir.Series(id)
	require.NoError(t, err)
	require.Len(t, chks, 1)
	done()

	cr, done, err := b.Chunks()
	require.NoError(t, err)
	c, err := cr.Chunk(chks[0].Ref)
	require.NoError(t, err)
	require.NotNil(t, c)
	done()
}

func TestBlockDeletePersistsTombstones(t *testing.T) {
	dir := t.TempDir()
	id := mustTSID(1)
	buildBlockDir(t, dir, id, 100, 200)

	b, err := OpenBlock(dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Delete(120, 150, []tsid.TSID{id}))

	tr, err := tombstones.ReadFile(filepath.Join(dir, "tombstones"))
	require.NoError(t, err)
	ivs := tr.Get(id)
	require.Equal(t, tombstones.Intervals{{Mint: 120, Maxt: 150}}, ivs)
}

func TestBlockCloseWaitsForReaders(t *testing.T) {
	dir := t.TempDir()
	buildBlockDir(t, dir, mustTSID(1), 0, 10)

	b, err := OpenBlock(dir)
	require.NoError(t, err)

	_, done, err := b.Index()
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- b.Close() }()

	// Close must block until done() releases the reader.
	select {
	case <-closed:
		t.Fatal("Close returned before the outstanding reader released its handle")
	default:
	}
	done()

	require.NoError(t, <-closed)

	_, _, err = b.Index()
	require.Error(t, err, "Index must refuse new readers once closing")
}
