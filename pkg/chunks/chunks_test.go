package chunks

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/famarks/tsdb/pkg/chunkenc"
)

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

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 0)
	require.NoError(t, err)

	chks := []Meta{
		{Chunk: mkChunk(t, [][2]float64{{1, 1}, {2, 2}, {3, 3}}), MinTime: 1, MaxTime: 3},
		{Chunk: mkChunk(t, [][2]float64{{4, 4}, {5, 5}}), MinTime: 4, MaxTime: 5},
	}
	require.NoError(t, w.WriteChunks(chks))
	require.NoError(t, w.Close())

	r, err := NewDirReader(dir)
	require.NoError(t, err)
	defer r.Close()

	for _, want := range chks {
		got, err := r.Chunk(want.Ref)
		require.NoError(t, err)
		require.Equal(t, want.Chunk.Bytes(), got.Bytes())
	}
}

func TestWriterSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	// Tiny segment size holds only two of these chunks, forcing cuts.
	w, err := NewWriter(dir, 64)
	require.NoError(t, err)

	var chks []Meta
	for i := 0; i < 5; i++ {
		c := Meta{Chunk: mkChunk(t, [][2]float64{{float64(i), float64(i)}, {float64(i) + 1, float64(i) + 1}})}
		require.NoError(t, w.WriteChunks([]Meta{c}))
		chks = append(chks, c)
	}
	require.NoError(t, w.Close())

	r, err := NewDirReader(dir)
	require.NoError(t, err)
	defer r.Close()

	require.Greater(t, len(r.Segments()), 1)
	for _, want := range chks {
		got, err := r.Chunk(want.Ref)
		require.NoError(t, err)
		require.Equal(t, want.Chunk.Bytes(), got.Bytes())
	}
}

func TestReaderCorruptCRC(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 0)
	require.NoError(t, err)
	chk := Meta{Chunk: mkChunk(t, [][2]float64{{1, 1}, {2, 2}})}
	require.NoError(t, w.WriteChunks([]Meta{chk}))
	require.NoError(t, w.Close())

	// Corrupt the chunk's last data byte, just before its CRC.
	path := w.segmentPath(1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-5] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := NewDirReader(dir)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Chunk(chk.Ref)
	require.Error(t, err)
}
