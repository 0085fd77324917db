package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWALLogAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := New(nil, dir)
	require.NoError(t, err)

	recs := [][]byte{
		[]byte("short record"),
		make([]byte, pageSize*3+17), // spans several pages/fragments
		[]byte("another short one"),
	}
	for i := range recs[1] {
		recs[1][i] = byte(i)
	}
	for _, r := range recs {
		require.NoError(t, w.Log(r))
	}
	require.NoError(t, w.Close())

	reader, err := NewReader(dir, 0)
	require.NoError(t, err)
	defer reader.Close()

	var got [][]byte
	for reader.Next() {
		rec := reader.Record()
		cp := append([]byte{}, rec...)
		got = append(got, cp)
	}
	require.NoError(t, reader.Err())
	require.Equal(t, recs, got)
}

func TestWALEmptyRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil, dir)
	require.NoError(t, err)
	require.NoError(t, w.Log(nil))
	require.NoError(t, w.Log([]byte("x")))
	require.NoError(t, w.Close())

	reader, err := NewReader(dir, 0)
	require.NoError(t, err)
	defer reader.Close()

	require.True(t, reader.Next())
	require.Equal(t, []byte{}, reader.Record())
	require.True(t, reader.Next())
	require.Equal(t, []byte("x"), reader.Record())
	require.False(t, reader.Next())
	require.NoError(t, reader.Err())
}

func TestWALSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSize(nil, dir, pageSize*2) // tiny segments force rollover
	require.NoError(t, err)

	rec := make([]byte, pageSize)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Log(rec))
	}
	require.NoError(t, w.Close())

	first, last, err := Segments(dir)
	require.NoError(t, err)
	require.Equal(t, 0, first)
	require.Greater(t, last, 0)
}

func TestWALTruncate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSize(nil, dir, pageSize*2)
	require.NoError(t, err)

	rec := make([]byte, pageSize)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Log(rec))
	}
	_, last, err := Segments(dir)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(last))

	first, newLast, err := Segments(dir)
	require.NoError(t, err)
	require.Equal(t, last, first)
	require.Equal(t, last, newLast)
	require.NoError(t, w.Close())
}

func TestWALCorruptionAndRepair(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil, dir)
	require.NoError(t, err)
	require.NoError(t, w.Log([]byte("good record")))
	require.NoError(t, w.Log([]byte("second record")))
	require.NoError(t, w.Close())

	// Flip a byte inside the second record's fragment body to break its CRC.
	path := segmentPath(dir, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corruptAt := recordHeaderSize + len("good record") + recordHeaderSize + 2
	require.Less(t, corruptAt, len(data))
	data[corruptAt] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o666))

	reader, err := NewReader(dir, 0)
	require.NoError(t, err)
	require.True(t, reader.Next())
	require.Equal(t, []byte("good record"), reader.Record())
	require.False(t, reader.Next())

	cerr, ok := reader.Err().(*CorruptionError)
	require.True(t, ok, "expected *CorruptionError, got %v", reader.Err())
	require.NoError(t, reader.Close())

	require.NoError(t, Repair(dir, nil, cerr))

	w2, err := New(nil, dir)
	require.NoError(t, err)
	require.NoError(t, w2.Log([]byte("recovered record")))
	require.NoError(t, w2.Close())

	reader2, err := NewReader(dir, 0)
	require.NoError(t, err)
	defer reader2.Close()

	var recs [][]byte
	for reader2.Next() {
		recs = append(recs, append([]byte{}, reader2.Record()...))
	}
	require.NoError(t, reader2.Err())
	require.Equal(t, [][]byte{[]byte("good record"), []byte("recovered record")}, recs)
}

func TestWALNextSegmentForcesRoll(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil, dir)
	require.NoError(t, err)
	require.NoError(t, w.Log([]byte("a")))
	require.NoError(t, w.NextSegment())
	require.NoError(t, w.Log([]byte("b")))
	require.NoError(t, w.Close())

	first, last, err := Segments(dir)
	require.NoError(t, err)
	require.Equal(t, 0, first)
	require.Equal(t, 1, last)

	require.FileExists(t, filepath.Join(dir, segmentName(0)))
	require.FileExists(t, filepath.Join(dir, segmentName(1)))
}
