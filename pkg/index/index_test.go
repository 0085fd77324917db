package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/tsid"
)

func mustTSID(b byte) tsid.TSID {
	var t tsid.TSID
	for i := range t {
		t[i] = b
	}
	return t
}

func TestIndexWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	w, err := NewWriter(path)
	require.NoError(t, err)

	s1 := []chunks.Meta{
		{Ref: 10, MinTime: 0, MaxTime: 100},
		{Ref: 20, MinTime: 101, MaxTime: 250},
		{Ref: 35, MinTime: 251, MaxTime: 400},
	}
	s2 := []chunks.Meta{
		{Ref: 1000, MinTime: 5, MaxTime: 9},
	}

	id1, id2 := mustTSID(1), mustTSID(2)
	require.NoError(t, w.AddSeries(id1, s1))
	require.NoError(t, w.AddSeries(id2, s2))
	require.NoError(t, w.Close())

	r, err := NewFileReader(path)
	require.NoError(t, err)
	defer r.Close()

	got1, err := r.Series(id1)
	require.NoError(t, err)
	require.Equal(t, s1, got1)

	got2, err := r.Series(id2)
	require.NoError(t, err)
	require.Equal(t, s2, got2)

	_, err = r.Series(mustTSID(9))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIndexWriterManySeries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")
	w, err := NewWriter(path)
	require.NoError(t, err)

	want := make(map[tsid.TSID][]chunks.Meta)
	for i := 0; i < 300; i++ {
		id := mustTSID(byte(i % 251))
		id[15] = byte(i)
		chks := []chunks.Meta{
			{Ref: uint64(i), MinTime: int64(i * 1000), MaxTime: int64(i*1000 + 500)},
			{Ref: uint64(i) + 1, MinTime: int64(i*1000 + 600), MaxTime: int64(i*1000 + 900)},
		}
		want[id] = chks
		require.NoError(t, w.AddSeries(id, chks))
	}
	require.NoError(t, w.Close())

	r, err := NewFileReader(path)
	require.NoError(t, err)
	defer r.Close()

	for id, chks := range want {
		got, err := r.Series(id)
		require.NoError(t, err)
		require.Equal(t, chks, got)
	}
}
