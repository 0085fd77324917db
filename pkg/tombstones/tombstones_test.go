package tombstones

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/famarks/tsdb/pkg/tsid"
)

func mustTSID(b byte) tsid.TSID {
	var t tsid.TSID
	for i := range t {
		t[i] = b
	}
	return t
}

func TestIntervalsAddMergesOverlapping(t *testing.T) {
	var ivs Intervals
	ivs = ivs.Add(Interval{Mint: 10, Maxt: 20})
	ivs = ivs.Add(Interval{Mint: 21, Maxt: 30}) // adjacent, must merge
	require.Equal(t, Intervals{{Mint: 10, Maxt: 30}}, ivs)

	ivs = ivs.Add(Interval{Mint: 100, Maxt: 200}) // disjoint
	require.Equal(t, Intervals{{Mint: 10, Maxt: 30}, {Mint: 100, Maxt: 200}}, ivs)

	ivs = ivs.Add(Interval{Mint: 25, Maxt: 150}) // spans the gap, merges both
	require.Equal(t, Intervals{{Mint: 10, Maxt: 200}}, ivs)
}

func TestIntervalsContains(t *testing.T) {
	ivs := Intervals{{Mint: 10, Maxt: 20}, {Mint: 50, Maxt: 60}}
	require.True(t, ivs.Contains(10))
	require.True(t, ivs.Contains(20))
	require.True(t, ivs.Contains(55))
	require.False(t, ivs.Contains(21))
	require.False(t, ivs.Contains(9))
	require.False(t, ivs.Contains(61))
}

func TestMemTombstonesAddIntervalAndGet(t *testing.T) {
	mt := NewMemTombstones()
	id := mustTSID(1)
	mt.AddInterval(id, Interval{Mint: 0, Maxt: 100})
	mt.AddInterval(id, Interval{Mint: 50, Maxt: 150})

	require.Equal(t, Intervals{{Mint: 0, Maxt: 150}}, mt.Get(id))
	require.Equal(t, uint64(1), mt.Total())
	require.Nil(t, mt.Get(mustTSID(9)))
}

func TestMemTombstonesIter(t *testing.T) {
	mt := NewMemTombstones()
	mt.AddInterval(mustTSID(1), Interval{Mint: 0, Maxt: 10})
	mt.AddInterval(mustTSID(2), Interval{Mint: 5, Maxt: 15})

	seen := map[tsid.TSID]Intervals{}
	require.NoError(t, mt.Iter(func(id tsid.TSID, ivs Intervals) error {
		seen[id] = ivs
		return nil
	}))
	require.Len(t, seen, 2)
}

func TestWriteReadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tombstones")

	mt := NewMemTombstones()
	mt.AddInterval(mustTSID(1), Interval{Mint: 0, Maxt: 100})
	mt.AddInterval(mustTSID(1), Interval{Mint: 200, Maxt: 300})
	mt.AddInterval(mustTSID(2), Interval{Mint: 5, Maxt: 9})

	require.NoError(t, WriteFile(path, mt))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, mt.Get(mustTSID(1)), got.Get(mustTSID(1)))
	require.Equal(t, mt.Get(mustTSID(2)), got.Get(mustTSID(2)))
	require.Equal(t, mt.Total(), got.Total())
}

func TestReadFileCorruptChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tombstones")

	mt := NewMemTombstones()
	mt.AddInterval(mustTSID(1), Interval{Mint: 0, Maxt: 100})
	require.NoError(t, WriteFile(path, mt))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[5] ^= 0xFF // flip a byte inside the first series entry
	require.NoError(t, os.WriteFile(path, b, 0o666))

	_, err = ReadFile(path)
	require.ErrorIs(t, err, errInvalidChecksum)
}
