package head

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsid"
	"github.com/famarks/tsdb/pkg/wal"
)

func newTestWAL(t *testing.T) (*wal.WAL, string) {
	dir := t.TempDir()
	w, err := wal.NewSize(nil, dir, 64*1024)
	require.NoError(t, err)
	return w, dir
}

func TestHeadAppenderStateMachine(t *testing.T) {
	h, err := New(nil, nil, 1000)
	require.NoError(t, err)

	require.Equal(t, int64(math.MaxInt64), h.MinTime())

	a := h.Appender()
	_, ok := a.(*initAppender)
	require.True(t, ok, "first appender must be an initAppender")

	id := mustTSID(1)
	require.NoError(t, a.Add(id, 10, 1.0))
	require.NoError(t, a.Commit())

	require.Equal(t, int64(10), h.MinTime())
	require.Equal(t, int64(10), h.MaxTime())

	a2 := h.Appender()
	_, ok = a2.(*headAppender)
	require.True(t, ok, "once initialized the head must hand out a headAppender")
}

func TestHeadAppenderRejectsOutOfBounds(t *testing.T) {
	h, err := New(nil, nil, 1000)
	require.NoError(t, err)

	a := h.Appender()
	require.NoError(t, a.Add(mustTSID(1), 1000, 1.0))
	require.NoError(t, a.Commit())

	a2 := h.headAppender()
	err = a2.Add(mustTSID(1), a2.minValidTime-1, 1.0)
	require.Equal(t, errOutOfBounds, err)
}

func TestHeadGetOrCreateDedup(t *testing.T) {
	h, err := New(nil, nil, 1000)
	require.NoError(t, err)

	id := mustTSID(7)
	s1, created1 := h.getOrCreate(id)
	require.True(t, created1)
	s2, created2 := h.getOrCreate(id)
	require.False(t, created2)
	require.Same(t, s1, s2)
	require.Equal(t, 1, h.NumSeries())
}

func TestHeadGC(t *testing.T) {
	h, err := New(nil, nil, 1000)
	require.NoError(t, err)

	a := h.Appender()
	require.NoError(t, a.Add(mustTSID(1), 10, 1.0))
	require.NoError(t, a.Add(mustTSID(2), 10000, 1.0))
	require.NoError(t, a.Commit())

	require.Equal(t, 2, h.NumSeries())

	require.NoError(t, h.Truncate(5000))
	require.Equal(t, 1, h.NumSeries())
	require.Nil(t, h.Series(mustTSID(1)))
	require.NotNil(t, h.Series(mustTSID(2)))
}

func TestHeadDeleteRewritesChunks(t *testing.T) {
	h, err := New(nil, nil, 100000)
	require.NoError(t, err)

	id := mustTSID(3)
	a := h.Appender()
	for i := int64(0); i < 20; i++ {
		require.NoError(t, a.Add(id, i, float64(i)))
	}
	require.NoError(t, a.Commit())

	require.NoError(t, h.Delete(5, 10, []tsid.TSID{id}))

	ms := h.Series(id)
	require.NotNil(t, ms)

	var got []int64
	for cid := ms.firstChunkID; cid < ms.firstChunkID+len(ms.chunks); cid++ {
		it := ms.iterator(cid)
		for it.Next() {
			tt, _ := it.At()
			got = append(got, tt)
		}
		require.NoError(t, it.Err())
	}

	for _, tt := range got {
		require.False(t, tt >= 5 && tt <= 10, "sample at t=%d should have been deleted", tt)
	}
	require.Equal(t, 14, len(got))
}

func TestHeadDeleteUnknownSeries(t *testing.T) {
	h, err := New(nil, nil, 1000)
	require.NoError(t, err)

	err = h.Delete(0, 10, []tsid.TSID{mustTSID(9)})
	require.Error(t, err)
}

func TestHeadWALReplay(t *testing.T) {
	w, dir := newTestWAL(t)

	h, err := New(nil, w, 100000)
	require.NoError(t, err)

	id1, id2 := mustTSID(1), mustTSID(2)
	a := h.Appender()
	require.NoError(t, a.Add(id1, 10, 1.0))
	require.NoError(t, a.Add(id2, 20, 2.0))
	require.NoError(t, a.Commit())

	a = h.Appender()
	require.NoError(t, a.Add(id1, 30, 3.0))
	require.NoError(t, a.Commit())

	require.NoError(t, h.Delete(10, 10, []tsid.TSID{id1}))
	require.NoError(t, w.Close())

	w2, err := wal.NewSize(nil, dir, 64*1024)
	require.NoError(t, err)

	h2, err := New(nil, w2, 100000)
	require.NoError(t, err)
	require.NoError(t, h2.Init(math.MinInt64))

	require.NotNil(t, h2.Series(id1))
	require.NotNil(t, h2.Series(id2))
	require.Equal(t, int64(30), h2.MaxTime())

	ms1 := h2.Series(id1)
	var got []int64
	for cid := ms1.firstChunkID; cid < ms1.firstChunkID+len(ms1.chunks); cid++ {
		it := ms1.iterator(cid)
		for it.Next() {
			tt, _ := it.At()
			got = append(got, tt)
		}
	}
	require.NotContains(t, got, int64(10), "tombstoned sample must not survive replay")
	require.Contains(t, got, int64(30))
}

func TestHeadOverlapsClosedInterval(t *testing.T) {
	h, err := New(nil, nil, 1000)
	require.NoError(t, err)

	a := h.Appender()
	require.NoError(t, a.Add(mustTSID(1), 100, 1.0))
	require.NoError(t, a.Add(mustTSID(1), 200, 1.0))
	require.NoError(t, a.Commit())

	require.True(t, h.OverlapsClosedInterval(150, 250))
	require.False(t, h.OverlapsClosedInterval(500, 600))
}

func TestClampInterval(t *testing.T) {
	mint, maxt := clampInterval(-10, 1000, 0, 500)
	require.Equal(t, int64(0), mint)
	require.Equal(t, int64(500), maxt)

	mint, maxt = clampInterval(10, 20, 0, 500)
	require.Equal(t, int64(10), mint)
	require.Equal(t, int64(20), maxt)
}

func TestHeadChunkRewriteNoTombstonesNoop(t *testing.T) {
	h, err := New(nil, nil, 1000)
	require.NoError(t, err)
	require.NoError(t, h.chunkRewrite(mustTSID(1), tombstones.Intervals{}))
}
