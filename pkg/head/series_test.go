package head

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeForTimestamp(t *testing.T) {
	require.Equal(t, int64(100), rangeForTimestamp(0, 100))
	require.Equal(t, int64(100), rangeForTimestamp(99, 100))
	require.Equal(t, int64(200), rangeForTimestamp(100, 100))
	require.Equal(t, int64(200), rangeForTimestamp(199, 100))
}

func TestMemSeriesAppendCutsFirstChunk(t *testing.T) {
	s := newMemSeries(mustTSID(1), 1000)

	ok, created := s.append(10, 1.0)
	require.True(t, ok)
	require.True(t, created)
	require.Equal(t, 1, len(s.chunks))
	require.Equal(t, int64(10), s.minTime())
	require.Equal(t, int64(10), s.maxTime())

	ok, created = s.append(20, 2.0)
	require.True(t, ok)
	require.False(t, created)
	require.Equal(t, int64(20), s.maxTime())
}

func TestMemSeriesAppendRejectsOutOfOrder(t *testing.T) {
	s := newMemSeries(mustTSID(1), 1000)
	s.append(10, 1.0)

	ok, _ := s.append(10, 2.0)
	require.False(t, ok, "equal timestamp must be rejected")

	ok, _ = s.append(5, 2.0)
	require.False(t, ok, "earlier timestamp must be rejected")
}

func TestMemSeriesCutsOnRangeBoundary(t *testing.T) {
	s := newMemSeries(mustTSID(1), 100)

	s.append(10, 1.0)
	require.Equal(t, int64(100), s.nextAt)

	_, created := s.append(150, 2.0)
	require.True(t, created, "crossing the chunk range boundary must cut a new chunk")
	require.Equal(t, 2, len(s.chunks))
}

func TestMemSeriesTruncateChunksBefore(t *testing.T) {
	s := newMemSeries(mustTSID(1), 100)

	s.append(10, 1.0)
	s.append(50, 1.0)
	s.append(150, 1.0)
	s.append(250, 1.0)
	require.True(t, len(s.chunks) >= 2)

	firstBefore := s.firstChunkID
	dropped := s.truncateChunksBefore(200)
	require.Greater(t, dropped, 0)
	require.Equal(t, firstBefore+dropped, s.firstChunkID)
	for _, c := range s.chunks {
		require.GreaterOrEqual(t, c.MaxTime, int64(200))
	}
}

func TestMemSeriesTailBufferIterator(t *testing.T) {
	s := newMemSeries(mustTSID(1), 10000)

	var samples [][2]interface{}
	for i := int64(0); i < 10; i++ {
		s.append(i, float64(i))
		samples = append(samples, [2]interface{}{i, float64(i)})
	}

	id := s.chunkID(len(s.chunks) - 1)
	it := s.iterator(id)
	require.NotNil(t, it)

	var got [][2]interface{}
	for it.Next() {
		tt, v := it.At()
		got = append(got, [2]interface{}{tt, v})
	}
	require.NoError(t, it.Err())
	require.Equal(t, samples, got)
}

func TestMemSeriesResetClearsState(t *testing.T) {
	s := newMemSeries(mustTSID(1), 1000)
	s.append(1, 1.0)
	s.pendingCommit = true

	s.reset()
	require.Equal(t, 0, len(s.chunks))
	require.Equal(t, 0, s.firstChunkID)
	require.Equal(t, int64(math.MinInt64), s.nextAt)
	require.False(t, s.pendingCommit)
	require.Nil(t, s.app)
}
