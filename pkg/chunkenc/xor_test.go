package chunkenc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, it Iterator) ([]int64, []float64) {
	t.Helper()
	var ts []int64
	var vs []float64
	for it.Next() {
		tt, v := it.At()
		ts = append(ts, tt)
		vs = append(vs, v)
	}
	require.NoError(t, it.Err())
	return ts, vs
}

func TestXORChunkRoundTrip(t *testing.T) {
	cases := [][]struct {
		t int64
		v float64
	}{
		{{1, 1}},
		{{1, 1}, {2, 2}},
		{{1, 1}, {2, 2}, {3, 3}},
		{{0, 0}, {1000, 0}, {2000, 0}, {3000, 0}},
		{{1, 1.5}, {100001, -3.25}, {200002, 1e10}, {300003, -1e-10}},
	}
	for _, samples := range cases {
		c := NewXORChunk()
		app, err := c.Appender()
		require.NoError(t, err)
		for _, s := range samples {
			app.Append(s.t, s.v)
		}
		require.Equal(t, len(samples), c.NumSamples())

		ts, vs := collect(t, c.Iterator(nil))
		require.Len(t, ts, len(samples))
		for i, s := range samples {
			require.Equal(t, s.t, ts[i])
			require.Equal(t, s.v, vs[i])
		}
	}
}

func TestXORChunkRoundTripRandom(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	c := NewXORChunk()
	app, err := c.Appender()
	require.NoError(t, err)

	var wantT []int64
	var wantV []float64
	ts := int64(0)
	for i := 0; i < 2000; i++ {
		ts += int64(rnd.Intn(10000) + 1)
		v := rnd.NormFloat64() * 1e6
		app.Append(ts, v)
		wantT = append(wantT, ts)
		wantV = append(wantV, v)
	}

	gotT, gotV := collect(t, c.Iterator(nil))
	require.Equal(t, wantT, gotT)
	require.Equal(t, wantV, gotV)
}

func TestXORChunkAppendAfterReopen(t *testing.T) {
	c := NewXORChunk()
	app, err := c.Appender()
	require.NoError(t, err)
	app.Append(1, 1)
	app.Append(2, 2)

	// Obtain a fresh Appender over the same chunk bytes, as would happen
	// when a MemChunk is reloaded from the WAL tail buffer.
	app2, err := c.Appender()
	require.NoError(t, err)
	app2.Append(3, 3)

	gotT, gotV := collect(t, c.Iterator(nil))
	require.Equal(t, []int64{1, 2, 3}, gotT)
	require.Equal(t, []float64{1, 2, 3}, gotV)
}

func TestXORChunkIteratorReuse(t *testing.T) {
	c := NewXORChunk()
	app, err := c.Appender()
	require.NoError(t, err)
	app.Append(1, 1)
	app.Append(2, 2)

	it := c.Iterator(nil)
	collect(t, it)

	it2 := c.Iterator(it)
	gotT, gotV := collect(t, it2)
	require.Equal(t, []int64{1, 2}, gotT)
	require.Equal(t, []float64{1, 2}, gotV)
}

func TestXORChunkTruncatedIsError(t *testing.T) {
	c := NewXORChunk()
	app, err := c.Appender()
	require.NoError(t, err)
	for i := int64(0); i < 10; i++ {
		app.Append(i*1000, float64(i))
	}

	truncated, err := FromBytes(EncXOR, c.Bytes()[:len(c.Bytes())-3])
	require.NoError(t, err)

	it := truncated.Iterator(nil)
	for it.Next() {
	}
	require.Error(t, it.Err())
}
