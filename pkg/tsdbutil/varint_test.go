package tsdbutil

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 127, 128, 16383, 16384, math.MaxUint32, math.MaxUint64}
	for _, v := range vals {
		buf := make([]byte, binary.MaxVarintLen64)
		n := PutUvarint(buf, v)
		got, m, err := Uvarint(buf[:n])
		require.NoError(t, err)
		require.Equal(t, n, m)
		require.Equal(t, v, got)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	vals := []int64{0, 1, -1, 127, -128, math.MaxInt64, math.MinInt64}
	for _, v := range vals {
		buf := make([]byte, binary.MaxVarintLen64)
		n := PutVarint(buf, v)
		got, m, err := Varint(buf[:n])
		require.NoError(t, err)
		require.Equal(t, n, m)
		require.Equal(t, v, got)
	}
}

func TestUvarintTruncated(t *testing.T) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := PutUvarint(buf, math.MaxUint64)
	_, _, err := Uvarint(buf[:n-1])
	require.Error(t, err)
}

func TestDoubleRoundTrip(t *testing.T) {
	vals := []float64{0, 1, -1, math.Pi, math.Inf(1), math.Inf(-1)}
	for _, v := range vals {
		buf := make([]byte, 8)
		PutDouble(buf, v)
		require.Equal(t, v, Double(buf))
	}
}

func TestMaxBitsAllNegative(t *testing.T) {
	// Regression for the Open Question: an all-negative batch including
	// math.MinInt64 must not over-count by one bit.
	b := MaxBits([]int64{math.MinInt64})
	require.Equal(t, 64, b)
	require.LessOrEqual(t, b, 65)

	b2 := MaxBits([]int64{-1, -2, -3})
	require.Equal(t, 3, b2) // -1..-3 fit in 3 signed bits ([-4,3])
}

func TestMaxBitsMixed(t *testing.T) {
	require.Equal(t, 1, MaxBits([]int64{0}))
	require.Equal(t, 9, MaxBits([]int64{-256, 255}))
}
