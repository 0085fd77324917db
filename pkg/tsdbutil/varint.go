// Package tsdbutil holds the low-level byte-level primitives shared by the
// on-disk formats: big-endian fixed width integers, LEB128 varints (signed
// via zig-zag), IEEE-754 bit (de)serialization, and the castagnoli CRC32
// used to frame every record in the chunk, index and WAL files.
package tsdbutil

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidSize is returned by decoders when the input does not contain
// enough bytes to satisfy the value being decoded.
var ErrInvalidSize = errors.New("invalid size")

// Castagnoli is the CRC32 table used throughout the storage engine. It is
// computed once at init time so every newCRC32 call shares the table.
var Castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewCRC32 returns a hash.Hash32 computing the castagnoli polynomial.
func NewCRC32() hash.Hash32 {
	return crc32.New(Castagnoli)
}

// PutUvarint encodes v into buf using unsigned LEB128 and returns the
// number of bytes written. buf must have at least binary.MaxVarintLen64
// bytes available.
func PutUvarint(buf []byte, v uint64) int {
	return binary.PutUvarint(buf, v)
}

// Uvarint decodes an unsigned LEB128 varint from buf, returning the value
// and the number of bytes consumed. It fails with ErrInvalidSize on a
// truncated buffer instead of silently returning binary.Uvarint's sentinel.
func Uvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, ErrInvalidSize
	}
	return v, n, nil
}

// PutVarint encodes v into buf using zig-zag signed LEB128 and returns the
// number of bytes written.
func PutVarint(buf []byte, v int64) int {
	return binary.PutVarint(buf, v)
}

// Varint decodes a zig-zag signed LEB128 varint from buf.
func Varint(buf []byte) (int64, int, error) {
	v, n := binary.Varint(buf)
	if n <= 0 {
		return 0, 0, ErrInvalidSize
	}
	return v, n, nil
}

// ReadUvarint reads a single unsigned varint from r, byte by byte. It is
// used by streaming readers (WAL, chunk file) that cannot slice a
// pre-sized buffer up front.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, errors.Wrap(err, "read uvarint")
	}
	return v, nil
}

// PutBE16 writes v as a big-endian uint16.
func PutBE16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }

// BE16 reads a big-endian uint16.
func BE16(buf []byte) uint16 { return binary.BigEndian.Uint16(buf) }

// PutBE32 writes v as a big-endian uint32.
func PutBE32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }

// BE32 reads a big-endian uint32.
func BE32(buf []byte) uint32 { return binary.BigEndian.Uint32(buf) }

// PutBE64 writes v as a big-endian uint64.
func PutBE64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }

// BE64 reads a big-endian uint64.
func BE64(buf []byte) uint64 { return binary.BigEndian.Uint64(buf) }

// PutDouble writes v as its big-endian IEEE-754 bit pattern.
func PutDouble(buf []byte, v float64) { PutBE64(buf, math.Float64bits(v)) }

// Double reads a big-endian IEEE-754 bit pattern as a float64.
func Double(buf []byte) float64 { return math.Float64frombits(BE64(buf)) }

// MaxBits returns the smallest b in [0,65] such that every sample in s
// fits in a signed integer of b bits. It is used by callers that want to
// choose a fixed-width encoding for a batch of timestamp (or other int64)
// deltas; the chunk codec itself only ever uses the bucketed delta scheme,
// but MaxBits is exercised directly by its own property test because the
// naive "count bits of abs(n)" approach over-counts the all-negative case
// by one (spec Open Question, see DESIGN.md).
func MaxBits(samples []int64) int {
	if len(samples) == 0 {
		return 0
	}
	var lo, hi int64 = samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return minSignedBits(lo, hi)
}

// minSignedBits returns the minimum number of bits b such that every value
// in [lo, hi] fits in a signed two's-complement integer of b bits,
// including the edge case lo == math.MinInt64.
func minSignedBits(lo, hi int64) int {
	// A value v needs ceil(log2(v+1))+1 bits if v >= 0, and
	// ceil(log2(-v))+1 bits if v < 0 (two's complement sign bit).
	// We fold both into "bit length of the one's-complement of the
	// negative bound vs. the positive bound", which is exact even for
	// lo == math.MinInt64 (^lo wraps correctly since Go ints are
	// two's-complement and ^MinInt64 == MaxInt64).
	var neg uint64
	if lo < 0 {
		neg = uint64(^lo)
	}
	var pos uint64
	if hi > 0 {
		pos = uint64(hi)
	}
	m := neg
	if pos > m {
		m = pos
	}
	return bitLen64(m) + 1
}

func bitLen64(v uint64) int {
	n := 0
	for v != 0 {
		v >>= 1
		n++
	}
	return n
}
