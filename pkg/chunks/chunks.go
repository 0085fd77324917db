// Package chunks implements the on-disk chunk file layout from spec §4.3:
// a sequence of length-prefixed, CRC-framed encoded chunks inside
// segments named dir/chunks/00000001, 00000002, ... Layout and naming
// mirror the real Prometheus TSDB chunks.go (see DESIGN.md), adapted to
// address chunks by TSID-owned Meta rather than by a label-derived ref.
package chunks

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/chunkenc"
)

const (
	// MagicChunks is the 4-byte magic at the head of every chunk
	// segment file (spec §4.3).
	MagicChunks = 0xAEC710DD
	// FormatV1 is the only supported segment format version.
	FormatV1 = 1
	// SegmentHeaderSize is magic(4) + version(1) + padding(3), aligning
	// the first entry to an 8-byte boundary.
	SegmentHeaderSize = 4 + 1 + 3
	// DefaultChunkSegmentSize bounds how large a single segment file is
	// allowed to grow before the writer cuts a new one (spec §4.3).
	DefaultChunkSegmentSize = 512 * 1024 * 1024
)

// Meta describes one chunk's placement and time bounds, without its
// bytes (spec §3 "MemChunk", §4.4 "chunk_meta_list").
type Meta struct {
	// Ref is (segment_seq<<32)|offset once written to a block, or the
	// head's own dense per-series counter while still in memory.
	Ref uint64
	// Chunk is populated for chunks still resident in memory (head
	// tail, or a just-built compaction output); nil for chunks that
	// must be paged in from a Reader by Ref.
	Chunk            chunkenc.Chunk
	MinTime, MaxTime int64
}

// OverlapsClosedInterval reports whether [mint,maxt] intersects the
// chunk's closed time range.
func (m Meta) OverlapsClosedInterval(mint, maxt int64) bool {
	return m.MinTime <= maxt && mint <= m.MaxTime
}

// errInvalidSize is returned as is when a chunk ref, or the length
// encoded at it, points past the end of its segment; a CRC mismatch is
// reported by a separate error.
var errInvalidSize = errors.New("invalid chunk segment size")

// NewRef packs (sequence, offset) into the 64-bit Ref the spec
// requires (spec §4.3 "(seq<<32)|offset").
func NewRef(seq, offset uint32) uint64 {
	return (uint64(seq) << 32) | uint64(offset)
}

// SplitRef is the inverse of NewRef.
func SplitRef(ref uint64) (seq, offset uint32) {
	return uint32(ref >> 32), uint32(ref)
}

func putChunkHeader(buf []byte, enc chunkenc.Encoding, dataLen int) int {
	n := binary.PutUvarint(buf, uint64(dataLen))
	buf[n] = byte(enc)
	return n + 1
}
