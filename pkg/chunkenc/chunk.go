// Package chunkenc implements the Gorilla-style XOR encoding used to pack
// (timestamp, value) samples for a single series into a compact byte
// buffer (spec §4.2). The package mirrors the teacher's chunk-encoder
// shape (github.com/famarks/loki's pkg/chunkenc/memchunk.go): a small
// Chunk/Appender/Iterator interface set and pkg/errors for error
// wrapping. Chunk bytes carry no checksum here; pkg/chunks adds the CRC
// when it writes them to disk.
package chunkenc

import (
	"github.com/pkg/errors"
)

// Encoding is a tag identifying the byte layout of a Chunk's payload.
type Encoding byte

// Supported encodings. XOR is the only required encoding (spec §3); None
// marks an unset/invalid chunk.
const (
	EncNone Encoding = iota
	EncXOR
)

func (e Encoding) String() string {
	switch e {
	case EncNone:
		return "none"
	case EncXOR:
		return "XOR"
	default:
		return "<unknown>"
	}
}

// Sentinel errors surfaced by iterators and appenders.
var (
	// ErrOutOfOrderSample names a t that is not strictly greater than
	// the last appended timestamp. Appender.Append has no error result
	// and never returns it; the ordering check is the caller's.
	ErrOutOfOrderSample = errors.New("out of order sample")
	// errEarlyEOF marks a bit stream that ran out of bits before the
	// declared number of samples was produced; surfaced unwrapped
	// through Iterator.Err.
	errEarlyEOF = errors.New("unexpected end of chunk bit stream")
)

// Chunk holds a run of encoded samples for one series (spec §3 "Chunk").
// Implementations must be safe for a single concurrent appender plus any
// number of concurrent iterators created before the appender's next call
// (spec §4.2: "observable after each append and remains decodable even
// though still being written").
type Chunk interface {
	// Bytes returns the encoded byte buffer. For a chunk still being
	// appended to, the slice grows in place; callers that need a stable
	// snapshot must copy it.
	Bytes() []byte
	// Encoding reports the tag identifying this chunk's byte layout.
	Encoding() Encoding
	// Appender returns an Appender that continues writing this chunk
	// from its current state. It is only valid to have one live
	// Appender per chunk.
	Appender() (Appender, error)
	// Iterator returns a fresh iterator over the chunk, reusing it if
	// reuse is non-nil and of a compatible concrete type.
	Iterator(reuse Iterator) Iterator
	// NumSamples returns the number of samples currently encoded.
	NumSamples() int
}

// Appender appends successive (t, v) pairs to the chunk it was obtained
// from. Callers are responsible for rejecting t <= last_t before calling
// Append (spec §4.2 "the appender MUST always reject..."); Append itself
// does not check the ordering.
type Appender interface {
	Append(t int64, v float64)
}

// Iterator is an advance-then-read cursor over a Chunk's samples.
type Iterator interface {
	// Next advances the iterator and reports whether a sample is
	// available via At. It must be called before the first At.
	Next() bool
	// At returns the sample the iterator currently points to. Its
	// result is undefined unless the most recent Next returned true.
	At() (t int64, v float64)
	// Err returns the error that caused Next to return false, or nil on
	// clean exhaustion.
	Err() error
}

// NewChunk builds an empty Chunk for the given encoding.
func NewChunk(e Encoding) (Chunk, error) {
	switch e {
	case EncXOR:
		return NewXORChunk(), nil
	default:
		return nil, errors.Errorf("unknown chunk encoding %q", e)
	}
}

// FromBytes reconstructs a read-only Chunk view over b, previously
// produced by Bytes(). It performs no copy; b must outlive the chunk
// (the typical caller holds an mmap'd byte range, spec §4.3).
func FromBytes(e Encoding, b []byte) (Chunk, error) {
	switch e {
	case EncXOR:
		return &XORChunk{b: bstream{stream: b, count: 0}}, nil
	default:
		return nil, errors.Errorf("unknown chunk encoding %q", e)
	}
}
