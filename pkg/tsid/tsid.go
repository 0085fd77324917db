// Package tsid defines the opaque per-series identifier (spec §3 "TSID")
// shared by every layer of the engine: the head's stripe map, the WAL's
// record bodies, the index file's series section, and the compactor's
// merge keys. It is a leaf package (no dependency on head/block/compact)
// so both the root package and every subsystem package can import it
// without creating an import cycle.
package tsid

import (
	"bytes"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Size is the fixed width of a TSID in bytes (spec §3).
const Size = 16

// TSID is an opaque, totally ordered, hashable per-series identifier
// supplied by the caller (the label-matching/indexing layer, out of
// scope per spec §1).
type TSID [Size]byte

// Compare returns -1, 0 or 1 as a orders before, equal to, or after b,
// giving TSID the total ordering spec §3 requires.
func (a TSID) Compare(b TSID) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether a sorts strictly before b.
func (a TSID) Less(b TSID) bool { return a.Compare(b) < 0 }

// String renders the TSID as lowercase hex, used by log lines and the
// CLI's selector syntax.
func (a TSID) String() string { return hex.EncodeToString(a[:]) }

// FromHex parses a hex-encoded TSID, as produced by String.
func FromHex(s string) (TSID, error) {
	var t TSID
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, err
	}
	if len(b) != Size {
		return t, ErrBadSize
	}
	copy(t[:], b)
	return t, nil
}

// ErrBadSize is returned by FromHex when the decoded bytes aren't
// exactly Size long.
var ErrBadSize = errSize{}

type errSize struct{}

func (errSize) Error() string { return "tsid: decoded value is not 16 bytes" }

// Hash returns a 64-bit hash of the id, used to select a head stripe
// bucket (spec §3 "StripeSeries") and a WAL-replay shard (spec §4.6).
func (a TSID) Hash() uint64 {
	return xxhash.Sum64(a[:])
}
