// Package index implements the per-block index file from spec §4.4: a
// TSID -> chunk_meta_list mapping, an offset table, and a fixed-size
// trailer (TOC) pointing at both sections. Layout is grounded on the
// original_source/index/IndexWriter.hpp delta-coded chunk-meta scheme
// and the real Prometheus TSDB index format referenced via
// 201ba5a0_zhulongcheng-prometheus__tsdb-chunks-chunks.go's CRC/varint
// idiom (see DESIGN.md).
package index

import (
	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/chunks"
)

const (
	// MagicIndex is the 4-byte magic at the start of every index file.
	MagicIndex = 0xBAAAD700
	// FormatV1 is the only supported index format version.
	FormatV1 = 1
	// indexHeaderSize is magic(4) + version(1), padded so the series
	// section begins 8-byte aligned.
	indexHeaderSize = 4 + 1 + 3
	// tocSize is the fixed trailer: two 8-byte offsets plus a CRC32.
	tocSize = 8 + 8 + 4
)

// errInvalidChecksum marks a section whose trailing CRC32 didn't match.
var errInvalidChecksum = errors.New("index: invalid checksum")

// toc is the table-of-contents trailer read first on open.
type toc struct {
	seriesSectionOffset uint64
	offsetTableOffset   uint64
}

// Stub type aliases so callers can talk about chunk metadata without a
// second import of pkg/chunks in the common case.
type ChunkMeta = chunks.Meta
