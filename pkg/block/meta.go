// Package block implements the immutable on-disk block directory from
// spec §4.7: a reader-composition wrapper tying an index reader, a
// chunk reader and a tombstone reader together behind refcounted
// handles, plus the meta.json sidecar describing the block's time
// range and compaction ancestry.
//
// Grounded on original_source/block/Block.hpp for the reader-wrapper
// shape (BlockChunkReader/BlockIndexReader/BlockTombstoneReader plus
// pending_readers/closing) and on spec §6's BlockMeta JSON shape.
package block

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// MetaVersion is the only meta.json schema version this engine reads
// or writes (spec §6 "version: 1").
const MetaVersion = 1

// BlockStats counts the content of a block (spec §6 BlockMeta.stats).
type BlockStats struct {
	NumSamples    uint64 `json:"numSamples"`
	NumSeries     uint64 `json:"numSeries"`
	NumChunks     uint64 `json:"numChunks"`
	NumTombstones uint64 `json:"numTombstones"`
}

// BlockCompaction records a block's place in the compaction DAG (spec
// §6 BlockMeta.compaction).
type BlockCompaction struct {
	Level     int         `json:"level"`
	Sources   []ulid.ULID `json:"sources"`
	Parents   []ulid.ULID `json:"parents"`
	Deletable bool        `json:"deletable"`
}

// Meta is the parsed form of a block's meta.json (spec §6 "BlockMeta
// JSON").
type Meta struct {
	ULID    ulid.ULID `json:"ulid"`
	MinTime int64     `json:"minTime"`
	MaxTime int64     `json:"maxTime"`

	Stats      BlockStats      `json:"stats"`
	Compaction BlockCompaction `json:"compaction"`
	Version    int             `json:"version"`
}

// ReadMetaFile parses the meta.json file inside dir.
func ReadMetaFile(dir string) (*Meta, error) {
	b, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, errors.Wrap(err, "read meta.json")
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "decode meta.json")
	}
	return &m, nil
}

// WriteMetaFile pretty-prints meta to dir/meta.json, fsyncing before
// rename so a crash never leaves a half-written meta.json behind
// (spec §4.8 "Write the block atomically... fsync, rename").
func WriteMetaFile(dir string, meta *Meta) error {
	meta.Version = MetaVersion

	tmp := filepath.Join(dir, "meta.json.tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create meta.json.tmp")
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err := enc.Encode(meta); err != nil {
		f.Close()
		return errors.Wrap(err, "encode meta.json")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync meta.json.tmp")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close meta.json.tmp")
	}
	if err := os.Rename(tmp, filepath.Join(dir, "meta.json")); err != nil {
		return errors.Wrap(err, "rename meta.json.tmp")
	}
	return nil
}
