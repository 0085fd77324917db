package block

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/chunkenc"
	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/index"
	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsid"
)

// IndexReader is the read side of a block's series(tsid) -> chunk-meta
// lookup (spec §4.4), narrowed to what callers outside pkg/index need.
type IndexReader interface {
	Series(id tsid.TSID) ([]chunks.Meta, error)
	Postings() []tsid.TSID
	Close() error
}

// ChunkReader is the read side of a block's chunk-by-ref lookup (spec
// §4.3).
type ChunkReader interface {
	Chunk(ref uint64) (chunkenc.Chunk, error)
	Close() error
}

// Block is an immutable on-disk directory covering a half-open time
// range (spec §4.7). It wraps its three readers behind refcounted
// handles: Index/Chunks/Tombstones each bump the pending wait group, and the
// caller must call the returned release func when done.
type Block struct {
	mtx     sync.RWMutex
	pending sync.WaitGroup
	closing bool

	dir  string
	meta Meta

	chunkr ChunkReader
	indexr IndexReader
	tombr  *tombstones.MemTombstones
}

// OpenBlock opens the block directory at dir, memory-mapping its index
// and chunk segments and loading its tombstone file (if any) and
// meta.json.
func OpenBlock(dir string) (*Block, error) {
	meta, err := ReadMetaFile(dir)
	if err != nil {
		return nil, err
	}

	ir, err := index.NewFileReader(filepath.Join(dir, "index"))
	if err != nil {
		return nil, errors.Wrap(err, "open block index")
	}
	cr, err := chunks.NewDirReader(filepath.Join(dir, "chunks"))
	if err != nil {
		ir.Close()
		return nil, errors.Wrap(err, "open block chunks")
	}

	tombPath := filepath.Join(dir, "tombstones")
	tr, err := tombstones.ReadFile(tombPath)
	if err != nil {
		tr = tombstones.NewMemTombstones()
	}

	return &Block{
		dir:    dir,
		meta:   *meta,
		chunkr: cr,
		indexr: ir,
		tombr:  tr,
	}, nil
}

// Dir returns the block's directory.
func (b *Block) Dir() string { return b.dir }

// Meta returns a copy of the block's meta.json contents.
func (b *Block) Meta() Meta {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.meta
}

// MinTime returns the block's lower time bound.
func (b *Block) MinTime() int64 { return b.Meta().MinTime }

// MaxTime returns the block's upper time bound.
func (b *Block) MaxTime() int64 { return b.Meta().MaxTime }

// ULID returns the block's directory-name identifier.
func (b *Block) ULID() ulid.ULID { return b.Meta().ULID }

// OverlapsClosedInterval reports whether [mint,maxt] intersects the
// block's half-open [MinTime, MaxTime) range (spec §4.7
// "overlap_closed").
func (b *Block) OverlapsClosedInterval(mint, maxt int64) bool {
	m := b.Meta()
	return m.MinTime <= maxt && mint < m.MaxTime
}

// startRead registers a pending reader unless the block is closing,
// returning false if the block is already shutting down.
func (b *Block) startRead() bool {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if b.closing {
		return false
	}
	b.pending.Add(1)
	return true
}

func (b *Block) doneRead() { b.pending.Done() }

// Index returns the block's index reader along with a release func the
// caller must invoke exactly once when finished.
func (b *Block) Index() (IndexReader, func(), error) {
	if !b.startRead() {
		return nil, func() {}, errors.New("block: closing")
	}
	return b.indexr, b.doneRead, nil
}

// Chunks returns the block's chunk reader along with a release func.
func (b *Block) Chunks() (ChunkReader, func(), error) {
	if !b.startRead() {
		return nil, func() {}, errors.New("block: closing")
	}
	return b.chunkr, b.doneRead, nil
}

// Tombstones returns the block's tombstone set along with a release
// func.
func (b *Block) Tombstones() (*tombstones.MemTombstones, func(), error) {
	if !b.startRead() {
		return nil, func() {}, errors.New("block: closing")
	}
	return b.tombr, b.doneRead, nil
}

// Delete records [mint, maxt] as tombstoned for every id in ids and
// persists the updated tombstone set (spec §4.9 "Each block's del
// writes interval records to its in-memory tombstone set and persists
// them to tombstones").
func (b *Block) Delete(mint, maxt int64, ids []tsid.TSID) error {
	tr, done, err := b.Tombstones()
	if err != nil {
		return err
	}
	defer done()

	for _, id := range ids {
		tr.AddInterval(id, tombstones.Interval{Mint: mint, Maxt: maxt})
	}

	b.mtx.Lock()
	b.meta.Stats.NumTombstones = tr.Total()
	b.mtx.Unlock()

	return tombstones.WriteFile(filepath.Join(b.dir, "tombstones"), tr)
}

// SetCompactionFailed clears the block's compaction.deletable flag and
// persists meta.json (spec §4.8 "compaction.deletable"). It records no
// failure marker, and the planner does not exclude the block from
// later compaction plans.
func (b *Block) SetCompactionFailed() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.meta.Compaction.Deletable = false
	return WriteMetaFile(b.dir, &b.meta)
}

// SetDeletable marks the block deletable, to be picked up by the next
// plan() call (spec §4.8 "Any block with compaction.deletable = true
// is returned alone to trigger deletion").
func (b *Block) SetDeletable() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.meta.Compaction.Deletable = true
	return WriteMetaFile(b.dir, &b.meta)
}

// Size returns the total byte size of the block's files on disk, used
// by size-based retention (spec §4.9 "size retention marks blocks
// past a size budget").
func (b *Block) Size() int64 {
	var sz int64
	filepath.Walk(b.dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			sz += info.Size()
		}
		return nil
	})
	return sz
}

// Close marks the block closing, waits for outstanding readers to
// release their handles, then releases the underlying mapped files
// (spec §4.7 "close() sets closing, blocks until pending_readers
// drains, then releases mapped files").
func (b *Block) Close() error {
	b.mtx.Lock()
	b.closing = true
	b.mtx.Unlock()

	b.pending.Wait()

	var err error
	if cerr := b.indexr.Close(); cerr != nil {
		err = cerr
	}
	if cerr := b.chunkr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
