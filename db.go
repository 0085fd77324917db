package tsdb

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/famarks/tsdb/pkg/block"
	"github.com/famarks/tsdb/pkg/compact"
	"github.com/famarks/tsdb/pkg/head"
	"github.com/famarks/tsdb/pkg/tsid"
	"github.com/famarks/tsdb/pkg/wal"
)

// deleteWorkers bounds how many blocks/head ranges Delete dispatches
// to concurrently (spec §3 "ThreadPool", sized to match the original's
// 8-thread pool).
const deleteWorkers = 8

// DB ties the on-disk block set, the in-memory head and the leveled
// compactor together behind a single lifecycle loop (spec §4.9).
type DB struct {
	dir     string
	lock    *dirLock
	opts    *Options
	logger  log.Logger
	metrics *dbMetrics

	mtx    sync.RWMutex
	blocks []*block.Block

	head      *head.Head
	wal       *wal.WAL
	compactor *compact.LeveledCompactor

	cmutex sync.Mutex // serializes compaction against deletion

	autoCompactMtx sync.Mutex
	autoCompact    bool

	compactc      chan struct{}
	stopc         chan struct{}
	compactCancel chan struct{}
	donec         chan struct{}
}

// Open creates or opens a DB rooted at dir: it takes the advisory
// directory lock, opens (or creates) the WAL, replays it into a fresh
// Head, and loads any on-disk blocks before starting the background
// reload/compact loop (spec §4.9; grounded on original_source/db/DB.cpp's
// constructor body).
func Open(dir string, logger log.Logger, reg prometheus.Registerer, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if len(opts.BlockRanges) == 0 {
		opts.BlockRanges = append([]int64(nil), DefaultBlockRanges...)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrap(err, "create db dir")
	}

	db := &DB{
		dir:           dir,
		opts:          opts,
		logger:        logger,
		metrics:       newDBMetrics(reg),
		compactor:     compact.NewLeveledCompactor(logger, compact.Ranges(opts.BlockRanges)),
		stopc:         make(chan struct{}),
		compactCancel: make(chan struct{}),
		compactc:      make(chan struct{}, 1),
		donec:         make(chan struct{}),
		autoCompact:   true,
	}

	if !opts.NoLockFile {
		l, err := lockDir(dir)
		if err != nil {
			return nil, errors.Wrap(err, "lock db directory")
		}
		db.lock = l
	}

	var w *wal.WAL
	if opts.WALSegmentSize >= 0 {
		var err error
		if opts.WALSegmentSize > 0 {
			w, err = wal.NewSize(logger, filepath.Join(dir, "wal"), opts.WALSegmentSize)
		} else {
			w, err = wal.New(logger, filepath.Join(dir, "wal"))
		}
		if err != nil {
			db.lock.Release()
			return nil, errors.Wrap(err, "create wal")
		}
	}
	db.wal = w

	h, err := head.New(logger, w, opts.BlockRanges[0])
	if err != nil {
		db.lock.Release()
		return nil, errors.Wrap(err, "create head")
	}
	db.head = h

	if err := db.reload(); err != nil {
		db.lock.Release()
		return nil, errors.Wrap(err, "initial reload")
	}

	// The min valid time for ingested samples is no lower than the
	// max time of the newest on-disk block (spec §3 supplement: "db
	// runs reload before the first compaction attempt on Open").
	minValidTime := int64(math.MinInt64)
	if blocks := db.Blocks(); len(blocks) > 0 {
		minValidTime = blocks[len(blocks)-1].MaxTime()
	}
	if err := db.head.Init(minValidTime); err != nil {
		return nil, errors.Wrap(err, "head init")
	}

	go db.run()
	return db, nil
}

// Dir returns the DB's root directory.
func (db *DB) Dir() string { return db.dir }

// Head returns the DB's in-memory write buffer.
func (db *DB) Head() *head.Head { return db.head }

// Blocks returns a snapshot of the currently loaded on-disk blocks.
func (db *DB) Blocks() []*block.Block {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	return append([]*block.Block(nil), db.blocks...)
}

func (db *DB) getBlock(u ulid.ULID) *block.Block {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	for _, b := range db.blocks {
		if b.ULID() == u {
			return b
		}
	}
	return nil
}

// DisableCompactions turns off the background loop's automatic
// compact() calls, e.g. for tests that want to drive compaction by
// hand.
func (db *DB) DisableCompactions() {
	db.autoCompactMtx.Lock()
	defer db.autoCompactMtx.Unlock()
	db.autoCompact = false
}

// EnableCompactions turns the background loop's automatic compact()
// calls back on.
func (db *DB) EnableCompactions() {
	db.autoCompactMtx.Lock()
	defer db.autoCompactMtx.Unlock()
	db.autoCompact = true
}

func blockDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "tmp-") {
			// Left behind by a block creation that failed before its
			// final rename.
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := ulid.Parse(e.Name()); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(dir, e.Name()))
	}
	return dirs, nil
}

// openBlocks opens every block directory under db.dir not already
// held in memory, returning the full loadable set plus a map of
// ULIDs whose directory exists but failed to open (spec §4.9 "open
// the block or reuse the already-open handle").
func (db *DB) openBlocks() ([]*block.Block, map[ulid.ULID]error, error) {
	dirs, err := blockDirs(db.dir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list block dirs")
	}

	corrupted := map[ulid.ULID]error{}
	var blocks []*block.Block
	for _, dir := range dirs {
		meta, err := block.ReadMetaFile(dir)
		if err != nil {
			level.Error(db.logger).Log("msg", "cannot read block meta", "dir", dir, "err", err)
			continue
		}
		if b := db.getBlock(meta.ULID); b != nil {
			blocks = append(blocks, b)
			continue
		}
		b, err := block.OpenBlock(dir)
		if err != nil {
			corrupted[meta.ULID] = err
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, corrupted, nil
}

// deletableBlocks sorts blocks newest-first by max time and unions the
// explicitly-deletable set with time and size retention (spec §4.9
// "Retention").
func (db *DB) deletableBlocks(blocks []*block.Block) map[ulid.ULID]*block.Block {
	deletable := map[ulid.ULID]*block.Block{}

	sorted := append([]*block.Block(nil), blocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MaxTime() > sorted[j].MaxTime() })

	for _, b := range sorted {
		if b.Meta().Compaction.Deletable {
			deletable[b.ULID()] = b
		}
	}
	for u, b := range db.beyondTimeRetention(sorted) {
		deletable[u] = b
	}
	for u, b := range db.beyondSizeRetention(sorted) {
		deletable[u] = b
	}
	return deletable
}

// beyondTimeRetention expects sorted newest-first by max time.
func (db *DB) beyondTimeRetention(sorted []*block.Block) map[ulid.ULID]*block.Block {
	deletable := map[ulid.ULID]*block.Block{}
	if len(sorted) == 0 || db.opts.RetentionDuration == 0 {
		return deletable
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[0].MaxTime()-sorted[i].MaxTime() > int64(db.opts.RetentionDuration) {
			for j := i; j < len(sorted); j++ {
				deletable[sorted[j].ULID()] = sorted[j]
			}
			break
		}
	}
	return deletable
}

// beyondSizeRetention expects sorted newest-first by max time.
func (db *DB) beyondSizeRetention(sorted []*block.Block) map[ulid.ULID]*block.Block {
	deletable := map[ulid.ULID]*block.Block{}
	if len(sorted) == 0 || db.opts.MaxBytes <= 0 {
		return deletable
	}
	var size int64
	for i, b := range sorted {
		size += b.Size()
		if size > db.opts.MaxBytes {
			for j := i; j < len(sorted); j++ {
				deletable[sorted[j].ULID()] = sorted[j]
			}
			break
		}
	}
	return deletable
}

// deleteBlocks closes (if loaded) and removes every block directory
// in deletable.
func (db *DB) deleteBlocks(deletable map[ulid.ULID]*block.Block) {
	for u, b := range deletable {
		if b != nil {
			if err := b.Close(); err != nil {
				level.Error(db.logger).Log("msg", "closing block before delete failed", "block", u, "err", err)
			}
		}
		if err := os.RemoveAll(filepath.Join(db.dir, u.String())); err != nil {
			level.Error(db.logger).Log("msg", "delete block failed", "block", u, "err", err)
			continue
		}
		if db.metrics != nil {
			db.metrics.deletedBlocks.Inc()
		}
	}
}

// overlappingBlocks returns one description per adjacent pair of
// mint-sorted blocks whose ranges overlap. Sorted order makes the
// adjacent-pair check sufficient: if block i overlapped some later
// block j > i+1, it would also overlap i+1 since mint is
// non-decreasing across the slice.
func overlappingBlocks(blocks []*block.Block) []string {
	var out []string
	for i := 1; i < len(blocks); i++ {
		if blocks[i-1].MaxTime() > blocks[i].MinTime() {
			out = append(out, fmt.Sprintf("[%s,%s)", blocks[i-1].ULID(), blocks[i].ULID()))
		}
	}
	return out
}

func validateBlockSequence(blocks []*block.Block) error {
	if overlaps := overlappingBlocks(blocks); len(overlaps) > 0 {
		return errors.Errorf("blocks time ranges overlap: %s", strings.Join(overlaps, ", "))
	}
	return nil
}

// reload rescans db.dir for block directories, applies retention,
// deletes obsolete blocks and truncates the head up to the newest
// loaded block's max time (spec §4.9 "Reload tick").
func (db *DB) reload() error {
	if db.metrics != nil {
		db.metrics.reloads.Inc()
	}

	loadable, corrupted, err := db.openBlocks()
	if err != nil {
		if db.metrics != nil {
			db.metrics.reloadFailures.Inc()
		}
		return err
	}

	deletable := db.deletableBlocks(loadable)

	// Corrupted blocks that have been replaced by parents can be
	// ignored: creating a new block and deleting its parents isn't
	// atomic, so a crash mid-compaction can leave the parent corrupt
	// and still present. Picking up its deletion here makes reload
	// resilient to that crash (spec §7 "A failed block creation
	// leaves a tmp-<ulid> directory that the next reload deletes").
	for _, b := range loadable {
		for _, p := range b.Meta().Compaction.Parents {
			delete(corrupted, p)
			deletable[p] = nil
		}
	}
	if len(corrupted) > 0 {
		for _, b := range loadable {
			b.Close()
		}
		var ids []string
		for u := range corrupted {
			ids = append(ids, u.String())
		}
		if db.metrics != nil {
			db.metrics.reloadFailures.Inc()
		}
		return errors.Errorf("unexpected corrupted blocks: %s", strings.Join(ids, ", "))
	}

	kept := loadable[:0]
	for _, b := range loadable {
		if _, ok := deletable[b.ULID()]; ok {
			deletable[b.ULID()] = b
			continue
		}
		kept = append(kept, b)
	}
	loadable = kept
	sort.Slice(loadable, func(i, j int) bool { return loadable[i].MinTime() < loadable[j].MinTime() })

	if !db.opts.AllowOverlappingBlocks {
		if err := validateBlockSequence(loadable); err != nil {
			if db.metrics != nil {
				db.metrics.reloadFailures.Inc()
			}
			return errors.Wrap(err, "invalid block sequence (overlapping blocks)")
		}
	}

	// Swap the new block set in before deleting so readers that start
	// after this point never see a block slated for deletion.
	db.mtx.Lock()
	for _, b := range db.blocks {
		if _, ok := deletable[b.ULID()]; ok {
			deletable[b.ULID()] = b
		}
	}
	db.blocks = loadable
	db.mtx.Unlock()

	if overlaps := overlappingBlocks(loadable); len(overlaps) > 0 {
		level.Warn(db.logger).Log("msg", "overlapping blocks found during reload", "detail", strings.Join(overlaps, ", "))
	}

	db.deleteBlocks(deletable)
	if db.metrics != nil {
		db.metrics.loadedBlocks.Set(float64(len(loadable)))
	}

	if len(loadable) == 0 {
		return nil
	}
	if err := db.head.Truncate(loadable[len(loadable)-1].MaxTime()); err != nil {
		return errors.Wrap(err, "head truncate failed")
	}
	return nil
}

// rangeForTimestamp returns the exclusive upper bound of the R-aligned
// bucket containing t (spec §4.9 design notes, same formula pkg/head
// uses to pace chunk cuts).
func rangeForTimestamp(t, r int64) int64 {
	return r * (t/r + 1)
}

// compact first persists head data once the head spans more than
// 1.5·r0, then runs plan+compact on on-disk blocks until the plan is
// empty (spec §4.9 "Compact tick").
func (db *DB) compact() error {
	db.cmutex.Lock()
	defer db.cmutex.Unlock()

	for {
		select {
		case <-db.compactCancel:
			return nil
		default:
		}

		if db.head.MaxTime()-db.head.MinTime() <= db.opts.BlockRanges[0]/2*3 {
			break
		}

		mint := db.head.MinTime()
		maxt := rangeForTimestamp(mint, db.opts.BlockRanges[0])

		// Write takes the block's half-open [mint, maxt), so the new
		// block's MaxTime is the range end the head is truncated to.
		uid, err := db.compactor.Write(db.dir, db.head, mint, maxt)
		if err != nil {
			return errors.Wrap(err, "persist head block")
		}
		if err := db.reload(); err != nil {
			os.RemoveAll(filepath.Join(db.dir, uid.String()))
			return errors.Wrap(err, "reload blocks")
		}
		if uid == (ulid.ULID{}) {
			// The persisted range produced no samples; reload has
			// nothing to truncate on, so do it directly.
			if err := db.head.Truncate(maxt); err != nil {
				return errors.Wrap(err, "head truncate failed (in compact)")
			}
		}
	}

	for {
		plan, err := db.compactor.Plan(db.dir)
		if err != nil {
			return errors.Wrap(err, "plan compaction")
		}
		if len(plan) == 0 {
			break
		}

		select {
		case <-db.compactCancel:
			return nil
		default:
		}

		uid, err := db.compactor.Compact(db.dir, plan)
		if err != nil {
			return errors.Wrapf(err, "compact %v", plan)
		}
		if err := db.reload(); err != nil {
			os.RemoveAll(filepath.Join(db.dir, uid.String()))
			return errors.Wrap(err, "reload blocks")
		}
	}
	return nil
}

func exponentialBackoff(d, min, max time.Duration) time.Duration {
	d *= 2
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// Compact runs one compaction pass synchronously, for callers (e.g.
// the CLI's "compact" subcommand) that want to trigger it outside the
// background loop's own schedule.
func (db *DB) Compact() error {
	return db.compact()
}

// run is the background lifecycle loop: it wakes on a one-minute
// ticker or a compaction signal from a commit that pushed the head
// past its compactable span, and backs off exponentially between 1s
// and 1m on repeated compaction failure (spec §4.9).
func (db *DB) run() {
	defer close(db.donec)

	var backoff time.Duration
	for {
		select {
		case <-db.stopc:
			return
		case <-time.After(backoff):
		}

		select {
		case <-db.stopc:
			return
		case <-db.compactCancel:
			return
		case <-time.After(time.Minute):
		case <-db.compactc:
		}

		db.autoCompactMtx.Lock()
		auto := db.autoCompact
		db.autoCompactMtx.Unlock()
		if !auto {
			continue
		}

		if err := db.compact(); err != nil {
			level.Error(db.logger).Log("msg", "compaction failed", "err", err)
			if db.metrics != nil {
				db.metrics.compactFailures.Inc()
			}
			backoff = exponentialBackoff(backoff, time.Second, time.Minute)
			select {
			case <-db.compactCancel:
				return
			default:
			}
			continue
		}
		if db.metrics != nil {
			db.metrics.compactions.Inc()
		}
		backoff = 0
	}
}

// signalCompaction asks the background loop to run a compaction pass
// now instead of waiting for the next tick (spec §4.9 "also signalled
// by the appender when head.max - head.min > 1.5 r0").
func (db *DB) signalCompaction() {
	select {
	case db.compactc <- struct{}{}:
	default:
	}
}

// Appender returns a new Appender over the head, whose Commit signals
// the background loop to compact if the head has grown past its
// compactable span (spec §6 "engine.appender()"; grounded on
// original_source/db/DBAppender.hpp).
func (db *DB) Appender() Appender {
	return &dbAppender{app: db.head.Appender(), db: db}
}

// Delete dispatches Block.Delete to every on-disk block overlapping
// [mint, maxt] and to the head, through a small bounded worker pool,
// aggregating any failures into a multi-error (spec §4.9 "del").
func (db *DB) Delete(mint, maxt int64, ids []tsid.TSID) error {
	db.cmutex.Lock()
	defer db.cmutex.Unlock()

	blocks := db.Blocks()

	var jobs []func() error
	for _, b := range blocks {
		b := b
		if !b.OverlapsClosedInterval(mint, maxt) {
			continue
		}
		jobs = append(jobs, func() error {
			return errors.Wrapf(b.Delete(mint, maxt, ids), "delete block %s", b.ULID())
		})
	}
	if db.head.OverlapsClosedInterval(mint, maxt) {
		jobs = append(jobs, func() error {
			return errors.Wrap(db.head.Delete(mint, maxt, ids), "delete head")
		})
	}
	if len(jobs) == 0 {
		return nil
	}

	workers := deleteWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobc := make(chan func() error)
	errc := make(chan error, len(jobs))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobc {
				if err := j(); err != nil {
					errc <- err
				}
			}
		}()
	}
	for _, j := range jobs {
		jobc <- j
	}
	close(jobc)
	wg.Wait()
	close(errc)

	var merr *multierror.Error
	for err := range errc {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// CleanTombstones rewrites every on-disk block with tombstoned samples
// physically removed, then reloads so the old blocks (now listed as
// parents of their replacements) are deleted (spec §6
// "engine.clean_tombstones()").
func (db *DB) CleanTombstones() error {
	db.cmutex.Lock()
	defer db.cmutex.Unlock()

	blocks := db.Blocks()

	var newIDs []ulid.ULID
	var retErr error
	for _, b := range blocks {
		uid, err := db.compactor.CleanTombstones(db.dir, b)
		if err != nil {
			retErr = errors.Wrapf(err, "clean tombstones %s", b.Dir())
			break
		}
		if uid != (ulid.ULID{}) {
			newIDs = append(newIDs, uid)
		}
	}
	if retErr != nil {
		for _, u := range newIDs {
			if err := os.RemoveAll(filepath.Join(db.dir, u.String())); err != nil {
				level.Error(db.logger).Log("msg", "failed to delete block after failed clean_tombstones", "block", u, "err", err)
			}
		}
		return retErr
	}

	if err := db.reload(); err != nil {
		return errors.Wrap(err, "reload blocks in clean tombstones")
	}
	return nil
}

// Close stops the background loop, closes every loaded block and the
// WAL, and releases the directory lock (spec §5 "the engine holds a
// single exclusive advisory file lock on dir/lock for the DB's
// lifetime").
func (db *DB) Close() error {
	close(db.stopc)
	close(db.compactCancel)
	<-db.donec

	db.mtx.Lock()
	defer db.mtx.Unlock()

	var merr *multierror.Error
	for _, b := range db.blocks {
		if err := b.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := db.lock.Release(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
