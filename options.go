package tsdb

import "flag"

// Options configures an Open call (spec §6 "Options").
type Options struct {
	// BlockRanges is the ascending list of block-range widths (ms)
	// the head cuts against and the compactor levels toward. Index 0
	// is also the head's own chunk range.
	BlockRanges []int64

	// RetentionDuration, if non-zero, marks any block whose max time
	// trails the newest block's max time by more than this many
	// milliseconds as deletable.
	RetentionDuration uint64

	// MaxBytes, if non-zero, bounds the on-disk size of all blocks;
	// the oldest blocks past the budget are marked deletable.
	MaxBytes int64

	// WALSegmentSize controls the WAL: 0 uses the package default,
	// a positive value overrides the per-segment byte size, and a
	// negative value disables the WAL entirely.
	WALSegmentSize int64

	// NoLockFile disables the dir/lock advisory file lock.
	NoLockFile bool

	// AllowOverlappingBlocks disables reload's block-overlap
	// validation.
	AllowOverlappingBlocks bool
}

// DefaultBlockRanges is the teacher-scale ascending range ladder: a
// two-hour base range, tripling at each level (spec §4.8 "ascending
// range tiers").
var DefaultBlockRanges = []int64{
	2 * 60 * 60 * 1000,
	3 * 2 * 60 * 60 * 1000,
	9 * 2 * 60 * 60 * 1000,
}

// DefaultOptions returns the Options a programmatic caller gets
// without registering flags.
func DefaultOptions() *Options {
	return &Options{
		BlockRanges:    append([]int64(nil), DefaultBlockRanges...),
		WALSegmentSize: 0,
	}
}

// RegisterFlags wires Options onto fs in the Cortex/Loki house style:
// one flag per field except BlockRanges, which has no flag; defaults
// matching DefaultOptions.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.Uint64Var(&o.RetentionDuration, "tsdb.retention-duration", 0, "Delete blocks older than this many milliseconds once compacted out of the head. 0 disables time retention.")
	fs.Int64Var(&o.MaxBytes, "tsdb.max-bytes", 0, "Delete the oldest blocks once total block size exceeds this many bytes. 0 disables size retention.")
	fs.Int64Var(&o.WALSegmentSize, "tsdb.wal-segment-size", 0, "WAL segment size in bytes. 0 uses the package default; negative disables the WAL.")
	fs.BoolVar(&o.NoLockFile, "tsdb.no-lock-file", false, "Skip taking the advisory dir/lock file.")
	fs.BoolVar(&o.AllowOverlappingBlocks, "tsdb.allow-overlapping-blocks", false, "Skip reload's block time-range overlap validation.")
}
