package wal

import (
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Repair truncates the segment named in cerr to cerr.Offset and
// unlinks every later segment, since none of them are reachable once
// a gap has been torn in the log (spec §4.5 "repair(CorruptionError):
// truncates the offending segment to offset, unlinks later segments
// ..., and seeks the writer to resume").
func Repair(dir string, logger log.Logger, cerr *CorruptionError) error {
	if logger == nil {
		logger = newNopLogger()
	}
	level.Warn(logger).Log("msg", "repairing wal", "segment", cerr.Segment, "offset", cerr.Offset, "err", cerr.Cause)

	f, err := openSegmentForWrite(dir, cerr.Segment)
	if err != nil {
		return errors.Wrapf(err, "open segment %d for repair", cerr.Segment)
	}
	if err := f.Truncate(cerr.Offset); err != nil {
		f.Close()
		return errors.Wrapf(err, "truncate segment %d", cerr.Segment)
	}
	if err := f.Close(); err != nil {
		return err
	}

	seqs, err := segmentSequences(dir)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if seq <= cerr.Segment {
			continue
		}
		if err := os.Remove(segmentPath(dir, seq)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove unreachable segment %d", seq)
		}
		level.Debug(logger).Log("msg", "removed unreachable wal segment", "seq", seq)
	}
	return nil
}
