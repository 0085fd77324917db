package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsid"
)

const checkpointPrefix = "checkpoint."

// ErrNoCheckpoint is returned by LastCheckpoint when dir has none
// (spec §4.5 "last_checkpoint(dir) returns ... or NOT_FOUND").
var ErrNoCheckpoint = errors.New("wal: no checkpoint found")

// CheckpointStats summarizes one Checkpoint call.
type CheckpointStats struct {
	From, To      int
	DroppedSeries int
	DroppedSamples int
}

func checkpointDirName(n int) string {
	return fmt.Sprintf("%s%08d", checkpointPrefix, n)
}

// LastCheckpoint returns the highest-numbered checkpoint directory
// under dir, or ErrNoCheckpoint if none exists.
func LastCheckpoint(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", -1, ErrNoCheckpoint
		}
		return "", -1, err
	}
	best := -1
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		if strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		if n > best {
			best = n
		}
	}
	if best < 0 {
		return "", -1, ErrNoCheckpoint
	}
	return filepath.Join(dir, checkpointDirName(best)), best, nil
}

// DeleteCheckpoints removes every checkpoint directory under dir whose
// index is below maxIndex, leaving the newest (superseding) one(s) in
// place.
func DeleteCheckpoints(dir string, maxIndex int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil || n >= maxIndex {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "remove checkpoint %s", e.Name())
		}
	}
	return nil
}

// Checkpoint compacts segments [from, to] of the WAL rooted at dir
// into a new checkpoint.<to> directory (spec §4.5 "checkpoint(wal,
// from_seq, to_seq, keep_tsid_fn, min_valid_time)"): series not kept
// by keepTSID are dropped, samples older than minValidTime are
// dropped, and tombstone intervals are merged per series with the
// same predicates applied.
func Checkpoint(logger log.Logger, dir string, from, to int, keepTSID func(tsid.TSID) bool, minValidTime int64) (*CheckpointStats, error) {
	if logger == nil {
		logger = newNopLogger()
	}
	stats := &CheckpointStats{From: from, To: to}

	cpDir := filepath.Join(dir, checkpointDirName(to))
	cpTmp := cpDir + ".tmp"
	if err := os.RemoveAll(cpTmp); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cpTmp, 0o777); err != nil {
		return nil, errors.Wrap(err, "create checkpoint tmp dir")
	}

	cpw, err := NewSize(logger, cpTmp, DefaultSegmentSize)
	if err != nil {
		return nil, err
	}

	r, err := NewReaderRange(dir, from, to)
	if err != nil {
		cpw.Close()
		return nil, err
	}
	defer r.Close()

	stones := map[tsid.TSID]tombstones.Intervals{}
	var buf []byte

	for r.Next() {
		rec := r.Record()
		et, err := PeekEntryType(rec)
		if err != nil {
			continue
		}
		switch et {
		case EntrySeries:
			refs, err := DecodeSeries(rec)
			if err != nil {
				return nil, errors.Wrap(err, "checkpoint: decode series")
			}
			kept := refs[:0]
			for _, ref := range refs {
				if keepTSID(ref) {
					kept = append(kept, ref)
				} else {
					stats.DroppedSeries++
				}
			}
			if len(kept) == 0 {
				continue
			}
			buf = EncodeSeries(buf[:0], kept)
			if err := cpw.Log(buf); err != nil {
				return nil, err
			}

		case EntrySamples:
			samples, err := DecodeSamples(rec)
			if err != nil {
				return nil, errors.Wrap(err, "checkpoint: decode samples")
			}
			kept := samples[:0]
			for _, s := range samples {
				if s.T >= minValidTime && keepTSID(s.Ref) {
					kept = append(kept, s)
				} else {
					stats.DroppedSamples++
				}
			}
			if len(kept) == 0 {
				continue
			}
			buf = EncodeSamples(buf[:0], kept)
			if err := cpw.Log(buf); err != nil {
				return nil, err
			}

		case EntryTombstones:
			recs, err := DecodeTombstones(rec)
			if err != nil {
				return nil, errors.Wrap(err, "checkpoint: decode tombstones")
			}
			for _, tr := range recs {
				if !keepTSID(tr.Ref) {
					continue
				}
				for _, iv := range tr.Intervals {
					if iv.Maxt < minValidTime {
						continue
					}
					stones[tr.Ref] = stones[tr.Ref].Add(iv)
				}
			}
		}
	}
	if err := r.Err(); err != nil {
		if _, ok := err.(*CorruptionError); !ok {
			return nil, errors.Wrap(err, "checkpoint: read source wal")
		}
		level.Warn(logger).Log("msg", "checkpoint hit wal corruption, stopping early", "err", err)
	}

	if len(stones) > 0 {
		ids := make([]tsid.TSID, 0, len(stones))
		for id := range stones {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
		tstones := make([]TombstoneRecord, 0, len(ids))
		for _, id := range ids {
			tstones = append(tstones, TombstoneRecord{Ref: id, Intervals: stones[id]})
		}
		buf = EncodeTombstones(buf[:0], tstones)
		if err := cpw.Log(buf); err != nil {
			return nil, err
		}
	}

	if err := cpw.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(cpTmp, cpDir); err != nil {
		return nil, errors.Wrap(err, "rename checkpoint tmp dir")
	}
	return stats, nil
}
