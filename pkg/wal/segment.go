package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// segmentName renders sequence number seq as the zero-padded filename
// used under dir/wal.
func segmentName(seq int) string {
	return fmt.Sprintf("%08d", seq)
}

// segmentPath joins dir and seq's rendered filename.
func segmentPath(dir string, seq int) string {
	return filepath.Join(dir, segmentName(seq))
}

// Segments scans dir for numerically named segment files and returns
// the first and last sequence numbers present (spec §4.5
// "segments(dir) → (first_seq, last_seq)"). If dir holds no segments,
// it returns (-1, -1, nil).
func Segments(dir string) (first, last int, err error) {
	seqs, err := segmentSequences(dir)
	if err != nil {
		return 0, 0, err
	}
	if len(seqs) == 0 {
		return -1, -1, nil
	}
	return seqs[0], seqs[len(seqs)-1], nil
}

func segmentSequences(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read wal dir")
	}
	var seqs []int
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "checkpoint.") {
			continue
		}
		seq, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		seqs = append(seqs, int(seq))
	}
	sort.Ints(seqs)
	return seqs, nil
}

// createSegment creates (failing if it exists) the segment file for seq.
func createSegment(dir string, seq int) (*os.File, error) {
	return os.OpenFile(segmentPath(dir, seq), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
}

// openSegmentForRead opens an existing segment file read-only.
func openSegmentForRead(dir string, seq int) (*os.File, error) {
	return os.Open(segmentPath(dir, seq))
}

// openSegmentForWrite opens an existing segment file read-write (used
// by Repair to truncate a corrupted segment).
func openSegmentForWrite(dir string, seq int) (*os.File, error) {
	return os.OpenFile(segmentPath(dir, seq), os.O_RDWR, 0o666)
}
