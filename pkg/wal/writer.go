package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tsdbutil"
)

// DefaultSegmentSize is used when NewSize is given segmentSize <= 0.
// It matches the real upstream Prometheus WAL's default and is a
// whole multiple of pageSize.
const DefaultSegmentSize = 128 * 1024 * 1024

// WAL is the write side of the log: it fragments logical records into
// 32 KiB pages and rolls segment files once segmentSize is reached.
//
// A freshly opened WAL always starts a brand-new segment rather than
// resuming the previous tail file — mirroring the teacher's own
// invariant ("the WAL must be read completely before new entries are
// logged"): replay via Reader is expected to run first, and this
// writer only ever appends after that.
type WAL struct {
	mtx sync.Mutex

	dir         string
	logger      log.Logger
	segmentSize int64

	segment *os.File
	bw      *bufio.Writer
	seq     int

	page     [pageSize]byte
	n        int   // bytes filled in the current page
	flushed  int   // prefix of page[:n] already handed to bw
	segBytes int64 // bytes (whole pages) already flushed into the current segment

	closed bool
}

// New opens (creating dir if necessary) a WAL using DefaultSegmentSize.
func New(logger log.Logger, dir string) (*WAL, error) {
	return NewSize(logger, dir, DefaultSegmentSize)
}

// NewSize opens a WAL with a given segment size, rounded up to a whole
// number of pages.
func NewSize(logger log.Logger, dir string, segmentSize int64) (*WAL, error) {
	if logger == nil {
		logger = newNopLogger()
	}
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if rem := segmentSize % pageSize; rem != 0 {
		segmentSize += pageSize - rem
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrap(err, "create wal dir")
	}
	_, last, err := Segments(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:         dir,
		logger:      logger,
		segmentSize: segmentSize,
		seq:         last + 1,
	}
	if err := w.openSegment(w.seq); err != nil {
		return nil, err
	}
	return w, nil
}

// Dir returns the WAL's directory.
func (w *WAL) Dir() string { return w.dir }

func (w *WAL) openSegment(seq int) error {
	f, err := createSegment(w.dir, seq)
	if err != nil {
		return errors.Wrapf(err, "create wal segment %d", seq)
	}
	w.segment = f
	w.bw = bufio.NewWriterSize(f, pageSize)
	w.n = 0
	w.flushed = 0
	w.segBytes = 0
	return nil
}

// Segments returns the first and last segment sequence numbers
// present in the WAL's directory, including the currently open one.
func (w *WAL) Segments() (first, last int, err error) {
	return Segments(w.dir)
}

// Log appends one logical record, fragmenting it across pages as
// needed, and flushes it to the OS before returning (spec §4.5
// "returns only after the write reaches the OS").
func (w *WAL) Log(rec []byte) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if len(rec) == 0 {
		if pageSize-w.n < recordHeaderSize+1 {
			if err := w.finishPage(); err != nil {
				return err
			}
		}
		if err := w.writeFragment(fragmentFull, nil); err != nil {
			return err
		}
		return w.flush()
	}

	first := true
	for len(rec) > 0 {
		if pageSize-w.n < recordHeaderSize+1 {
			if err := w.finishPage(); err != nil {
				return err
			}
		}
		avail := pageSize - w.n - recordHeaderSize
		size := len(rec)
		if size > avail {
			size = avail
		}
		last := size == len(rec)

		var typ fragmentType
		switch {
		case first && last:
			typ = fragmentFull
		case first:
			typ = fragmentFirst
		case last:
			typ = fragmentLast
		default:
			typ = fragmentMiddle
		}
		if err := w.writeFragment(typ, rec[:size]); err != nil {
			return err
		}
		rec = rec[size:]
		first = false
	}
	return w.flush()
}

// writeFragment writes one fragment's header + body into the current
// page buffer, never crossing the page boundary.
func (w *WAL) writeFragment(typ fragmentType, body []byte) error {
	crc := crc32.Checksum(append([]byte{byte(typ)}, body...), tsdbutil.Castagnoli)

	hdr := w.page[w.n : w.n+recordHeaderSize]
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:3], uint16(len(body)))
	binary.BigEndian.PutUint32(hdr[3:7], crc)
	copy(w.page[w.n+recordHeaderSize:], body)
	w.n += recordHeaderSize + len(body)
	return nil
}

// padPage zero-fills the unwritten remainder of the current page and
// hands the rest of it (whatever wasn't already flushed by a prior
// flush call) to bw, leaving a fresh empty page ready for the next
// fragment. It does not decide whether to roll segments; callers do
// that based on the updated segBytes.
func (w *WAL) padPage() error {
	for i := w.n; i < pageSize; i++ {
		w.page[i] = 0
	}
	if _, err := w.bw.Write(w.page[w.flushed:pageSize]); err != nil {
		return errors.Wrap(err, "write wal page")
	}
	w.n = 0
	w.flushed = 0
	w.segBytes += pageSize
	return nil
}

// finishPage pads out the current page and rolls to a new segment if
// that brought the segment to its configured size. Used mid-stream
// from Log when a fragment no longer fits the current page.
func (w *WAL) finishPage() error {
	if err := w.padPage(); err != nil {
		return err
	}
	if w.segBytes >= w.segmentSize {
		return w.cut()
	}
	return nil
}

// flush hands the newly written tail of the current page — the part
// not yet passed to bw — through to the OS without padding, so
// records become durable as soon as Log returns without forcing a
// page roll.
func (w *WAL) flush() error {
	if w.n > w.flushed {
		if _, err := w.bw.Write(w.page[w.flushed:w.n]); err != nil {
			return errors.Wrap(err, "write wal page tail")
		}
		w.flushed = w.n
	}
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "flush wal writer")
	}
	return nil
}

// cut closes the current segment (padding it to a page boundary) and
// opens the next one.
func (w *WAL) cut() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.segment.Sync(); err != nil {
		return errors.Wrap(err, "sync wal segment")
	}
	if err := w.segment.Close(); err != nil {
		return errors.Wrap(err, "close wal segment")
	}
	w.seq++
	return w.openSegment(w.seq)
}

// NextSegment forces a roll to a new segment regardless of how full
// the current one is, padding out the in-flight page first. Used by
// Truncate/Checkpoint callers (spec §4.6 "advances WAL by ... running
// a checkpoint").
func (w *WAL) NextSegment() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.n > 0 {
		if err := w.padPage(); err != nil {
			return err
		}
	}
	return w.cut()
}

// Truncate unlinks all segments with sequence numbers below low (spec
// §4.5 "truncate(up_to_seq): unlinks all segments with seq < up_to_seq").
// The currently open write segment is never removed.
func (w *WAL) Truncate(low int) error {
	w.mtx.Lock()
	cur := w.seq
	w.mtx.Unlock()

	seqs, err := segmentSequences(w.dir)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if seq >= low || seq == cur {
			continue
		}
		if err := os.Remove(segmentPath(w.dir, seq)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove wal segment %d", seq)
		}
		level.Debug(w.logger).Log("msg", "truncated wal segment", "seq", seq)
	}
	return nil
}

// Close flushes and pads the current segment to a page boundary and
// closes its file descriptor.
func (w *WAL) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if w.n > 0 {
		if err := w.padPage(); err != nil {
			return err
		}
	} else {
		if err := w.bw.Flush(); err != nil {
			return err
		}
	}
	if err := w.segment.Sync(); err != nil {
		return errors.Wrap(err, "sync wal segment")
	}
	return w.segment.Close()
}
