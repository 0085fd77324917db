package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tsdbutil"
)

// CorruptionError reports a CRC or framing failure at a precise
// segment/offset, which callers turn into a Repair call (spec §4.5
// "Reader: streams records across segments; on a CRC or framing
// failure returns CorruptionError{segment, offset, cause}").
type CorruptionError struct {
	Segment int
	Offset  int64
	Cause   error
}

func (e *CorruptionError) Error() string {
	return errors.Wrapf(e.Cause, "wal corruption in segment %d at offset %d", e.Segment, e.Offset).Error()
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// Reader streams logical records across a WAL directory's segments in
// sequence order, starting from segment `from`.
type Reader struct {
	dir  string
	segs []int
	idx  int // index into segs of the currently open segment

	f      *os.File
	off    int64 // byte offset within f already consumed
	rec    []byte
	err    error
	closed bool
}

// NewReader opens a Reader over dir's segments starting at sequence from.
func NewReader(dir string, from int) (*Reader, error) {
	return NewReaderRange(dir, from, -1)
}

// NewReaderRange opens a Reader over dir's segments in [from, through].
// through < 0 means unbounded (read to the last segment present).
func NewReaderRange(dir string, from, through int) (*Reader, error) {
	_, last, err := Segments(dir)
	if err != nil {
		return nil, err
	}
	var segs []int
	if last >= 0 {
		s, err := segmentSequences(dir)
		if err != nil {
			return nil, err
		}
		for _, seq := range s {
			if seq < from {
				continue
			}
			if through >= 0 && seq > through {
				continue
			}
			segs = append(segs, seq)
		}
	}
	r := &Reader{dir: dir, segs: segs, idx: -1}
	return r, nil
}

// Err returns the last error encountered, including any *CorruptionError.
func (r *Reader) Err() error { return r.err }

// Record returns the most recently read logical record's bytes. Valid
// until the next call to Next.
func (r *Reader) Record() []byte { return r.rec }

func (r *Reader) openNext() bool {
	r.idx++
	if r.idx >= len(r.segs) {
		return false
	}
	if r.f != nil {
		r.f.Close()
	}
	f, err := openSegmentForRead(r.dir, r.segs[r.idx])
	if err != nil {
		r.err = err
		return false
	}
	r.f = f
	r.off = 0
	return true
}

func (r *Reader) curSeq() int { return r.segs[r.idx] }

// Next advances to the next logical record, reassembling it from
// however many page fragments it spans. It returns false at EOF or on
// the first unrecoverable error (check Err).
func (r *Reader) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	if r.f == nil {
		if !r.openNext() {
			return false
		}
	}

	var rec []byte
	for {
		typ, body, err := r.readFragment()
		if err == errPagePadding {
			continue
		}
		if err == io.EOF {
			if !r.openNext() {
				return false
			}
			continue
		}
		if err != nil {
			r.err = err
			return false
		}

		switch typ {
		case fragmentFull:
			r.rec = body
			return true
		case fragmentFirst:
			rec = append([]byte{}, body...)
		case fragmentMiddle:
			if rec == nil {
				r.err = &CorruptionError{Segment: r.curSeq(), Offset: r.off, Cause: errors.New("middle fragment without a preceding first fragment")}
				return false
			}
			rec = append(rec, body...)
		case fragmentLast:
			if rec == nil {
				r.err = &CorruptionError{Segment: r.curSeq(), Offset: r.off, Cause: errors.New("last fragment without a preceding first fragment")}
				return false
			}
			rec = append(rec, body...)
			r.rec = rec
			return true
		default:
			r.err = &CorruptionError{Segment: r.curSeq(), Offset: r.off, Cause: errors.Errorf("invalid fragment type %d", typ)}
			return false
		}
	}
}

// errPagePadding signals that readFragment landed on the all-zero
// padding at the tail of a page: the caller should keep reading from
// the same segment, resuming at the next page boundary.
var errPagePadding = errors.New("wal: page padding")

// readFragment reads one fragment header+body from the current
// segment, advancing past any all-zero page padding it encounters.
func (r *Reader) readFragment() (fragmentType, []byte, error) {
	startOff := r.off
	hdr := make([]byte, recordHeaderSize)
	n, err := io.ReadFull(r.f, hdr)
	if err == io.EOF && n == 0 {
		return 0, nil, io.EOF
	}
	if err != nil {
		return 0, nil, &CorruptionError{Segment: r.curSeq(), Offset: startOff, Cause: errors.Wrap(err, "read fragment header")}
	}

	typ := fragmentType(hdr[0])
	if typ == 0 {
		// Zero byte: page padding written by the writer's padPage. Skip
		// to the next page boundary and keep reading this segment.
		pageEnd := (startOff/pageSize + 1) * pageSize
		// The header read may already have run past pageEnd when the
		// padding is shorter than a header; skip is negative then.
		skip := pageEnd - (startOff + recordHeaderSize)
		if skip != 0 {
			if _, err := r.f.Seek(skip, io.SeekCurrent); err != nil {
				return 0, nil, err
			}
		}
		r.off = pageEnd
		return 0, nil, errPagePadding
	}

	length := binary.BigEndian.Uint16(hdr[1:3])
	wantCRC := binary.BigEndian.Uint32(hdr[3:7])

	body := make([]byte, length)
	if _, err := io.ReadFull(r.f, body); err != nil {
		return 0, nil, &CorruptionError{Segment: r.curSeq(), Offset: startOff, Cause: errors.Wrap(err, "read fragment body")}
	}

	gotCRC := crc32.Checksum(append([]byte{hdr[0]}, body...), tsdbutil.Castagnoli)
	if gotCRC != wantCRC {
		return 0, nil, &CorruptionError{Segment: r.curSeq(), Offset: startOff, Cause: errors.Errorf("crc mismatch: got %x want %x", gotCRC, wantCRC)}
	}

	r.off += int64(recordHeaderSize + int(length))
	return typ, body, nil
}

// Close releases the currently open segment file handle, if any.
func (r *Reader) Close() error {
	r.closed = true
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}
