package index

import (
	"bufio"
	"encoding/binary"
	"hash"
	"os"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/tsdbutil"
	"github.com/famarks/tsdb/pkg/tsid"
)

// Writer builds one block's index file. Series may be added via
// AddSeries in any order; Writer does not re-sort, so entries land in
// the file in insertion order, and readers look them up by TSID.
type Writer struct {
	f   *os.File
	buf *bufio.Writer
	pos uint64

	seriesOffsets map[tsid.TSID]uint64 // ref = byte offset / 16
	order         []tsid.TSID

	entryBuf []byte
	crcHash  hash.Hash32
}

// NewWriter creates (truncating) the index file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, errors.Wrap(err, "create index file")
	}
	w := &Writer{
		f:             f,
		buf:           bufio.NewWriterSize(f, 1<<20),
		seriesOffsets: make(map[tsid.TSID]uint64),
		entryBuf:      make([]byte, 0, 1024),
		crcHash:       tsdbutil.NewCRC32(),
	}
	hdr := make([]byte, indexHeaderSize)
	binary.BigEndian.PutUint32(hdr[:4], MagicIndex)
	hdr[4] = FormatV1
	if err := w.write(hdr); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.buf.Write(b)
	w.pos += uint64(n)
	return err
}

// pad writes zero bytes until pos is a multiple of 16, the alignment
// invariant the offset table's ref/16 encoding depends on (spec §4.4).
func (w *Writer) pad() error {
	rem := w.pos % 16
	if rem == 0 {
		return nil
	}
	return w.write(make([]byte, 16-rem))
}

// AddSeries encodes one series' chunk-meta list using the delta-coded
// scheme from spec §4.4 and appends it 16-byte aligned.
func (w *Writer) AddSeries(id tsid.TSID, chks []chunks.Meta) error {
	if _, ok := w.seriesOffsets[id]; ok {
		return errors.Errorf("index: duplicate series %s", id)
	}
	if err := w.pad(); err != nil {
		return err
	}

	body := w.entryBuf[:0]
	var tmp [binary.MaxVarintLen64]byte

	n := tsdbutil.PutUvarint(tmp[:], uint64(len(chks)))
	body = append(body, tmp[:n]...)

	var prevMax, prevRef int64
	for i, c := range chks {
		if i == 0 {
			n = tsdbutil.PutVarint(tmp[:], c.MinTime)
			body = append(body, tmp[:n]...)
			n = tsdbutil.PutUvarint(tmp[:], uint64(c.MaxTime-c.MinTime))
			body = append(body, tmp[:n]...)
			n = tsdbutil.PutUvarint(tmp[:], c.Ref)
			body = append(body, tmp[:n]...)
		} else {
			n = tsdbutil.PutUvarint(tmp[:], uint64(c.MinTime-prevMax))
			body = append(body, tmp[:n]...)
			n = tsdbutil.PutUvarint(tmp[:], uint64(c.MaxTime-c.MinTime))
			body = append(body, tmp[:n]...)
			n = tsdbutil.PutVarint(tmp[:], int64(c.Ref)-prevRef)
			body = append(body, tmp[:n]...)
		}
		prevMax = c.MaxTime
		prevRef = int64(c.Ref)
	}

	lenBuf := make([]byte, binary.MaxVarintLen64)
	ln := tsdbutil.PutUvarint(lenBuf, uint64(len(body)))

	offset := w.pos
	if err := w.write(lenBuf[:ln]); err != nil {
		return err
	}
	if err := w.write(body); err != nil {
		return err
	}

	w.crcHash.Reset()
	w.crcHash.Write(body)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], w.crcHash.Sum32())
	if err := w.write(crcBuf[:]); err != nil {
		return err
	}

	ref := offset / 16
	w.seriesOffsets[id] = ref
	w.order = append(w.order, id)
	return nil
}

// Close writes the offset table and TOC trailer and closes the file.
func (w *Writer) Close() error {
	if err := w.pad(); err != nil {
		return err
	}
	offsetTableOffset := w.pos

	var entryBuf []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, id := range w.order {
		entryBuf = append(entryBuf, id[:]...)
		n := tsdbutil.PutUvarint(tmp[:], w.seriesOffsets[id])
		entryBuf = append(entryBuf, tmp[:n]...)
	}

	var lenHdr [8]byte
	binary.BigEndian.PutUint32(lenHdr[:4], uint32(len(entryBuf)))
	binary.BigEndian.PutUint32(lenHdr[4:], uint32(len(w.order)))
	if err := w.write(lenHdr[:]); err != nil {
		return err
	}
	if err := w.write(entryBuf); err != nil {
		return err
	}

	w.crcHash.Reset()
	w.crcHash.Write(entryBuf)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], w.crcHash.Sum32())
	if err := w.write(crcBuf[:]); err != nil {
		return err
	}

	var t toc
	t.seriesSectionOffset = indexHeaderSize
	t.offsetTableOffset = offsetTableOffset

	tocBuf := make([]byte, tocSize)
	binary.BigEndian.PutUint64(tocBuf[0:8], t.seriesSectionOffset)
	binary.BigEndian.PutUint64(tocBuf[8:16], t.offsetTableOffset)
	w.crcHash.Reset()
	w.crcHash.Write(tocBuf[:16])
	binary.BigEndian.PutUint32(tocBuf[16:20], w.crcHash.Sum32())
	if err := w.write(tocBuf); err != nil {
		return err
	}

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}
