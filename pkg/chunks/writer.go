package chunks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tsdbutil"
)

// Writer appends encoded chunks into a sequence of segment files under
// dir, cutting a new segment when the tail would exceed segmentSize
// (spec §4.3).
type Writer struct {
	dir         string
	segmentSize int64

	curFile *os.File
	curSeq  uint32
	wbuf    *bufio.Writer
	n       int64
	crc32   hash.Hash32
	hdrBuf  [binary.MaxVarintLen64 + 1]byte
}

// NewWriter creates dir if needed and returns a Writer ready to accept
// chunks. segmentSize <= 0 selects DefaultChunkSegmentSize.
func NewWriter(dir string, segmentSize int64) (*Writer, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultChunkSegmentSize
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrap(err, "create chunks dir")
	}
	return &Writer{dir: dir, segmentSize: segmentSize, crc32: tsdbutil.NewCRC32()}, nil
}

// segmentPath returns the path for segment sequence number seq.
func (w *Writer) segmentPath(seq uint32) string {
	return filepath.Join(w.dir, segmentName(seq))
}

// segmentName zero-pads seq to 8 digits, matching spec §4.3/§6's
// "chunks/00000001, ..." naming.
func segmentName(seq uint32) string {
	return fmt.Sprintf("%08d", seq)
}

func (w *Writer) cut() error {
	if err := w.finalizeTail(); err != nil {
		return err
	}

	seq := uint32(1)
	if w.curFile != nil {
		seq = w.curSeq + 1
	}
	f, err := os.OpenFile(w.segmentPath(seq), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return errors.Wrap(err, "create chunk segment")
	}

	hdr := make([]byte, SegmentHeaderSize)
	binary.BigEndian.PutUint32(hdr[:4], MagicChunks)
	hdr[4] = FormatV1
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return errors.Wrap(err, "write chunk segment header")
	}

	w.curFile = f
	w.curSeq = seq
	w.n = int64(len(hdr))
	if w.wbuf != nil {
		w.wbuf.Reset(f)
	} else {
		w.wbuf = bufio.NewWriterSize(f, 1<<20)
	}
	return nil
}

func (w *Writer) finalizeTail() error {
	if w.curFile == nil {
		return nil
	}
	if err := w.wbuf.Flush(); err != nil {
		return err
	}
	if err := w.curFile.Sync(); err != nil {
		return err
	}
	return w.curFile.Close()
}

// WriteChunks appends each chunk in chks to the current (or a freshly
// cut) segment, filling in Ref as (seq<<32)|offset before the bytes are
// flushed (spec §4.3).
func (w *Writer) WriteChunks(chks []Meta) error {
	var total int64
	for _, c := range chks {
		total += int64(len(c.Chunk.Bytes())) + binary.MaxVarintLen64 + 1 + 4
	}

	if w.curFile == nil || w.n+total > w.segmentSize {
		if err := w.cut(); err != nil {
			return err
		}
	}

	for i := range chks {
		chk := &chks[i]
		b := chk.Chunk.Bytes()
		offset := uint32(w.n)

		n := putChunkHeader(w.hdrBuf[:], chk.Chunk.Encoding(), len(b))
		if err := w.write(w.hdrBuf[:n]); err != nil {
			return err
		}
		if err := w.write(b); err != nil {
			return err
		}

		w.crc32.Reset()
		w.crc32.Write(w.hdrBuf[n-1 : n]) // encoding byte
		w.crc32.Write(b)
		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], w.crc32.Sum32())
		if err := w.write(crcBuf[:]); err != nil {
			return err
		}

		chk.Ref = NewRef(w.curSeq, offset)
	}
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.wbuf.Write(b)
	w.n += int64(n)
	return err
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	return w.finalizeTail()
}
