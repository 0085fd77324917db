package index

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/chunks"
	"github.com/famarks/tsdb/pkg/tsdbutil"
	"github.com/famarks/tsdb/pkg/tsid"
)

// Reader serves series(tsid) -> chunk_meta_list lookups against a
// memory-mapped index file (spec §4.4).
type Reader struct {
	mf *tsdbutil.MmapFile
	b  []byte

	t             toc
	offsets       map[tsid.TSID]uint64 // ref = byte offset / 16
}

// NewFileReader opens and validates the index file at path.
func NewFileReader(path string) (*Reader, error) {
	mf, err := tsdbutil.OpenMmapFile(path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(mf)
	if err != nil {
		mf.Close()
		return nil, err
	}
	return r, nil
}

func newReader(mf *tsdbutil.MmapFile) (*Reader, error) {
	b := mf.Bytes()
	if len(b) < indexHeaderSize+tocSize {
		return nil, errors.New("index: file too small")
	}
	if m := binary.BigEndian.Uint32(b[:4]); m != MagicIndex {
		return nil, errors.Errorf("index: invalid magic %x", m)
	}
	if b[4] != FormatV1 {
		return nil, errors.Errorf("index: unsupported format %d", b[4])
	}

	r := &Reader{mf: mf, b: b}
	if err := r.readTOC(); err != nil {
		return nil, err
	}
	if err := r.readOffsetTable(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readTOC() error {
	n := len(r.b)
	tb := r.b[n-tocSize:]
	crc := tsdbutil.NewCRC32()
	crc.Write(tb[:16])
	if got := binary.BigEndian.Uint32(tb[16:20]); got != crc.Sum32() {
		return errInvalidChecksum
	}
	r.t.seriesSectionOffset = binary.BigEndian.Uint64(tb[0:8])
	r.t.offsetTableOffset = binary.BigEndian.Uint64(tb[8:16])
	return nil
}

func (r *Reader) readOffsetTable() error {
	off := r.t.offsetTableOffset
	if off+8 > uint64(len(r.b)) {
		return errors.New("index: offset table out of range")
	}
	totalLen := binary.BigEndian.Uint32(r.b[off : off+4])
	entryCount := binary.BigEndian.Uint32(r.b[off+4 : off+8])

	body := r.b[off+8 : off+8+uint64(totalLen)]
	crcOff := off + 8 + uint64(totalLen)
	if crcOff+4 > uint64(len(r.b)) {
		return errors.New("index: offset table truncated")
	}
	crc := tsdbutil.NewCRC32()
	crc.Write(body)
	if got := binary.BigEndian.Uint32(r.b[crcOff : crcOff+4]); got != crc.Sum32() {
		return errInvalidChecksum
	}

	r.offsets = make(map[tsid.TSID]uint64, int(entryCount))
	p := 0
	for i := uint32(0); i < entryCount; i++ {
		if p+tsid.Size > len(body) {
			return errors.New("index: offset table entry truncated")
		}
		var id tsid.TSID
		copy(id[:], body[p:p+tsid.Size])
		p += tsid.Size

		ref, n, err := tsdbutil.Uvarint(body[p:])
		if err != nil {
			return errors.Wrap(err, "index: decode offset table ref")
		}
		p += n
		r.offsets[id] = ref
	}
	return nil
}

// Series resolves id's chunk meta list (without chunk data bytes).
func (r *Reader) Series(id tsid.TSID) ([]chunks.Meta, error) {
	ref, ok := r.offsets[id]
	if !ok {
		return nil, ErrNotFound
	}
	offset := ref * 16
	if offset >= uint64(len(r.b)) {
		return nil, errors.New("index: series offset out of range")
	}

	bodyLen, n, err := tsdbutil.Uvarint(r.b[offset:])
	if err != nil {
		return nil, errors.Wrap(err, "index: decode series entry length")
	}
	bodyOff := offset + uint64(n)
	bodyEnd := bodyOff + bodyLen
	crcOff := bodyEnd
	if crcOff+4 > uint64(len(r.b)) {
		return nil, errors.New("index: series entry truncated")
	}
	body := r.b[bodyOff:bodyEnd]

	crc := tsdbutil.NewCRC32()
	crc.Write(body)
	if got := binary.BigEndian.Uint32(r.b[crcOff : crcOff+4]); got != crc.Sum32() {
		return nil, errInvalidChecksum
	}

	count, n, err := tsdbutil.Uvarint(body)
	if err != nil {
		return nil, errors.Wrap(err, "index: decode chunk count")
	}
	p := n

	out := make([]chunks.Meta, 0, int(count))
	var prevMax int64
	var prevRef int64
	for i := uint64(0); i < count; i++ {
		var mint, width, refDelta int64
		var uw uint64
		if i == 0 {
			mint, n, err = tsdbutil.Varint(body[p:])
			if err != nil {
				return nil, err
			}
			p += n
			uw, n, err = tsdbutil.Uvarint(body[p:])
			if err != nil {
				return nil, err
			}
			p += n
			width = int64(uw)
			var ref uint64
			ref, n, err = tsdbutil.Uvarint(body[p:])
			if err != nil {
				return nil, err
			}
			p += n
			refDelta = int64(ref)
			prevRef = refDelta
		} else {
			var dmin uint64
			dmin, n, err = tsdbutil.Uvarint(body[p:])
			if err != nil {
				return nil, err
			}
			p += n
			mint = prevMax + int64(dmin)

			uw, n, err = tsdbutil.Uvarint(body[p:])
			if err != nil {
				return nil, err
			}
			p += n
			width = int64(uw)

			var dref int64
			dref, n, err = tsdbutil.Varint(body[p:])
			if err != nil {
				return nil, err
			}
			p += n
			refDelta = prevRef + dref
			prevRef = refDelta
		}

		maxt := mint + width
		out = append(out, chunks.Meta{Ref: uint64(refDelta), MinTime: mint, MaxTime: maxt})
		prevMax = maxt
	}

	return out, nil
}

// ErrNotFound is returned by Series when id has no entry in this index.
var ErrNotFound = errors.New("index: series not found")

// Postings returns every TSID this index has an entry for, in sorted
// order (spec §3 "a sorted set of live TSIDs used only for full-scan
// enumeration").
func (r *Reader) Postings() []tsid.TSID {
	out := make([]tsid.TSID, 0, len(r.offsets))
	for id := range r.offsets {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Close unmaps the index file.
func (r *Reader) Close() error {
	return r.mf.Close()
}
