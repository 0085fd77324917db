package tombstones

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tsdbutil"
	"github.com/famarks/tsdb/pkg/tsid"
)

const (
	// MagicTombstone is the 4-byte magic at the start of a tombstones file.
	MagicTombstone = 0x0130BA30
	// FormatV1 is the only supported tombstones file version.
	FormatV1 = 1
)

// errInvalidChecksum marks a tombstones file whose trailing CRC32
// doesn't match its body.
var errInvalidChecksum = errors.New("tombstones: invalid checksum")

// WriteFile persists t to path using the layout from spec §6:
// magic u32 | ver u8 | [ TSID | interval_count uvarint | intervals* ]* | crc32.
// Series are written in TSID order so the file is byte-stable across
// runs given the same tombstone set.
func WriteFile(path string, t *MemTombstones) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return errors.Wrap(err, "create tombstones file")
	}
	bw := bufio.NewWriterSize(f, 1<<16)
	crc := tsdbutil.NewCRC32()
	mw := io.MultiWriter(bw, crc)

	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], MagicTombstone)
	hdr[4] = FormatV1
	if _, err := mw.Write(hdr[:]); err != nil {
		return err
	}

	t.mtx.RLock()
	ids := make([]tsid.TSID, 0, len(t.groups))
	for id := range t.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	var tmp [binary.MaxVarintLen64]byte
	var werr error
	for _, id := range ids {
		ivs := t.groups[id]
		if _, err := mw.Write(id[:]); err != nil {
			werr = err
			break
		}
		n := tsdbutil.PutUvarint(tmp[:], uint64(len(ivs)))
		if _, err := mw.Write(tmp[:n]); err != nil {
			werr = err
			break
		}
		for _, iv := range ivs {
			n = tsdbutil.PutVarint(tmp[:], iv.Mint)
			if _, err := mw.Write(tmp[:n]); err != nil {
				werr = err
				break
			}
			n = tsdbutil.PutUvarint(tmp[:], uint64(iv.Maxt-iv.Mint))
			if _, err := mw.Write(tmp[:n]); err != nil {
				werr = err
				break
			}
		}
		if werr != nil {
			break
		}
	}
	t.mtx.RUnlock()
	if werr != nil {
		f.Close()
		return werr
	}

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc.Sum32())
	if _, err := bw.Write(crcBuf[:]); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// ReadFile loads a tombstones file written by WriteFile.
func ReadFile(path string) (*MemTombstones, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) < 5+4 {
		return nil, errors.New("tombstones: file too small")
	}
	if m := binary.BigEndian.Uint32(b[:4]); m != MagicTombstone {
		return nil, errors.Errorf("tombstones: invalid magic %x", m)
	}
	if b[4] != FormatV1 {
		return nil, errors.Errorf("tombstones: unsupported format %d", b[4])
	}

	body := b[:len(b)-4]
	crc := tsdbutil.NewCRC32()
	crc.Write(body)
	if got := binary.BigEndian.Uint32(b[len(b)-4:]); got != crc.Sum32() {
		return nil, errInvalidChecksum
	}

	t := NewMemTombstones()
	p := 5
	for p < len(body) {
		if p+tsid.Size > len(body) {
			return nil, errors.New("tombstones: truncated series id")
		}
		var id tsid.TSID
		copy(id[:], body[p:p+tsid.Size])
		p += tsid.Size

		count, n, err := tsdbutil.Uvarint(body[p:])
		if err != nil {
			return nil, errors.Wrap(err, "tombstones: decode interval count")
		}
		p += n

		ivs := make(Intervals, 0, int(count))
		for i := uint64(0); i < count; i++ {
			mint, n, err := tsdbutil.Varint(body[p:])
			if err != nil {
				return nil, errors.Wrap(err, "tombstones: decode interval mint")
			}
			p += n
			width, n, err := tsdbutil.Uvarint(body[p:])
			if err != nil {
				return nil, errors.Wrap(err, "tombstones: decode interval width")
			}
			p += n
			ivs = append(ivs, Interval{Mint: mint, Maxt: mint + int64(width)})
		}
		t.groups[id] = ivs
	}
	return t, nil
}
