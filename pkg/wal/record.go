package wal

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/famarks/tsdb/pkg/tombstones"
	"github.com/famarks/tsdb/pkg/tsdbutil"
	"github.com/famarks/tsdb/pkg/tsid"
)

// errInvalidRecord marks a logical record whose body is too short or
// malformed for its declared entry type.
var errInvalidRecord = errors.New("wal: invalid record")

// Sample is a single (tsid, t, v) triple as buffered by a commit.
type Sample struct {
	Ref tsid.TSID
	T   int64
	V   float64
}

// TombstoneRecord is one series' tombstoned intervals as logged by a
// delete; it mirrors tombstones.Intervals but stays decoupled from the
// in-memory Reader/MemTombstones type.
type TombstoneRecord struct {
	Ref       tsid.TSID
	Intervals tombstones.Intervals
}

func halves(id tsid.TSID) (hi, lo uint64) {
	return binary.BigEndian.Uint64(id[0:8]), binary.BigEndian.Uint64(id[8:16])
}

func fromHalves(hi, lo uint64) tsid.TSID {
	var id tsid.TSID
	binary.BigEndian.PutUint64(id[0:8], hi)
	binary.BigEndian.PutUint64(id[8:16], lo)
	return id
}

// EncodeSeries appends a SERIES record body (spec §4.5: "repeated
// TSID") to buf and returns it.
func EncodeSeries(buf []byte, refs []tsid.TSID) []byte {
	buf = append(buf, byte(EntrySeries))
	for _, r := range refs {
		buf = append(buf, r[:]...)
	}
	return buf
}

// DecodeSeries parses a SERIES record body produced by EncodeSeries.
func DecodeSeries(b []byte) ([]tsid.TSID, error) {
	if len(b) < 1 || entryType(b[0]) != EntrySeries {
		return nil, errInvalidRecord
	}
	b = b[1:]
	if len(b)%tsid.Size != 0 {
		return nil, errors.Wrap(errInvalidRecord, "series: trailing bytes")
	}
	out := make([]tsid.TSID, 0, len(b)/tsid.Size)
	for len(b) > 0 {
		var id tsid.TSID
		copy(id[:], b[:tsid.Size])
		out = append(out, id)
		b = b[tsid.Size:]
	}
	return out, nil
}

// EncodeSamples appends a SAMPLES record body (spec §4.5: "first_tsid
// | first_t" then per-sample deltas) to buf. An empty samples slice
// encodes as the bare entry-type byte, which DecodeSamples reads back
// as nil.
//
// The TSID delta is not itself a single integer (spec §3 defines TSID
// as an opaque 16-byte value, not a small sequential ref), so each
// sample's TSID is split into its high and low 64-bit halves and each
// half is delta-encoded independently against the first sample's
// corresponding half. This is exact for the common case where a
// commit's buffered TSIDs share a stable high half, and always
// lossless: an arbitrarily large delta only costs extra varint bytes,
// it never loses precision.
func EncodeSamples(buf []byte, samples []Sample) []byte {
	buf = append(buf, byte(EntrySamples))
	if len(samples) == 0 {
		return buf
	}
	first := samples[0]
	buf = append(buf, first.Ref[:]...)

	var tmp [binary.MaxVarintLen64]byte
	n := tsdbutil.PutVarint(tmp[:], first.T)
	buf = append(buf, tmp[:n]...)

	firstHi, firstLo := halves(first.Ref)
	for _, s := range samples {
		hi, lo := halves(s.Ref)
		n = tsdbutil.PutVarint(tmp[:], int64(hi)-int64(firstHi))
		buf = append(buf, tmp[:n]...)
		n = tsdbutil.PutVarint(tmp[:], int64(lo)-int64(firstLo))
		buf = append(buf, tmp[:n]...)
		n = tsdbutil.PutVarint(tmp[:], s.T-first.T)
		buf = append(buf, tmp[:n]...)

		var vbuf [8]byte
		binary.BigEndian.PutUint64(vbuf[:], math.Float64bits(s.V))
		buf = append(buf, vbuf[:]...)
	}
	return buf
}

// DecodeSamples parses a SAMPLES record body produced by EncodeSamples.
func DecodeSamples(b []byte) ([]Sample, error) {
	if len(b) < 1 || entryType(b[0]) != EntrySamples {
		return nil, errInvalidRecord
	}
	b = b[1:]
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) < tsid.Size {
		return nil, errors.Wrap(errInvalidRecord, "samples: truncated first tsid")
	}
	var firstRef tsid.TSID
	copy(firstRef[:], b[:tsid.Size])
	b = b[tsid.Size:]
	firstHi, firstLo := halves(firstRef)

	firstT, n, err := tsdbutil.Varint(b)
	if err != nil {
		return nil, errors.Wrap(err, "samples: decode first_t")
	}
	b = b[n:]

	var out []Sample
	for len(b) > 0 {
		dhi, n, err := tsdbutil.Varint(b)
		if err != nil {
			return nil, errors.Wrap(err, "samples: decode tsid hi delta")
		}
		b = b[n:]
		dlo, n, err := tsdbutil.Varint(b)
		if err != nil {
			return nil, errors.Wrap(err, "samples: decode tsid lo delta")
		}
		b = b[n:]
		dt, n, err := tsdbutil.Varint(b)
		if err != nil {
			return nil, errors.Wrap(err, "samples: decode t delta")
		}
		b = b[n:]
		if len(b) < 8 {
			return nil, errors.Wrap(errInvalidRecord, "samples: truncated value bits")
		}
		v := math.Float64frombits(binary.BigEndian.Uint64(b[:8]))
		b = b[8:]

		out = append(out, Sample{
			Ref: fromHalves(uint64(int64(firstHi)+dhi), uint64(int64(firstLo)+dlo)),
			T:   firstT + dt,
			V:   v,
		})
	}
	return out, nil
}

// EncodeTombstones appends a TOMBSTONES record body (spec §4.5:
// "repeated (TSID, interval_count_uvarint,
// [min_t_signed_varint, (max_t-min_t)_uvarint]*)") to buf.
func EncodeTombstones(buf []byte, stones []TombstoneRecord) []byte {
	buf = append(buf, byte(EntryTombstones))
	var tmp [binary.MaxVarintLen64]byte
	for _, s := range stones {
		buf = append(buf, s.Ref[:]...)
		n := tsdbutil.PutUvarint(tmp[:], uint64(len(s.Intervals)))
		buf = append(buf, tmp[:n]...)
		for _, iv := range s.Intervals {
			n = tsdbutil.PutVarint(tmp[:], iv.Mint)
			buf = append(buf, tmp[:n]...)
			n = tsdbutil.PutUvarint(tmp[:], uint64(iv.Maxt-iv.Mint))
			buf = append(buf, tmp[:n]...)
		}
	}
	return buf
}

// DecodeTombstones parses a TOMBSTONES record body produced by
// EncodeTombstones.
func DecodeTombstones(b []byte) ([]TombstoneRecord, error) {
	if len(b) < 1 || entryType(b[0]) != EntryTombstones {
		return nil, errInvalidRecord
	}
	b = b[1:]

	var out []TombstoneRecord
	for len(b) > 0 {
		if len(b) < tsid.Size {
			return nil, errors.Wrap(errInvalidRecord, "tombstones: truncated tsid")
		}
		var id tsid.TSID
		copy(id[:], b[:tsid.Size])
		b = b[tsid.Size:]

		count, n, err := tsdbutil.Uvarint(b)
		if err != nil {
			return nil, errors.Wrap(err, "tombstones: decode interval count")
		}
		b = b[n:]

		ivs := make(tombstones.Intervals, 0, int(count))
		for i := uint64(0); i < count; i++ {
			mint, n, err := tsdbutil.Varint(b)
			if err != nil {
				return nil, errors.Wrap(err, "tombstones: decode mint")
			}
			b = b[n:]
			width, n, err := tsdbutil.Uvarint(b)
			if err != nil {
				return nil, errors.Wrap(err, "tombstones: decode width")
			}
			b = b[n:]
			ivs = append(ivs, tombstones.Interval{Mint: mint, Maxt: mint + int64(width)})
		}
		out = append(out, TombstoneRecord{Ref: id, Intervals: ivs})
	}
	return out, nil
}

// PeekEntryType reports the entry type tag of a logical record's body
// without fully decoding it. Used by Reader consumers that dispatch on
// type before choosing a decoder.
func PeekEntryType(b []byte) (entryType, error) {
	if len(b) < 1 {
		return 0, errInvalidRecord
	}
	return entryType(b[0]), nil
}
