package chunkenc

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/famarks/tsdb/pkg/tsdbutil"
)

// XORChunk implements the Gorilla-style XOR encoding described in spec
// §4.2: a two-byte sample count followed by a bit stream in which the
// first sample is stored raw, the second as a plain delta, and every
// subsequent sample as a bucketed delta-of-delta plus an XOR'd value.
type XORChunk struct {
	b bstream
}

// NewXORChunk returns a new empty XOR chunk.
func NewXORChunk() *XORChunk {
	b := make([]byte, 2, 128)
	return &XORChunk{b: bstream{stream: b, count: 0}}
}

// Encoding implements Chunk.
func (c *XORChunk) Encoding() Encoding { return EncXOR }

// Bytes implements Chunk.
func (c *XORChunk) Bytes() []byte { return c.b.bytes() }

// NumSamples implements Chunk.
func (c *XORChunk) NumSamples() int {
	return int(binary.BigEndian.Uint16(c.Bytes()))
}

// Appender implements Chunk. It replays the chunk to reconstruct the
// appender's running state (last t/v, dod window, leading/trailing zero
// counts) and then hands back an appender that continues writing from
// there — the same "rebuild state from the tail" idiom the teacher's
// memchunk.go headBlock uses for its own append-continuation path.
func (c *XORChunk) Appender() (Appender, error) {
	it := c.iterator(nil)
	for it.Next() {
	}
	if it.Err() != nil {
		return nil, it.Err()
	}

	a := &xorAppender{
		b:        &c.b,
		t:        it.t,
		v:        it.val,
		tDelta:   it.tDelta,
		leading:  it.leading,
		trailing: it.trailing,
	}
	if binary.BigEndian.Uint16(a.b.bytes()) == 0 {
		a.leading = 0xff
	}
	return a, nil
}

func (c *XORChunk) iterator(it Iterator) *xorIterator {
	if xit, ok := it.(*xorIterator); ok {
		xit.Reset(c.b.bytes())
		return xit
	}
	return &xorIterator{
		br:       newBReader(c.b.bytes()),
		numTotal: binary.BigEndian.Uint16(c.b.bytes()),
		t:        math.MinInt64,
	}
}

// Iterator implements Chunk.
func (c *XORChunk) Iterator(it Iterator) Iterator {
	return c.iterator(it)
}

type xorAppender struct {
	b *bstream

	t      int64
	v      float64
	tDelta uint64

	leading  uint8
	trailing uint8
}

// Append implements Appender. Callers must enforce t > last_t
// themselves (spec §4.2); Append does not check it and encodes
// whatever t it is given.
func (a *xorAppender) Append(t int64, v float64) {
	var tDelta uint64
	num := binary.BigEndian.Uint16(a.b.bytes())

	switch num {
	case 0:
		buf := make([]byte, binary.MaxVarintLen64)
		n := tsdbutil.PutVarint(buf, t)
		for _, byt := range buf[:n] {
			a.b.writeByte(byt)
		}
		a.b.writeBits(math.Float64bits(v), 64)

	case 1:
		tDelta = uint64(t - a.t)
		buf := make([]byte, binary.MaxVarintLen64)
		n := tsdbutil.PutUvarint(buf, tDelta)
		for _, byt := range buf[:n] {
			a.b.writeByte(byt)
		}
		a.writeVDelta(v)

	default:
		tDelta = uint64(t - a.t)
		dod := int64(tDelta - a.tDelta)

		switch {
		case dod == 0:
			a.b.writeBit(false)
		case bitRange(dod, 7):
			a.b.writeBits(0b10, 2)
			a.b.writeBits(uint64(dod), 7)
		case bitRange(dod, 9):
			a.b.writeBits(0b110, 3)
			a.b.writeBits(uint64(dod), 9)
		case bitRange(dod, 12):
			a.b.writeBits(0b1110, 4)
			a.b.writeBits(uint64(dod), 12)
		default:
			a.b.writeBits(0b1111, 4)
			a.b.writeBits(uint64(dod), 32)
		}

		a.writeVDelta(v)
	}

	a.t = t
	a.v = v
	binary.BigEndian.PutUint16(a.b.bytes(), num+1)
	a.tDelta = tDelta
}

func bitRange(x int64, nbits uint8) bool {
	return -((1 << (nbits - 1)) - 1) <= x && x <= 1<<(nbits-1)
}

func (a *xorAppender) writeVDelta(v float64) {
	xorWrite(a.b, v, a.v, &a.leading, &a.trailing)
}

func xorWrite(b *bstream, newValue, currentValue float64, leading, trailing *uint8) {
	delta := math.Float64bits(newValue) ^ math.Float64bits(currentValue)

	if delta == 0 {
		b.writeBit(false)
		return
	}
	b.writeBit(true)

	newLeading := uint8(bits.LeadingZeros64(delta))
	newTrailing := uint8(bits.TrailingZeros64(delta))

	// The leading-zero-count field is only 5 bits wide; clamp to avoid
	// overflow (spec §4.2's "leading-zero-count (5b)").
	if newLeading >= 32 {
		newLeading = 31
	}

	if *leading != 0xff && newLeading >= *leading && newTrailing >= *trailing {
		b.writeBit(false)
		b.writeBits(delta>>*trailing, 64-int(*leading)-int(*trailing))
		return
	}

	*leading, *trailing = newLeading, newTrailing

	b.writeBit(true)
	b.writeBits(uint64(newLeading), 5)

	// sigbits == 64 cannot be represented in 6 bits; since a fully
	// overlapping delta (sigbits 0) would have hit the delta==0 case
	// above, 0 is never a legitimate encoded value here, so it is
	// reused to mean 64 on read-back.
	sigbits := 64 - newLeading - newTrailing
	b.writeBits(uint64(sigbits), 6)
	b.writeBits(delta>>*trailing, int(sigbits))
}

type xorIterator struct {
	br       bstreamReader
	numTotal uint16
	numRead  uint16

	t   int64
	val float64

	leading  uint8
	trailing uint8

	tDelta uint64
	err    error
}

// Reset rewires the iterator to read b from the start, avoiding an
// allocation on the hot re-iteration path.
func (it *xorIterator) Reset(b []byte) {
	it.br = newBReader(b)
	it.numTotal = binary.BigEndian.Uint16(b)
	it.numRead = 0
	it.t = 0
	it.val = 0
	it.leading = 0
	it.trailing = 0
	it.tDelta = 0
	it.err = nil
}

func (it *xorIterator) At() (int64, float64) { return it.t, it.val }

func (it *xorIterator) Err() error { return it.err }

func (it *xorIterator) Next() bool {
	if it.err != nil || it.numRead == it.numTotal {
		return false
	}

	if it.numRead == 0 {
		// Skip the 2-byte sample count header on first read.
		if _, err := it.br.readBits(16); err != nil {
			it.err = err
			return false
		}
		t, err := binary.ReadVarint(&it.br)
		if err != nil {
			it.err = err
			return false
		}
		v, err := it.br.readBits(64)
		if err != nil {
			it.err = err
			return false
		}
		it.t = t
		it.val = math.Float64frombits(v)

		it.numRead++
		return true
	}
	if it.numRead == 1 {
		tDelta, err := binary.ReadUvarint(&it.br)
		if err != nil {
			it.err = err
			return false
		}
		it.tDelta = tDelta
		it.t += int64(it.tDelta)
		return it.readValue()
	}

	var d byte
	// Number of 1-bits preceding the terminating 0-bit, capped at 4
	// (spec §4.2's 0/10/110/1110/1111 prefix scheme).
	for i := 0; i < 4; i++ {
		d <<= 1
		bit, err := it.br.readBit()
		if err != nil {
			it.err = err
			return false
		}
		if !bit {
			break
		}
		d |= 1
	}

	var sz uint8
	var dod int64
	switch d {
	case 0b0:
		// dod == 0, nothing more to read.
	case 0b10:
		sz = 7
	case 0b110:
		sz = 9
	case 0b1110:
		sz = 12
	case 0b1111:
		bits, err := it.br.readBits(32)
		if err != nil {
			it.err = err
			return false
		}
		dod = int64(int32(bits))
	}

	if sz != 0 {
		bitsRead, err := it.br.readBits(sz)
		if err != nil {
			it.err = err
			return false
		}
		if bitsRead > (1 << (sz - 1)) {
			// Sign-extend: the top half of the range represents
			// negative values (two's complement over sz bits).
			bitsRead -= 1 << sz
		}
		dod = int64(bitsRead)
	}

	it.tDelta = uint64(int64(it.tDelta) + dod)
	it.t += int64(it.tDelta)

	return it.readValue()
}

func (it *xorIterator) readValue() bool {
	err := xorRead(&it.br, &it.val, &it.leading, &it.trailing)
	if err != nil {
		it.err = err
		return false
	}
	it.numRead++
	return true
}

func xorRead(br *bstreamReader, value *float64, leading, trailing *uint8) error {
	bit, err := br.readBit()
	if err != nil {
		return err
	}
	if !bit {
		return nil
	}

	bit, err = br.readBit()
	if err != nil {
		return err
	}
	if bit {
		lbits, err := br.readBits(5)
		if err != nil {
			return err
		}
		mbits, err := br.readBits(6)
		if err != nil {
			return err
		}
		if mbits == 0 {
			mbits = 64
		}
		*leading = uint8(lbits)
		*trailing = 64 - uint8(lbits) - uint8(mbits)
	}

	mbits := 64 - *leading - *trailing
	bits, err := br.readBits(mbits)
	if err != nil {
		return err
	}
	vbits := math.Float64bits(*value)
	vbits ^= bits << *trailing
	*value = math.Float64frombits(vbits)
	return nil
}
