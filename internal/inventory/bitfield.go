package inventory

import (
	"github.com/RoaringBitmap/roaring"
)

// Bitfield is a fixed-length set of piece indices. Its wire form is a packed
// bit vector, most significant bit first within each byte, zero padded to a
// byte boundary.
type Bitfield struct {
	bits   *roaring.Bitmap
	length int
}

func NewBitfield(length int) *Bitfield {
	return &Bitfield{bits: roaring.New(), length: length}
}

// FullBitfield returns a bitfield with every index in [0, length) set.
func FullBitfield(length int) *Bitfield {
	b := NewBitfield(length)
	if length > 0 {
		b.bits.AddRange(0, uint64(length))
	}
	return b
}

// FromWireBytes unpacks a wire bitfield. Bits past length are ignored, and
// missing trailing bytes read as absent pieces.
func FromWireBytes(buf []byte, length int) *Bitfield {
	b := NewBitfield(length)
	for i := 0; i < length; i++ {
		byteIndex := i / 8
		if byteIndex >= len(buf) {
			break
		}
		if buf[byteIndex]&(0x80>>uint(i%8)) != 0 {
			b.bits.Add(uint32(i))
		}
	}
	return b
}

func (b *Bitfield) WireBytes() []byte {
	buf := make([]byte, (b.length+7)/8)
	it := b.bits.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= b.length {
			break
		}
		buf[i/8] |= 0x80 >> uint(i%8)
	}
	return buf
}

func (b *Bitfield) Len() int {
	return b.length
}

func (b *Bitfield) Has(index int) bool {
	if index < 0 || index >= b.length {
		return false
	}
	return b.bits.Contains(uint32(index))
}

func (b *Bitfield) Set(index int) {
	if index < 0 || index >= b.length {
		return
	}
	b.bits.Add(uint32(index))
}

func (b *Bitfield) Count() int {
	return int(b.bits.GetCardinality())
}

func (b *Bitfield) IsComplete() bool {
	return b.Count() == b.length
}

// FirstDifferingIndex returns the lowest index present in remote and absent
// from b, or -1 when there is none.
func (b *Bitfield) FirstDifferingIndex(remote *Bitfield) int {
	if remote == nil {
		return -1
	}
	diff := roaring.AndNot(remote.bits, b.bits)
	if diff.IsEmpty() {
		return -1
	}
	index := int(diff.Minimum())
	if index >= b.length {
		return -1
	}
	return index
}

func (b *Bitfield) Clone() *Bitfield {
	return &Bitfield{bits: b.bits.Clone(), length: b.length}
}
