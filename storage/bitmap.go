package storage

import (
	"encoding/binary"
	"math/bits"

	"mit.edu/dsg/godb/common"
)

// Bitmap provides a structured view over bits stored in a byte slice, such as the slot allocation map at
// the head of a heap page. It does not own the underlying bytes.
//
// Scans work a 64-bit word at a time so fully set words are skipped without inspecting each bit.
type Bitmap struct {
	data    []byte
	numBits int
}

// AsBitmap creates a Bitmap view over the provided byte slice. data must be 8-byte aligned in length and
// large enough to hold numBits rounded up to a whole word.
func AsBitmap(data []byte, numBits int) Bitmap {
	common.Assert(common.AlignedTo8(len(data)), "Bitmap bytes length must be aligned to 8")
	numWords := (numBits + 63) / 64
	common.Assert(len(data) >= numWords*8, "bitmap buffer too small")
	return Bitmap{
		data:    data[:numWords*8],
		numBits: numBits,
	}
}

// BitmapSize returns the number of bytes (rounded up to a whole word) needed to hold numBits.
func BitmapSize(numBits int) int {
	return (numBits + 63) / 64 * 8
}

func (b Bitmap) word(i int) uint64 {
	return binary.LittleEndian.Uint64(b.data[i*8:])
}

// SetBit sets the bit at index i to the given value and returns its previous value.
func (b Bitmap) SetBit(i int, on bool) (originalValue bool) {
	common.Assert(i >= 0 && i < b.numBits, "bit %d out of bounds", i)
	byteIdx, mask := i/8, byte(1)<<uint(i%8)
	originalValue = b.data[byteIdx]&mask != 0
	if on {
		b.data[byteIdx] |= mask
	} else {
		b.data[byteIdx] &^= mask
	}
	return originalValue
}

// LoadBit returns the value of the bit at index i.
func (b Bitmap) LoadBit(i int) bool {
	common.Assert(i >= 0 && i < b.numBits, "bit %d out of bounds", i)
	return b.data[i/8]&(byte(1)<<uint(i%8)) != 0
}

// FindFirstZero returns the first clear bit at or after startHint, wrapping around to the beginning. It
// returns -1 if every bit is set.
func (b Bitmap) FindFirstZero(startHint int) int {
	if r := b.findFirstZeroInRange(startHint, b.numBits); r != -1 {
		return r
	}
	return b.findFirstZeroInRange(0, startHint)
}

func (b Bitmap) findFirstZeroInRange(start, end int) int {
	common.Assert(start >= 0 && start <= end && end <= b.numBits, "invalid Bitmap range")
	if start == end {
		return -1
	}
	for w := start / 64; w <= (end-1)/64; w++ {
		// Treat bits before start as set so they are skipped
		inverted := ^b.word(w)
		if w == start/64 {
			inverted &= ^uint64(0) << uint(start%64)
		}
		if inverted == 0 {
			continue
		}
		idx := w*64 + bits.TrailingZeros64(inverted)
		if idx >= end {
			return -1
		}
		return idx
	}
	return -1
}

// CountOnes returns the number of set bits.
func (b Bitmap) CountOnes() int {
	n := 0
	for w := 0; w < len(b.data)/8; w++ {
		n += bits.OnesCount64(b.word(w))
	}
	return n
}
