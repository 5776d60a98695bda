package storage

import (
	"encoding/binary"

	"mit.edu/dsg/godb/common"
)

// HeapPage is a slotted view over a Page holding fixed-size rows.
//
// Layout:
// RowSize (2) | NumSlots (2) | NumUsed (2) | Padding (2) | allocation Bitmap | rows
//
// A page whose header is all zeros has never been initialized. Freshly allocated pages are zero-filled, so
// callers check IsHeapPage and call InitializeHeapPage after MarkDirty when they first write to one.
type HeapPage struct {
	*Page

	allocationBitmap Bitmap
	rowDataStart     int
}

const (
	heapPageOffsetRowSize  = 0
	heapPageOffsetNumSlots = heapPageOffsetRowSize + 2
	heapPageOffsetNumUsed  = heapPageOffsetNumSlots + 2
	heapPageHeaderSize     = heapPageOffsetNumUsed + 4
)

// IsHeapPage returns true if the page has been formatted by InitializeHeapPage.
func IsHeapPage(p *Page) bool {
	return binary.LittleEndian.Uint16(p.Bytes[heapPageOffsetRowSize:]) != 0
}

// InitializeHeapPage formats the page for rows described by desc. All slots start free.
func InitializeHeapPage(desc *RawTupleDesc, p *Page) {
	rowSize := desc.BytesPerTuple()
	common.Assert(common.AlignedTo8(rowSize), "tuple size %d should be aligned to 8", rowSize)
	// Every 64 rows need one 8-byte bitmap word
	blockSize := (64 * rowSize) + 8
	available := common.PageSize - heapPageHeaderSize
	fullBlocks, remainder := available/blockSize, available%blockSize
	numSlots := fullBlocks * 64
	if remainder > 8 {
		numSlots += (remainder - 8) / rowSize
	}
	for i := range p.Bytes {
		p.Bytes[i] = 0
	}
	binary.LittleEndian.PutUint16(p.Bytes[heapPageOffsetRowSize:], uint16(rowSize))
	binary.LittleEndian.PutUint16(p.Bytes[heapPageOffsetNumSlots:], uint16(numSlots))
}

// AsHeapPage interprets p as an initialized heap page.
func AsHeapPage(p *Page) HeapPage {
	result := HeapPage{Page: p}
	numSlots := result.NumSlots()
	common.Assert(result.RowSize() > 0 && numSlots > 0, "uninitialized heap page %s", p.ID())

	result.allocationBitmap = AsBitmap(p.Bytes[heapPageHeaderSize:], numSlots)
	result.rowDataStart = heapPageHeaderSize + BitmapSize(numSlots)
	return result
}

func (hp HeapPage) NumUsed() int {
	return int(binary.LittleEndian.Uint16(hp.Bytes[heapPageOffsetNumUsed:]))
}

func (hp HeapPage) setNumUsed(numUsed int) {
	binary.LittleEndian.PutUint16(hp.Bytes[heapPageOffsetNumUsed:], uint16(numUsed))
}

func (hp HeapPage) NumSlots() int {
	return int(binary.LittleEndian.Uint16(hp.Bytes[heapPageOffsetNumSlots:]))
}

func (hp HeapPage) RowSize() int {
	return int(binary.LittleEndian.Uint16(hp.Bytes[heapPageOffsetRowSize:]))
}

// FindFreeSlot returns a free slot number, or -1 if the page is full.
func (hp HeapPage) FindFreeSlot() int {
	numUsed := hp.NumUsed()
	if numUsed == hp.NumSlots() {
		return -1
	}
	return hp.allocationBitmap.FindFirstZero(numUsed)
}

// IsAllocated checks the allocation bitmap to see if a slot holds a row. Out of range slots are reported
// as free so that callers can iterate safely.
func (hp HeapPage) IsAllocated(slot int) bool {
	if slot < 0 || slot >= hp.NumSlots() {
		return false
	}
	return hp.allocationBitmap.LoadBit(slot)
}

func (hp HeapPage) MarkAllocated(slot int, allocated bool) {
	common.Assert(slot >= 0 && slot < hp.NumSlots(), "slot out of bounds")
	if hp.allocationBitmap.SetBit(slot, allocated) == allocated {
		return
	}
	if allocated {
		hp.setNumUsed(hp.NumUsed() + 1)
	} else {
		hp.setNumUsed(hp.NumUsed() - 1)
	}
}

// AccessTuple returns the bytes of the row in slot. The result aliases the page.
func (hp HeapPage) AccessTuple(slot int) RawTuple {
	common.Assert(slot >= 0 && slot < hp.NumSlots(), "slot out of bounds")
	common.Assert(hp.allocationBitmap.LoadBit(slot), "slot not allocated")
	return hp.Bytes[hp.rowDataStart+slot*hp.RowSize() : hp.rowDataStart+(slot+1)*hp.RowSize()]
}

// InsertTuple copies the row into a free slot and returns its slot number, or -1 if the page is full.
func (hp HeapPage) InsertTuple(row RawTuple) int {
	common.Assert(len(row) == hp.RowSize(), "row size %d does not match page row size %d", len(row), hp.RowSize())
	slot := hp.FindFreeSlot()
	if slot == -1 {
		return -1
	}
	hp.MarkAllocated(slot, true)
	copy(hp.AccessTuple(slot), row)
	return slot
}

// DeleteTuple frees slot. It returns false if the slot held no row.
func (hp HeapPage) DeleteTuple(slot int) bool {
	if !hp.IsAllocated(slot) {
		return false
	}
	hp.MarkAllocated(slot, false)
	return true
}
