package execution

import (
	"mit.edu/dsg/godb/catalog"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/lock"
	"mit.edu/dsg/godb/storage"
	"mit.edu/dsg/godb/transaction"
)

// TableHeap represents a physical table stored as a heap file on disk. It reads and writes tuples
// through a transaction, which locks every page it touches.
type TableHeap struct {
	table *catalog.Table
	desc  *storage.RawTupleDesc
}

func NewTableHeap(table *catalog.Table) *TableHeap {
	return &TableHeap{
		table: table,
		desc:  table.Desc(),
	}
}

func (tableHeap *TableHeap) Oid() common.ObjectID {
	return tableHeap.table.Oid
}

// StorageSchema returns the physical byte-layout descriptor of the tuples in this table.
func (tableHeap *TableHeap) StorageSchema() *storage.RawTupleDesc {
	return tableHeap.desc
}

// NumPages returns the number of pages currently allocated to the table's file.
func (tableHeap *TableHeap) NumPages(txn *transaction.TransactionContext) (int, error) {
	file, err := txn.Catalog().FileFor(tableHeap.table.Oid)
	if err != nil {
		return 0, err
	}
	return file.NumPages()
}

// InsertTuple inserts values as a new row and returns the stored tuple.
func (tableHeap *TableHeap) InsertTuple(txn *transaction.TransactionContext, values ...common.Value) (storage.Tuple, error) {
	return txn.InsertTuple(tableHeap.table.Oid, values...)
}

// DeleteTuple removes the row at rid. It returns TupleNotFoundError if the slot holds no row.
func (tableHeap *TableHeap) DeleteTuple(txn *transaction.TransactionContext, rid common.RecordID) error {
	return txn.DeleteTuple(rid)
}

// fetchHeapPage returns the page as a heap page, or ok=false if it was never formatted.
func (tableHeap *TableHeap) fetchHeapPage(txn *transaction.TransactionContext, pid common.PageID, mode lock.Mode) (*storage.Page, bool, error) {
	page, err := txn.GetPage(pid, mode)
	if err != nil {
		return nil, false, err
	}
	return page, storage.IsHeapPage(page), nil
}

// ReadTuple copies the row at rid into buffer. If forUpdate is true the page is locked Exclusive instead of
// Shared. It returns TupleNotFoundError if the slot holds no row.
func (tableHeap *TableHeap) ReadTuple(txn *transaction.TransactionContext, rid common.RecordID, buffer []byte, forUpdate bool) error {
	mode := lock.Shared
	if forUpdate {
		mode = lock.Exclusive
	}
	page, ok, err := tableHeap.fetchHeapPage(txn, rid.PageID, mode)
	if err != nil {
		return err
	}
	if !ok || !storage.AsHeapPage(page).IsAllocated(int(rid.Slot)) {
		return common.NewError(common.TupleNotFoundError, "no tuple at %s", rid)
	}
	copy(buffer, storage.AsHeapPage(page).AccessTuple(int(rid.Slot)))
	return nil
}

// UpdateTuple overwrites the row at rid in place. It returns TupleNotFoundError if the slot holds no row.
func (tableHeap *TableHeap) UpdateTuple(txn *transaction.TransactionContext, rid common.RecordID, updated storage.RawTuple) error {
	common.Assert(len(updated) == tableHeap.desc.BytesPerTuple(), "row size mismatch")
	page, ok, err := tableHeap.fetchHeapPage(txn, rid.PageID, lock.Exclusive)
	if err != nil {
		return err
	}
	if !ok || !storage.AsHeapPage(page).IsAllocated(int(rid.Slot)) {
		return common.NewError(common.TupleNotFoundError, "no tuple at %s", rid)
	}
	if err := txn.MarkDirty(page); err != nil {
		return err
	}
	copy(storage.AsHeapPage(page).AccessTuple(int(rid.Slot)), updated)
	return nil
}

// Iterator creates a new TableHeapIterator to scan the table, locking each page in the given mode as it
// is reached. The supplied buffer receives each tuple (for zero-allocation scanning).
func (tableHeap *TableHeap) Iterator(txn *transaction.TransactionContext, mode lock.Mode, buffer []byte) (TableHeapIterator, error) {
	if !mode.Valid() {
		return TableHeapIterator{}, common.NewError(common.InvalidPermissionError, "invalid scan mode %d", mode)
	}
	numPages, err := tableHeap.NumPages(txn)
	if err != nil {
		return TableHeapIterator{}, err
	}
	return TableHeapIterator{
		tableHeap: tableHeap,
		txn:       txn,
		mode:      mode,
		buffer:    buffer,
		numPages:  int32(numPages),
		currRID: common.RecordID{
			PageID: common.PageID{
				Oid:     tableHeap.table.Oid,
				PageNum: 0,
			},
			Slot: -1,
		},
	}, nil
}

// TableHeapIterator iterates over all allocated tuples in the heap, one page at a time. Pages are not
// released as the cursor moves on; the transaction keeps their locks until it ends.
type TableHeapIterator struct {
	tableHeap *TableHeap
	txn       *transaction.TransactionContext
	mode      lock.Mode
	buffer    []byte
	// Pages appended after the scan started are not visited
	numPages int32

	currRID  common.RecordID
	currPage *storage.Page

	err error
}

// IsNil returns true if the TableHeapIterator is the default, uninitialized value
func (it *TableHeapIterator) IsNil() bool {
	return it.tableHeap == nil
}

// Next advances the iterator to the next allocated tuple.
func (it *TableHeapIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.currRID.PageNum < it.numPages {
		if it.currPage == nil {
			page, ok, err := it.tableHeap.fetchHeapPage(it.txn, it.currRID.PageID, it.mode)
			if err != nil {
				it.err = err
				return false
			}
			if !ok {
				it.advancePage()
				continue
			}
			it.currPage = page
		}

		hp := storage.AsHeapPage(it.currPage)
		foundSlot := -1
		for i := int(it.currRID.Slot + 1); i < hp.NumSlots(); i++ {
			if hp.IsAllocated(i) {
				foundSlot = i
				break
			}
		}
		if foundSlot == -1 {
			it.advancePage()
			continue
		}

		it.currRID.Slot = int32(foundSlot)
		copy(it.buffer, hp.AccessTuple(foundSlot))
		return true
	}
	return false
}

func (it *TableHeapIterator) advancePage() {
	it.currPage = nil
	it.currRID.PageID = common.PageID{Oid: it.currRID.PageID.Oid, PageNum: it.currRID.PageID.PageNum + 1}
	it.currRID.Slot = -1
}

// CurrentTuple returns the raw bytes of the tuple at the current cursor position.
// The bytes are valid only until Next() is called again.
func (it *TableHeapIterator) CurrentTuple() storage.RawTuple {
	return it.buffer
}

// CurrentRID returns the RecordID of the current tuple.
func (it *TableHeapIterator) CurrentRID() common.RecordID {
	return it.currRID
}

// Error returns the first error encountered during iteration, if any.
func (it *TableHeapIterator) Error() error {
	return it.err
}

func (it *TableHeapIterator) Close() error {
	it.currPage = nil
	return nil
}
