package execution

import (
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/lock"
	"mit.edu/dsg/godb/storage"
)

// SeqScanExecutor implements a sequential scan over a table.
type SeqScanExecutor struct {
	tableHeap *TableHeap
	mode      lock.Mode

	// Runtime state
	iterator  TableHeapIterator
	rowBuffer []byte
}

// NewSeqScanExecutor creates a new SeqScanExecutor that locks every page it reads in the given mode.
// Scans feeding a delete should use Exclusive so that concurrent deleters do not deadlock on upgrades.
func NewSeqScanExecutor(tableHeap *TableHeap, mode lock.Mode) *SeqScanExecutor {
	return &SeqScanExecutor{
		tableHeap: tableHeap,
		mode:      mode,
	}
}

func (e *SeqScanExecutor) Init(context *ExecutorContext) error {
	e.rowBuffer = make([]byte, e.tableHeap.StorageSchema().BytesPerTuple())
	var err error
	e.iterator, err = e.tableHeap.Iterator(context.GetTransaction(), e.mode, e.rowBuffer)
	return err
}

func (e *SeqScanExecutor) Next() bool {
	common.Assert(!e.iterator.IsNil(), "SeqScanExecutor.Init() must be called before calling Next()")
	// The iterator populates e.rowBuffer in-place
	return e.iterator.Next()
}

func (e *SeqScanExecutor) Current() storage.Tuple {
	return storage.FromRawTuple(e.iterator.CurrentTuple(), e.tableHeap.StorageSchema(), e.iterator.CurrentRID())
}

func (e *SeqScanExecutor) Error() error {
	return e.iterator.Error()
}

func (e *SeqScanExecutor) Close() error {
	if !e.iterator.IsNil() {
		return e.iterator.Close()
	}
	return nil
}
