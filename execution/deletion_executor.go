package execution

import (
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/storage"
)

// DeletionExecutor deletes every tuple produced by its child, which must carry RecordIDs (a scan or a
// filter over one), and emits one tuple holding the count.
type DeletionExecutor struct {
	child     Executor
	tableHeap *TableHeap

	// Runtime state
	executed bool
	cnt      int
	ctx      *ExecutorContext
	err      error
}

func NewDeleteExecutor(child Executor, tableHeap *TableHeap) *DeletionExecutor {
	return &DeletionExecutor{
		child:     child,
		tableHeap: tableHeap,
	}
}

func (e *DeletionExecutor) Init(ctx *ExecutorContext) error {
	e.ctx = ctx
	e.executed = false
	e.cnt = 0
	e.err = nil
	return e.child.Init(ctx)
}

func (e *DeletionExecutor) Next() bool {
	if e.executed || e.err != nil {
		return false
	}
	for e.child.Next() {
		tuple := e.child.Current()
		rid := tuple.RID()
		common.Assert(rid.PageID.Oid == e.tableHeap.Oid(), "deleting %s from table %d", rid, e.tableHeap.Oid())

		if err := e.tableHeap.DeleteTuple(e.ctx.GetTransaction(), rid); err != nil {
			e.err = err
			return false
		}
		e.cnt++
	}
	if err := e.child.Error(); err != nil {
		e.err = err
		return false
	}
	e.executed = true
	return true
}

func (e *DeletionExecutor) Current() storage.Tuple {
	return countTuple(e.cnt)
}

func (e *DeletionExecutor) Close() error {
	return e.child.Close()
}

func (e *DeletionExecutor) Error() error {
	return e.err
}
