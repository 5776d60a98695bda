package execution

import (
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/storage"
)

// countDesc is the schema of the single-row result of modifying executors.
var countDesc = storage.NewRawTupleDesc([]common.Type{common.IntType})

func countTuple(n int) storage.Tuple {
	t, err := storage.FromValues(countDesc, common.NewIntValue(int64(n)))
	common.Assert(err == nil, "building count tuple: %v", err)
	return t
}

// InsertExecutor inserts every tuple produced by its child and emits one tuple holding the count.
type InsertExecutor struct {
	child     Executor
	tableHeap *TableHeap

	// Runtime state
	executed bool
	cnt      int
	ctx      *ExecutorContext
	err      error
}

func NewInsertExecutor(child Executor, tableHeap *TableHeap) *InsertExecutor {
	return &InsertExecutor{
		child:     child,
		tableHeap: tableHeap,
	}
}

func (e *InsertExecutor) Init(ctx *ExecutorContext) error {
	e.executed = false
	e.cnt = 0
	e.ctx = ctx
	e.err = nil
	return e.child.Init(ctx)
}

func (e *InsertExecutor) Next() bool {
	if e.executed || e.err != nil {
		return false
	}
	for e.child.Next() {
		tuple := e.child.Current()
		if _, err := e.tableHeap.InsertTuple(e.ctx.GetTransaction(), tuple.Values()...); err != nil {
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

func (e *InsertExecutor) Current() storage.Tuple {
	return countTuple(e.cnt)
}

func (e *InsertExecutor) Close() error {
	return e.child.Close()
}

func (e *InsertExecutor) Error() error {
	return e.err
}
