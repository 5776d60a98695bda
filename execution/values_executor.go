package execution

import (
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/storage"
)

// ValuesExecutor produces a fixed list of rows, typically as the input of an InsertExecutor.
type ValuesExecutor struct {
	desc *storage.RawTupleDesc
	rows [][]common.Value

	currentIndex int
	current      storage.Tuple
	err          error
}

func NewValuesExecutor(desc *storage.RawTupleDesc, rows [][]common.Value) *ValuesExecutor {
	return &ValuesExecutor{
		desc: desc,
		rows: rows,
	}
}

func (e *ValuesExecutor) Init(*ExecutorContext) error {
	e.currentIndex = -1
	e.err = nil
	return nil
}

func (e *ValuesExecutor) Next() bool {
	if e.err != nil || e.currentIndex+1 >= len(e.rows) {
		return false
	}
	e.currentIndex++
	e.current, e.err = storage.FromValues(e.desc, e.rows[e.currentIndex]...)
	return e.err == nil
}

func (e *ValuesExecutor) Current() storage.Tuple {
	return e.current
}

func (e *ValuesExecutor) Error() error {
	return e.err
}

func (e *ValuesExecutor) Close() error {
	return nil
}
