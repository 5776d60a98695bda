package execution

import (
	"mit.edu/dsg/godb/storage"
)

// MaterializeExecutor acts as a pipeline barrier. The first Next drains its child and keeps deep copies
// of every tuple; later calls, and later Init/Next rounds, replay the stored tuples.
//
// A delete whose input scans the same table must sit on top of one, so that the scan finishes before any
// row is removed.
type MaterializeExecutor struct {
	child Executor

	// Runtime state
	tuples       []storage.Tuple
	drained      bool
	currentIndex int
	err          error
}

func NewMaterializeExecutor(child Executor) *MaterializeExecutor {
	return &MaterializeExecutor{
		child: child,
	}
}

func (e *MaterializeExecutor) Init(ctx *ExecutorContext) error {
	e.currentIndex = -1
	if e.drained {
		return nil
	}
	return e.child.Init(ctx)
}

func (e *MaterializeExecutor) Next() bool {
	if e.err != nil {
		return false
	}
	if !e.drained {
		for e.child.Next() {
			t := e.child.Current()
			e.tuples = append(e.tuples, t.DeepCopy())
		}
		if e.err = e.child.Error(); e.err != nil {
			return false
		}
		e.drained = true
	}
	e.currentIndex++
	return e.currentIndex < len(e.tuples)
}

func (e *MaterializeExecutor) Current() storage.Tuple {
	return e.tuples[e.currentIndex]
}

func (e *MaterializeExecutor) Error() error {
	return e.err
}

func (e *MaterializeExecutor) Close() error {
	return e.child.Close()
}
