package execution

import (
	"mit.edu/dsg/godb/storage"
)

// Predicate decides whether a tuple passes a filter.
type Predicate func(t storage.Tuple) bool

// FilterExecutor filters tuples from its child executor based on a predicate.
type FilterExecutor struct {
	predicate Predicate
	child     Executor
}

// NewFilter creates a new FilterExecutor executor.
func NewFilter(predicate Predicate, child Executor) *FilterExecutor {
	return &FilterExecutor{
		predicate: predicate,
		child:     child,
	}
}

// Init initializes the child.
func (e *FilterExecutor) Init(context *ExecutorContext) error {
	return e.child.Init(context)
}

func (e *FilterExecutor) Next() bool {
	for e.child.Next() {
		if e.predicate(e.child.Current()) {
			return true
		}
	}
	return false
}

func (e *FilterExecutor) Current() storage.Tuple {
	return e.child.Current()
}

func (e *FilterExecutor) Error() error {
	return e.child.Error()
}

func (e *FilterExecutor) Close() error {
	return e.child.Close()
}
