package execution

import (
	"mit.edu/dsg/godb/storage"
)

// Executor is the interface that all physical execution nodes must implement.
//
// Executors pull tuples from their children. Every page they touch is fetched through the transaction
// bound in Init, so the locks they take are held until that transaction commits or aborts.
type Executor interface {
	// Init initializes the executor with a specific execution context.
	// This binds the executor to a transaction.
	Init(ctx *ExecutorContext) error

	// Next retrieves the next tuple from the executor.
	Next() bool

	// Current returns the tuple most recently read by Next().
	Current() storage.Tuple

	// Error returns the last error encountered by the executor, if any.
	Error() error

	// Close cleans up any resources held by the executor.
	Close() error
}

// Drain runs e to completion and returns every tuple it produced, deep copied.
func Drain(ctx *ExecutorContext, e Executor) ([]storage.Tuple, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	var result []storage.Tuple
	for e.Next() {
		t := e.Current()
		result = append(result, t.DeepCopy())
	}
	if err := e.Error(); err != nil {
		e.Close()
		return nil, err
	}
	return result, e.Close()
}
