package execution

import (
	"mit.edu/dsg/godb/transaction"
)

// ExecutorContext holds all the state and resources required for query execution.
// It is passed to every Executor during Init.
type ExecutorContext struct {
	txn *transaction.TransactionContext
}

func NewExecutorContext(txn *transaction.TransactionContext) *ExecutorContext {
	return &ExecutorContext{
		txn: txn,
	}
}

func (ctx *ExecutorContext) GetTransaction() *transaction.TransactionContext {
	return ctx.txn
}
