package transaction

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb/catalog"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/storage"
)

// TransactionManager hands out transactions and runs the commit and abort protocol. Both end points go
// through BufferPool.Complete exactly once per transaction.
type TransactionManager struct {
	activeTxns *xsync.MapOf[common.TransactionID, *TransactionContext]

	bufferPool *storage.BufferPool
	catalog    *catalog.Catalog
	log        logrus.FieldLogger

	lastTxnID atomic.Uint64
}

// NewTransactionManager initializes the transaction manager. A nil logger falls back to the logrus
// standard logger.
func NewTransactionManager(bufferPool *storage.BufferPool, c *catalog.Catalog, logger logrus.FieldLogger) *TransactionManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TransactionManager{
		activeTxns: xsync.NewMapOf[common.TransactionID, *TransactionContext](),
		bufferPool: bufferPool,
		catalog:    c,
		log:        logger.WithField("component", "txnmanager"),
	}
}

// Begin starts a new transaction. Transaction ids are never reused.
func (tm *TransactionManager) Begin() *TransactionContext {
	tid := common.TransactionID(tm.lastTxnID.Add(1))
	txn := newTransactionContext(tid, tm.bufferPool, tm.catalog)
	tm.activeTxns.Store(tid, txn)
	tm.log.WithField("txn", tid).Debug("transaction started")
	return txn
}

// Commit makes the transaction's changes durable and releases its locks. If the changes cannot be written,
// the transaction is aborted instead and the write error is returned.
func (tm *TransactionManager) Commit(txn *TransactionContext) error {
	if !txn.finish(Committed) {
		return common.NewError(common.TransactionStateError, "%s already %s", txn.id, txn.State())
	}
	if err := tm.bufferPool.Complete(txn.id, true); err != nil {
		tm.log.WithError(err).WithField("txn", txn.id).Warn("commit failed, aborting")
		txn.mu.Lock()
		txn.state = Aborted
		txn.mu.Unlock()
		if abortErr := tm.bufferPool.Complete(txn.id, false); abortErr != nil {
			tm.log.WithError(abortErr).WithField("txn", txn.id).Error("abort after failed commit failed")
		}
		tm.end(txn, outcomeAborted)
		return err
	}
	tm.end(txn, outcomeCommitted)
	return nil
}

// Abort rolls back the transaction's changes in memory and releases its locks.
func (tm *TransactionManager) Abort(txn *TransactionContext) error {
	if !txn.finish(Aborted) {
		return common.NewError(common.TransactionStateError, "%s already %s", txn.id, txn.State())
	}
	err := tm.bufferPool.Complete(txn.id, false)
	tm.end(txn, outcomeAborted)
	return err
}

func (tm *TransactionManager) end(txn *TransactionContext, outcome string) {
	tm.activeTxns.Delete(txn.id)
	CounterTxnCompleted.WithLabelValues(outcome).Inc()
	tm.log.WithFields(logrus.Fields{"txn": txn.id, "outcome": outcome}).Debug("transaction finished")
}

// ActiveTransactions returns the ids of the transactions that have begun but not finished.
func (tm *TransactionManager) ActiveTransactions() []common.TransactionID {
	var ids []common.TransactionID
	tm.activeTxns.Range(func(tid common.TransactionID, _ *TransactionContext) bool {
		ids = append(ids, tid)
		return true
	})
	return ids
}

// Run executes fn in a fresh transaction and commits it. If fn fails the transaction is aborted. A
// transaction chosen as a deadlock victim is aborted and fn is retried in a new transaction, up to
// maxAttempts attempts in total; any other error is returned without retrying.
func (tm *TransactionManager) Run(maxAttempts int, fn func(txn *TransactionContext) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn := tm.Begin()
		if err = fn(txn); err == nil {
			return tm.Commit(txn)
		}
		if abortErr := tm.Abort(txn); abortErr != nil {
			return abortErr
		}
		if !common.IsErrorCode(err, common.DeadlockError) {
			return err
		}
	}
	return err
}
