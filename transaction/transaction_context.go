package transaction

import (
	"sync"

	"mit.edu/dsg/godb/catalog"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/lock"
	"mit.edu/dsg/godb/storage"
)

// State is the lifecycle stage of a transaction.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// TransactionContext holds the runtime state of a single transaction and the components it works through.
// Every page access made through it is locked on behalf of the transaction and held until Commit or Abort.
//
// A TransactionContext is meant to be used by one goroutine at a time.
type TransactionContext struct {
	id      common.TransactionID
	bp      *storage.BufferPool
	catalog *catalog.Catalog

	mu    sync.Mutex
	state State
}

func newTransactionContext(id common.TransactionID, bp *storage.BufferPool, c *catalog.Catalog) *TransactionContext {
	return &TransactionContext{id: id, bp: bp, catalog: c, state: Active}
}

func (txn *TransactionContext) ID() common.TransactionID {
	return txn.id
}

func (txn *TransactionContext) State() State {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.state
}

func (txn *TransactionContext) BufferPool() *storage.BufferPool {
	return txn.bp
}

func (txn *TransactionContext) Catalog() *catalog.Catalog {
	return txn.catalog
}

func (txn *TransactionContext) checkActive() error {
	if s := txn.State(); s != Active {
		return common.NewError(common.TransactionStateError, "%s is %s", txn.id, s)
	}
	return nil
}

// finish moves an active transaction to its final state. It returns false if the transaction already
// finished.
func (txn *TransactionContext) finish(s State) bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.state != Active {
		return false
	}
	txn.state = s
	return true
}

// GetPage fetches pid with the given lock mode, blocking until the lock is granted.
func (txn *TransactionContext) GetPage(pid common.PageID, mode lock.Mode) (*storage.Page, error) {
	if err := txn.checkActive(); err != nil {
		return nil, err
	}
	return txn.bp.GetPage(txn.id, pid, mode)
}

// MarkDirty must be called before modifying a page fetched with an Exclusive lock.
func (txn *TransactionContext) MarkDirty(p *storage.Page) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	return txn.bp.MarkDirty(txn.id, p)
}

// ReleasePage gives up the lock on a page the transaction read but did not modify.
func (txn *TransactionContext) ReleasePage(pid common.PageID) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	return txn.bp.ReleasePage(txn.id, pid)
}

func (txn *TransactionContext) HoldsLock(pid common.PageID) bool {
	return txn.bp.HoldsLock(txn.id, pid)
}

// InsertTuple stores a row built from values in table oid and returns the stored tuple.
func (txn *TransactionContext) InsertTuple(oid common.ObjectID, values ...common.Value) (storage.Tuple, error) {
	if err := txn.checkActive(); err != nil {
		return storage.Tuple{}, err
	}
	desc, err := txn.catalog.DescFor(oid)
	if err != nil {
		return storage.Tuple{}, err
	}
	row, err := desc.NewRawTuple(values...)
	if err != nil {
		return storage.Tuple{}, err
	}
	rid, err := txn.bp.InsertTuple(txn.id, oid, row)
	if err != nil {
		return storage.Tuple{}, err
	}
	return storage.FromRawTuple(row, desc, rid), nil
}

// DeleteTuple removes the row at rid.
func (txn *TransactionContext) DeleteTuple(rid common.RecordID) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	return txn.bp.DeleteTuple(txn.id, rid)
}
