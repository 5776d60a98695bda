package lock

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb/common"
)

// Mode represents the type of access a transaction is requesting on a page.
type Mode int8

const (
	// Shared allows reading a page. Multiple transactions can hold Shared locks simultaneously.
	Shared Mode = iota + 1
	// Exclusive allows modification. It is incompatible with every other holder.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	}
	return "Unknown lock mode"
}

// Valid reports whether m is a recognized lock mode. The zero Mode is invalid.
func (m Mode) Valid() bool {
	return m == Shared || m == Exclusive
}

type lockEntry struct {
	mode    Mode
	holders map[common.TransactionID]struct{}
}

// covers returns true if tid already holds this page strongly enough to satisfy mode.
func (e *lockEntry) covers(tid common.TransactionID, mode Mode) bool {
	if _, ok := e.holders[tid]; !ok {
		return false
	}
	return mode == Shared || e.mode == Exclusive
}

// LockManager tracks page-level Shared/Exclusive locks for strict two-phase locking.
//
// Acquire never blocks: it either grants the lock, reports that the lock is unavailable right now, or
// fails with a DeadlockError if waiting would close a cycle in the waits-for graph. Blocking and wake-ups
// are the caller's business (see storage.BufferPool), which lets the caller hold its own latch across the
// grant decision and the cache lookup that follows it.
//
// LockManager is safe for concurrent use.
type LockManager struct {
	mu sync.Mutex
	// page -> mode and holders
	table map[common.PageID]*lockEntry
	// transaction -> pages it holds
	held  map[common.TransactionID]map[common.PageID]struct{}
	waits *WaitsForGraph
	log   logrus.FieldLogger
}

// NewLockManager initializes an empty LockManager. A nil logger falls back to the logrus standard logger.
func NewLockManager(logger logrus.FieldLogger) *LockManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LockManager{
		table: make(map[common.PageID]*lockEntry),
		held:  make(map[common.TransactionID]map[common.PageID]struct{}),
		waits: NewWaitsForGraph(),
		log:   logger.WithField("component", "lockmanager"),
	}
}

// Acquire attempts to grant tid a lock of the given mode on pid.
//
// It returns (true, nil) when the lock is granted (including re-entrant requests and in-place upgrades
// from Shared to Exclusive by the sole holder), and (false, nil) when the lock is currently unavailable;
// the caller should wait for a release and retry. If the request cannot be granted and waiting for it
// would deadlock, Acquire returns a DeadlockError: the request has failed permanently and the transaction
// must abort.
//
// The wait edge is recorded and the waits-for graph searched only once the request is known to be
// ungrantable. A grantable request cannot close a cycle, so searching before the grant check could only
// report deadlocks that do not exist, such as a reader joining other readers that wait on each other.
func (lm *LockManager) Acquire(tid common.TransactionID, pid common.PageID, mode Mode) (bool, error) {
	if !mode.Valid() {
		return false, common.NewError(common.InvalidPermissionError, "invalid lock mode %d requested on %s", mode, pid)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, ok := lm.table[pid]
	if ok && entry.covers(tid, mode) {
		lm.waits.Clear(tid)
		return true, nil
	}

	if lm.grantable(entry, tid, mode) {
		lm.grant(entry, tid, pid, mode)
		return true, nil
	}

	lm.waits.Wait(tid, pid)
	if lm.waits.FindCycle(tid, pid, lm.holdersLocked, lm.numLiveLocked()+1) {
		lm.waits.Clear(tid)
		CounterLockDeadlocks.Inc()
		lm.log.WithFields(logrus.Fields{
			"txn":  tid,
			"page": pid,
			"mode": mode,
		}).Warn("deadlock detected, request denied")
		return false, common.NewError(common.DeadlockError, "%s requesting %s on %s would deadlock", tid, mode, pid)
	}
	CounterLockWaits.Inc()
	return false, nil
}

// grantable evaluates the grant rule from scratch. A nil entry means no one holds the page.
func (lm *LockManager) grantable(entry *lockEntry, tid common.TransactionID, mode Mode) bool {
	if entry == nil {
		return true
	}
	_, isHolder := entry.holders[tid]
	switch entry.mode {
	case Shared:
		if mode == Shared {
			return true
		}
		// Upgrade in place only if we are the sole shared holder
		return isHolder && len(entry.holders) == 1
	case Exclusive:
		return isHolder
	}
	panic(fmt.Sprintf("corrupt lock entry with mode %d", entry.mode))
}

func (lm *LockManager) grant(entry *lockEntry, tid common.TransactionID, pid common.PageID, mode Mode) {
	if entry == nil {
		entry = &lockEntry{
			mode:    mode,
			holders: make(map[common.TransactionID]struct{}, 1),
		}
		lm.table[pid] = entry
	} else if mode == Exclusive {
		// Exclusive always wins the recorded mode, never the other way around
		entry.mode = Exclusive
	}
	entry.holders[tid] = struct{}{}
	common.Assert(entry.mode == Shared || len(entry.holders) == 1,
		"exclusive lock on %s has %d holders", pid, len(entry.holders))

	pages, ok := lm.held[tid]
	if !ok {
		pages = make(map[common.PageID]struct{})
		lm.held[tid] = pages
	}
	pages[pid] = struct{}{}
	lm.waits.Clear(tid)

	CounterLockGrants.WithLabelValues(mode.String()).Inc()
	lm.log.WithFields(logrus.Fields{
		"txn":  tid,
		"page": pid,
		"mode": mode,
	}).Debug("lock granted")
}

// holdersLocked lists the transactions holding pid. Must be called with lm.mu held.
func (lm *LockManager) holdersLocked(pid common.PageID) []common.TransactionID {
	entry, ok := lm.table[pid]
	if !ok {
		return nil
	}
	result := make([]common.TransactionID, 0, len(entry.holders))
	for tid := range entry.holders {
		result = append(result, tid)
	}
	return result
}

// numLiveLocked counts transactions that hold or wait for a lock. Must be called with lm.mu held.
func (lm *LockManager) numLiveLocked() int {
	n := len(lm.held)
	for tid := range lm.waits.waiting {
		if _, ok := lm.held[tid]; !ok {
			n++
		}
	}
	return n
}

// Release drops tid's lock on pid. It is a no-op if tid does not hold pid.
//
// Under strict two-phase locking this should only be used for pages the transaction never read or
// modified in a way that matters (e.g. a page probed for free space); everything else is released by
// ReleaseAll at commit or abort.
func (lm *LockManager) Release(tid common.TransactionID, pid common.PageID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.releaseLocked(tid, pid)
}

func (lm *LockManager) releaseLocked(tid common.TransactionID, pid common.PageID) {
	pages, ok := lm.held[tid]
	if !ok {
		return
	}
	if _, ok := pages[pid]; !ok {
		return
	}
	entry, ok := lm.table[pid]
	common.Assert(ok, "%s holds %s but the page has no lock entry", tid, pid)

	delete(entry.holders, tid)
	if len(entry.holders) == 0 {
		delete(lm.table, pid)
	}
	delete(pages, pid)
	if len(pages) == 0 {
		delete(lm.held, tid)
	}
}

// ReleaseAll releases every lock held by tid and forgets any wait it had registered. It is called exactly
// once per transaction, at commit or abort.
func (lm *LockManager) ReleaseAll(tid common.TransactionID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for pid := range lm.held[tid] {
		lm.releaseLocked(tid, pid)
	}
	lm.waits.Clear(tid)
}

// Holds reports whether tid currently holds a lock (of any mode) on pid.
func (lm *LockManager) Holds(tid common.TransactionID, pid common.PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.held[tid][pid]
	return ok
}

// HeldPages returns a snapshot of the pages tid holds locks on.
func (lm *LockManager) HeldPages(tid common.TransactionID) []common.PageID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	pages := lm.held[tid]
	result := make([]common.PageID, 0, len(pages))
	for pid := range pages {
		result = append(result, pid)
	}
	return result
}

// ModeOf returns the recorded mode of the lock on pid, or false if nobody holds it.
func (lm *LockManager) ModeOf(pid common.PageID) (Mode, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	entry, ok := lm.table[pid]
	if !ok {
		return 0, false
	}
	return entry.mode, true
}

// Holders returns a snapshot of the transactions holding pid.
func (lm *LockManager) Holders(pid common.PageID) []common.TransactionID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.holdersLocked(pid)
}

// WaitingOn returns the page tid is currently registered as waiting for.
func (lm *LockManager) WaitingOn(tid common.TransactionID) (common.PageID, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.waits.WaitingOn(tid)
}
