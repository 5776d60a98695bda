package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/lock"
	"mit.edu/dsg/godb/logging"
)

type slotState uint8

const (
	slotFree slotState = iota
	// The page is being read from its file with the latch released. Fetchers of the same page wait.
	slotLoading
	slotResident
	// A committing transaction is writing the page with the latch released.
	slotFlushing
)

type slot struct {
	page  *Page
	state slotState
	// tick is the key of this slot in the recency index, 0 if not indexed
	tick uint64
}

type lruEntry struct {
	tick uint64
	slot int
}

// BufferPool caches a bounded number of pages in memory and mediates every page access through the
// LockManager, enforcing strict two-phase locking.
//
// Eviction is least-recently-used among clean pages only. A dirty page is never written to its file before
// the owning transaction commits (no-steal), and every page a transaction dirtied is written at commit
// (force). Abort restores the image each page had before the transaction first dirtied it.
//
// All bookkeeping (lock grants, page table, recency, dirty state) happens under one latch. File and log
// I/O happen with the latch released; slots being loaded or flushed are marked so that other callers wait
// for them rather than observe a half-read page.
type BufferPool struct {
	tables TableResolver
	locks  *lock.LockManager
	wal    logging.LogSink
	log    logrus.FieldLogger

	mu sync.Mutex
	// cond is broadcast whenever locks are released, a page finishes loading or flushing, or a slot frees up
	cond *sync.Cond

	slots     []slot
	free      []int
	pageTable map[common.PageID]int
	lru       *btree.BTreeG[lruEntry]
	clock     uint64
}

// NewBufferPool creates a BufferPool holding at most numPages pages. Tables are resolved to files and row
// layouts through tables, locks are managed by locks, and committed page images are recorded in wal. A
// nil logger falls back to the logrus standard logger.
func NewBufferPool(numPages int, tables TableResolver, locks *lock.LockManager, wal logging.LogSink, logger logrus.FieldLogger) *BufferPool {
	common.Assert(numPages > 0, "buffer pool capacity must be positive, got %d", numPages)
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	bp := &BufferPool{
		tables:    tables,
		locks:     locks,
		wal:       wal,
		log:       logger.WithField("component", "bufferpool"),
		slots:     make([]slot, numPages),
		free:      make([]int, numPages),
		pageTable: make(map[common.PageID]int, numPages),
		lru: btree.NewBTreeGOptions(func(a, b lruEntry) bool {
			return a.tick < b.tick
		}, btree.Options{NoLocks: true}),
	}
	bp.cond = sync.NewCond(&bp.mu)
	// Popped from the back, so slot 0 is handed out first
	for i := range bp.free {
		bp.free[i] = numPages - 1 - i
	}
	return bp
}

// Capacity returns the maximum number of resident pages.
func (bp *BufferPool) Capacity() int {
	return len(bp.slots)
}

// NumResident returns the number of pages currently cached, including pages being loaded.
func (bp *BufferPool) NumResident() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pageTable)
}

// LockManager returns the lock manager the pool acquires page locks through.
func (bp *BufferPool) LockManager() *lock.LockManager {
	return bp.locks
}

// IsResident reports whether pid is currently cached.
func (bp *BufferPool) IsResident(pid common.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	_, ok := bp.pageTable[pid]
	return ok
}

// acquireLocked blocks until tid holds pid in the given mode. bp.mu must be held; it is released while
// waiting.
func (bp *BufferPool) acquireLocked(tid common.TransactionID, pid common.PageID, mode lock.Mode) error {
	for {
		granted, err := bp.locks.Acquire(tid, pid, mode)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		bp.cond.Wait()
	}
}

func (bp *BufferPool) touchLocked(idx int) {
	s := &bp.slots[idx]
	if s.tick != 0 {
		bp.lru.Delete(lruEntry{tick: s.tick})
	}
	bp.clock++
	s.tick = bp.clock
	bp.lru.Set(lruEntry{tick: s.tick, slot: idx})
}

// findVictimLocked returns the least recently used resident clean page, or -1.
func (bp *BufferPool) findVictimLocked() int {
	victim := -1
	bp.lru.Scan(func(e lruEntry) bool {
		s := &bp.slots[e.slot]
		if s.state == slotResident && !s.page.IsDirty() {
			victim = e.slot
			return false
		}
		return true
	})
	return victim
}

func (bp *BufferPool) inTransitLocked() bool {
	for i := range bp.slots {
		if st := bp.slots[i].state; st == slotLoading || st == slotFlushing {
			return true
		}
	}
	return false
}

// removeLocked drops the page in slot idx from the cache and frees the slot. The Page object itself is left
// untouched, so callers still holding it see consistent bytes.
func (bp *BufferPool) removeLocked(idx int) {
	s := &bp.slots[idx]
	delete(bp.pageTable, s.page.ID())
	if s.tick != 0 {
		bp.lru.Delete(lruEntry{tick: s.tick})
	}
	*s = slot{}
	bp.free = append(bp.free, idx)
	GaugeBufferPoolResidentPages.Dec()
}

// reserveSlotLocked returns a free slot, evicting the least recently used clean page if the pool is full.
// If no page can be evicted right now but some are in transit, it waits once and reports retry; the caller
// must re-check the page table since bp.mu was released. If every resident page is dirty, it fails with
// CacheExhaustedError.
func (bp *BufferPool) reserveSlotLocked() (idx int, retry bool, err error) {
	if n := len(bp.free); n > 0 {
		idx = bp.free[n-1]
		bp.free = bp.free[:n-1]
		return idx, false, nil
	}
	if victim := bp.findVictimLocked(); victim != -1 {
		bp.log.WithField("page", bp.slots[victim].page.ID()).Debug("evicting page")
		bp.removeLocked(victim)
		CounterBufferPoolEvictions.Inc()
		idx = bp.free[len(bp.free)-1]
		bp.free = bp.free[:len(bp.free)-1]
		return idx, false, nil
	}
	if bp.inTransitLocked() {
		bp.cond.Wait()
		return -1, true, nil
	}
	bp.log.WithField("capacity", len(bp.slots)).Warn("every resident page is dirty, cannot evict")
	return -1, false, common.NewError(common.CacheExhaustedError,
		"all %d resident pages are dirty, no page can be evicted", len(bp.slots))
}

// installLocked places p in slot idx in the given state. Pages in transit are not indexed for recency
// until they become resident.
func (bp *BufferPool) installLocked(idx int, p *Page, state slotState) {
	bp.slots[idx] = slot{page: p, state: state}
	bp.pageTable[p.ID()] = idx
	GaugeBufferPoolResidentPages.Inc()
	if state == slotResident {
		bp.touchLocked(idx)
	}
}

// fetchLocked returns the cached page for pid, loading it from its file if needed. bp.mu must be held; it
// is released during file I/O and while waiting.
func (bp *BufferPool) fetchLocked(pid common.PageID) (*Page, error) {
	for {
		if idx, ok := bp.pageTable[pid]; ok {
			if bp.slots[idx].state == slotLoading {
				bp.cond.Wait()
				continue
			}
			bp.touchLocked(idx)
			CounterBufferPoolHits.Inc()
			return bp.slots[idx].page, nil
		}

		file, err := bp.tables.FileFor(pid.Oid)
		if err != nil {
			return nil, err
		}

		idx, retry, err := bp.reserveSlotLocked()
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}

		p := newPage(pid)
		CounterBufferPoolMisses.Inc()
		bp.installLocked(idx, p, slotLoading)
		bp.mu.Unlock()
		err = file.ReadPage(int(pid.PageNum), p.Bytes[:])
		bp.mu.Lock()
		if err != nil {
			bp.removeLocked(idx)
			bp.cond.Broadcast()
			return nil, err
		}
		bp.slots[idx].state = slotResident
		bp.touchLocked(idx)
		bp.cond.Broadcast()
		return p, nil
	}
}

// GetPage retrieves page pid for transaction tid with the requested lock mode.
//
// GetPage blocks until the lock is granted. If waiting would deadlock it returns a DeadlockError and the
// transaction must abort. Once the lock is held the page is served from the cache, or loaded from its file
// after evicting the least recently used clean page if the pool is full. A pool holding only dirty pages
// fails with CacheExhaustedError.
//
// The returned Page remains valid while tid holds the lock. Before modifying it under an Exclusive lock,
// callers must call MarkDirty.
func (bp *BufferPool) GetPage(tid common.TransactionID, pid common.PageID, mode lock.Mode) (*Page, error) {
	if !mode.Valid() {
		return nil, common.NewError(common.InvalidPermissionError, "invalid permission %d requested on %s", mode, pid)
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if err := bp.acquireLocked(tid, pid, mode); err != nil {
		return nil, err
	}
	return bp.fetchLocked(pid)
}

// NewPage extends table oid by one zero-filled page and returns it, Exclusive locked by tid. The page is
// not formatted; see InitializeHeapPage.
//
// The file is extended before the lock is requested, so another transaction may lock the new page first
// and insert into it. The page is therefore always read back from the file, and callers must check its
// contents instead of assuming it is empty.
func (bp *BufferPool) NewPage(tid common.TransactionID, oid common.ObjectID) (*Page, error) {
	file, err := bp.tables.FileFor(oid)
	if err != nil {
		return nil, err
	}
	pageNum, err := file.AllocatePage(1)
	if err != nil {
		return nil, err
	}
	pid := common.PageID{Oid: oid, PageNum: int32(pageNum)}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if err := bp.acquireLocked(tid, pid, lock.Exclusive); err != nil {
		return nil, err
	}
	return bp.fetchLocked(pid)
}

// MarkDirty records that tid is about to modify p. It must be called before the first modification so that
// the page's current contents can be kept as its before-image; calling it again within the same
// transaction keeps the original image. tid must hold an Exclusive lock on the page.
//
// If p was evicted while clean, it is reinstalled in the cache, which may itself fail with
// CacheExhaustedError.
func (bp *BufferPool) MarkDirty(tid common.TransactionID, p *Page) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	pid := p.ID()
	if mode, ok := bp.locks.ModeOf(pid); !ok || mode != lock.Exclusive || !bp.locks.Holds(tid, pid) {
		return common.NewError(common.InvalidPermissionError, "%s must hold an exclusive lock to modify %s", tid, pid)
	}

	for {
		idx, ok := bp.pageTable[pid]
		if ok && bp.slots[idx].page == p {
			bp.touchLocked(idx)
			break
		}
		if ok {
			// tid re-fetched the page after it was evicted. Both copies are clean and identical under the
			// exclusive lock, so the caller's copy replaces the cached one.
			common.Assert(!bp.slots[idx].page.IsDirty(), "replacing dirty cached copy of %s", pid)
			bp.slots[idx].page = p
			bp.touchLocked(idx)
			break
		}
		idx, retry, err := bp.reserveSlotLocked()
		if err != nil {
			return err
		}
		if retry {
			continue
		}
		bp.installLocked(idx, p, slotResident)
		break
	}

	switch owner := p.Dirtier(); owner {
	case tid:
	case common.InvalidTransactionID:
		p.captureBeforeImage()
		p.setDirtier(tid)
	default:
		common.Assert(false, "%s dirtied by %s while %s holds the exclusive lock", pid, owner, tid)
	}
	return nil
}

// ReleasePage releases tid's lock on pid before the transaction ends. Pages tid has dirtied cannot be
// released early.
func (bp *BufferPool) ReleasePage(tid common.TransactionID, pid common.PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if idx, ok := bp.pageTable[pid]; ok && bp.slots[idx].page.Dirtier() == tid {
		return common.NewError(common.TransactionStateError, "%s cannot release %s which it has modified", tid, pid)
	}
	bp.locks.Release(tid, pid)
	bp.cond.Broadcast()
	return nil
}

// HoldsLock reports whether tid holds a lock on pid.
func (bp *BufferPool) HoldsLock(tid common.TransactionID, pid common.PageID) bool {
	return bp.locks.Holds(tid, pid)
}

type flushJob struct {
	page   *Page
	owner  common.TransactionID
	before []byte
	after  []byte
}

// newFlushJobLocked snapshots a dirty page for writing with the latch released.
func newFlushJobLocked(p *Page) flushJob {
	after := make([]byte, common.PageSize)
	copy(after, p.Bytes[:])
	return flushJob{page: p, owner: p.Dirtier(), before: p.BeforeImage(), after: after}
}

func (bp *BufferPool) writeImage(pid common.PageID, img []byte) error {
	file, err := bp.tables.FileFor(pid.Oid)
	if err != nil {
		return err
	}
	return file.WritePage(int(pid.PageNum), img)
}

// writePages logs every job's image pair, forces the log, then writes the pages to their files. If
// finish is not nil it runs after the last page is written.
//
// If a page write or finish fails, the before-images of the pages written so far, including the one whose
// write failed, are written back so the files hold none of the jobs' changes.
func (bp *BufferPool) writePages(jobs []flushJob, finish func() error) error {
	for _, job := range jobs {
		if err := bp.wal.LogWrite(job.owner, job.page.ID(), job.before, job.after); err != nil {
			return err
		}
	}
	if err := bp.wal.Force(); err != nil {
		return err
	}

	var err error
	written := 0
	for written < len(jobs) {
		job := jobs[written]
		written++
		if err = bp.writeImage(job.page.ID(), job.after); err != nil {
			break
		}
		CounterBufferPoolFlushes.Inc()
	}
	if err == nil && finish != nil {
		err = finish()
	}
	if err == nil {
		return nil
	}

	for _, job := range jobs[:written] {
		if undoErr := bp.writeImage(job.page.ID(), job.before); undoErr != nil {
			bp.log.WithError(undoErr).WithField("page", job.page.ID()).Error("failed to restore page after failed write")
			err = errors.Join(err, fmt.Errorf("restoring %s: %w", job.page.ID(), undoErr))
		}
	}
	return err
}

// flushLocked writes the given dirty pages with the latch released, running finish after them as
// writePages does. On success the pages are marked clean; on failure they stay dirty and their files are
// left as before. Slots are marked flushing for the duration so that fetchers needing a free slot wait for
// them.
func (bp *BufferPool) flushLocked(pages []*Page, finish func() error) error {
	if len(pages) == 0 {
		return nil
	}
	jobs := make([]flushJob, 0, len(pages))
	for _, p := range pages {
		bp.slots[bp.pageTable[p.ID()]].state = slotFlushing
		jobs = append(jobs, newFlushJobLocked(p))
	}

	bp.mu.Unlock()
	err := bp.writePages(jobs, finish)
	bp.mu.Lock()

	for _, job := range jobs {
		// The page may have been discarded while the latch was released
		if idx, ok := bp.pageTable[job.page.ID()]; ok && bp.slots[idx].page == job.page {
			bp.slots[idx].state = slotResident
		}
		if err == nil && job.page.Dirtier() == job.owner {
			job.page.markClean()
		}
	}
	bp.cond.Broadcast()
	return err
}

// dirtyPagesLocked returns the resident pages dirtied by tid among those it holds locks on.
func (bp *BufferPool) dirtyPagesLocked(tid common.TransactionID) []*Page {
	var pages []*Page
	for _, pid := range bp.locks.HeldPages(tid) {
		idx, ok := bp.pageTable[pid]
		if !ok || bp.slots[idx].state != slotResident {
			continue
		}
		if p := bp.slots[idx].page; p.Dirtier() == tid {
			pages = append(pages, p)
		}
	}
	return pages
}

// FlushPages writes every page dirtied by tid to its file, logging and forcing the image pairs first, and
// marks the pages clean. The transaction keeps its locks.
func (bp *BufferPool) FlushPages(tid common.TransactionID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.flushLocked(bp.dirtyPagesLocked(tid), nil)
}

// Complete ends transaction tid. On commit, every page tid dirtied is logged, forced and written to its
// file before being marked clean. On abort, every such page is restored in memory to its before-image
// without any I/O. Either way, all of tid's locks are then released and blocked fetchers are woken.
//
// A writing transaction's commit record is appended after its last page is written and is forced, so a
// durable commit record implies the pages are in their files. A read-only commit record is not forced.
//
// If logging or writing fails during commit, any pages already written are restored from their
// before-images, the error is returned, and tid keeps its locks and dirty pages; the caller must then
// complete the transaction as aborted.
func (bp *BufferPool) Complete(tid common.TransactionID, commit bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	dirty := bp.dirtyPagesLocked(tid)
	if commit {
		var err error
		if len(dirty) == 0 {
			err = bp.wal.LogCommit(tid)
		} else {
			err = bp.flushLocked(dirty, func() error {
				if err := bp.wal.LogCommit(tid); err != nil {
					return err
				}
				return bp.wal.Force()
			})
		}
		if err != nil {
			bp.log.WithError(err).WithField("txn", tid).Error("failed to commit")
			return err
		}
	} else {
		for _, p := range dirty {
			p.revert()
			p.markClean()
		}
		if err := bp.wal.LogAbort(tid); err != nil {
			bp.log.WithError(err).WithField("txn", tid).Warn("failed to log abort")
		}
	}

	bp.locks.ReleaseAll(tid)
	bp.cond.Broadcast()
	bp.log.WithFields(logrus.Fields{
		"txn":    tid,
		"commit": commit,
		"pages":  len(dirty),
	}).Debug("transaction completed")
	return nil
}

// DiscardPage removes pid from the cache without writing it, regardless of its dirty state. It is used
// when the page no longer exists in storage.
func (bp *BufferPool) DiscardPage(pid common.PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for {
		idx, ok := bp.pageTable[pid]
		if !ok {
			return
		}
		if bp.slots[idx].state == slotLoading {
			bp.cond.Wait()
			continue
		}
		bp.removeLocked(idx)
		bp.cond.Broadcast()
		return
	}
}

// FlushAllPages writes every dirty resident page to its file and marks it clean, whichever transaction
// dirtied it. It is meant for shutdown and checkpoints; pages written this way can no longer be rolled
// back, so no transaction should be active.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var pages []*Page
	for i := range bp.slots {
		if s := &bp.slots[i]; s.state == slotResident && s.page.IsDirty() {
			pages = append(pages, s.page)
		}
	}
	return bp.flushLocked(pages, nil)
}

// InsertTuple stores row in table oid on behalf of tid and returns its location. Existing pages are probed
// in order under Exclusive locks; a probed page with no room is released again unless tid already held it.
// If no page has room, the table is extended by one page.
func (bp *BufferPool) InsertTuple(tid common.TransactionID, oid common.ObjectID, row RawTuple) (common.RecordID, error) {
	desc, err := bp.tables.DescFor(oid)
	if err != nil {
		return common.RecordID{}, err
	}
	if len(row) != desc.BytesPerTuple() {
		return common.RecordID{}, fmt.Errorf("row of %d bytes does not match table %d row size %d", len(row), oid, desc.BytesPerTuple())
	}
	file, err := bp.tables.FileFor(oid)
	if err != nil {
		return common.RecordID{}, err
	}
	numPages, err := file.NumPages()
	if err != nil {
		return common.RecordID{}, err
	}

	for pageNum := 0; pageNum < numPages; pageNum++ {
		pid := common.PageID{Oid: oid, PageNum: int32(pageNum)}
		alreadyHeld := bp.HoldsLock(tid, pid)
		p, err := bp.GetPage(tid, pid, lock.Exclusive)
		if err != nil {
			return common.RecordID{}, err
		}
		if !IsHeapPage(p) || AsHeapPage(p).FindFreeSlot() != -1 {
			return bp.insertInto(tid, p, desc, row)
		}
		if !alreadyHeld {
			if err := bp.ReleasePage(tid, pid); err != nil {
				return common.RecordID{}, err
			}
		}
	}

	for {
		p, err := bp.NewPage(tid, oid)
		if err != nil {
			return common.RecordID{}, err
		}
		if !IsHeapPage(p) || AsHeapPage(p).FindFreeSlot() != -1 {
			return bp.insertInto(tid, p, desc, row)
		}
		// Filled by transactions that locked the page between its allocation and our lock request
		if err := bp.ReleasePage(tid, p.ID()); err != nil {
			return common.RecordID{}, err
		}
	}
}

func (bp *BufferPool) insertInto(tid common.TransactionID, p *Page, desc *RawTupleDesc, row RawTuple) (common.RecordID, error) {
	if err := bp.MarkDirty(tid, p); err != nil {
		return common.RecordID{}, err
	}
	if !IsHeapPage(p) {
		InitializeHeapPage(desc, p)
	}
	slotNum := AsHeapPage(p).InsertTuple(row)
	common.Assert(slotNum != -1, "no free slot on %s after probing", p.ID())
	return common.RecordID{PageID: p.ID(), Slot: int32(slotNum)}, nil
}

// DeleteTuple removes the row at rid on behalf of tid. It fails with TupleNotFoundError if the slot holds
// no row.
func (bp *BufferPool) DeleteTuple(tid common.TransactionID, rid common.RecordID) error {
	p, err := bp.GetPage(tid, rid.PageID, lock.Exclusive)
	if err != nil {
		return err
	}
	if !IsHeapPage(p) || !AsHeapPage(p).IsAllocated(int(rid.Slot)) {
		return common.NewError(common.TupleNotFoundError, "no tuple at %s", rid)
	}
	if err := bp.MarkDirty(tid, p); err != nil {
		return err
	}
	AsHeapPage(p).DeleteTuple(int(rid.Slot))
	return nil
}
