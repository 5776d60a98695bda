package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/lock"
	"mit.edu/dsg/godb/logging"
)

// Wrappers around normal DBFile for testing purposes
type StatsDBFile struct {
	DBFile
	ReadCnt, WriteCnt atomic.Int64

	// Hooks, set before the file is shared. AfterAllocate runs once the file has grown. FailWrite, if it
	// returns an error, fails the write without touching the file.
	AfterAllocate func(pageNum int)
	FailWrite     func(pageNum int, frame []byte) error
}

func (f *StatsDBFile) ReadPage(pageNum int, frame []byte) error {
	f.ReadCnt.Add(1)
	return f.DBFile.ReadPage(pageNum, frame)
}

func (f *StatsDBFile) WritePage(pageNum int, frame []byte) error {
	f.WriteCnt.Add(1)
	if f.FailWrite != nil {
		if err := f.FailWrite(pageNum, frame); err != nil {
			return err
		}
	}
	return f.DBFile.WritePage(pageNum, frame)
}

func (f *StatsDBFile) AllocatePage(numPages int) (int, error) {
	pageNum, err := f.DBFile.AllocatePage(numPages)
	if err == nil && f.AfterAllocate != nil {
		f.AfterAllocate(pageNum)
	}
	return pageNum, err
}

type StatsDBFileManager struct {
	Inner DBFileManager
	Files *xsync.MapOf[common.ObjectID, *StatsDBFile]
}

func (m *StatsDBFileManager) GetDBFile(oid common.ObjectID) (DBFile, error) {
	if f, ok := m.Files.Load(oid); ok {
		return f, nil
	}
	realFile, err := m.Inner.GetDBFile(oid)
	if err != nil {
		return nil, err
	}
	statsFile := &StatsDBFile{DBFile: realFile}
	actual, _ := m.Files.LoadOrStore(oid, statsFile)
	return actual, nil
}

func (m *StatsDBFileManager) DeleteDBFile(oid common.ObjectID) error {
	m.Files.Delete(oid)
	return m.Inner.DeleteDBFile(oid)
}

// testTables resolves every table to a StatsDBFile and to the two-int row layout.
type testTables struct {
	files *StatsDBFileManager
	desc  *RawTupleDesc
}

func (tt *testTables) FileFor(oid common.ObjectID) (DBFile, error) {
	return tt.files.GetDBFile(oid)
}

func (tt *testTables) DescFor(oid common.ObjectID) (*RawTupleDesc, error) {
	return tt.desc, nil
}

func (tt *testTables) stats(t *testing.T, oid common.ObjectID) *StatsDBFile {
	f, err := tt.files.GetDBFile(oid)
	require.NoError(t, err)
	return f.(*StatsDBFile)
}

func setupBufferPool(t *testing.T, numPages int) (*BufferPool, *testTables, *logging.MemoryLogSink) {
	realSm := NewDiskStorageManager(t.TempDir(), nil)
	t.Cleanup(func() { realSm.Close() })
	tables := &testTables{
		files: &StatsDBFileManager{
			Inner: realSm,
			Files: xsync.NewMapOf[common.ObjectID, *StatsDBFile](),
		},
		desc: NewRawTupleDesc([]common.Type{common.IntType, common.IntType}),
	}
	wal := logging.NewMemoryLogSink()
	bp := NewBufferPool(numPages, tables, lock.NewLockManager(nil), wal, nil)
	return bp, tables, wal
}

// createDummyFile writes numPages pages whose contents start with "Page-<n>".
func createDummyFile(t *testing.T, tables *testTables, oid common.ObjectID, numPages int) *StatsDBFile {
	file := tables.stats(t, oid)
	_, err := file.AllocatePage(numPages)
	require.NoError(t, err)

	for i := 0; i < numPages; i++ {
		data := make([]byte, common.PageSize)
		copy(data, fmt.Sprintf("Page-%d", i))
		require.NoError(t, file.WritePage(i, data))
	}

	// Zero counters for test start
	file.WriteCnt.Store(0)
	file.ReadCnt.Store(0)
	return file
}

// readFromDisk reads a page straight from its file, bypassing the pool.
func readFromDisk(t *testing.T, tables *testTables, pid common.PageID) *Page {
	p := newPage(pid)
	file, err := tables.files.Inner.GetDBFile(pid.Oid)
	require.NoError(t, err)
	require.NoError(t, file.ReadPage(int(pid.PageNum), p.Bytes[:]))
	return p
}

func intRow(t *testing.T, desc *RawTupleDesc, a, b int64) RawTuple {
	row, err := desc.NewRawTuple(common.NewIntValue(a), common.NewIntValue(b))
	require.NoError(t, err)
	return row
}

// getPageAsync fetches a page in a goroutine and reports the result on the returned channel.
func getPageAsync(bp *BufferPool, tid common.TransactionID, pid common.PageID, mode lock.Mode) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := bp.GetPage(tid, pid, mode)
		done <- err
	}()
	return done
}

func assertBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("request should be blocked, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertGranted(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request should have been granted")
	}
}

func TestBufferPool_CachesPages(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 4)
	oid := common.ObjectID(1)
	stats := createDummyFile(t, tables, oid, 2)
	tid := common.TransactionID(1)

	pid0 := common.PageID{Oid: oid, PageNum: 0}
	p1, err := bp.GetPage(tid, pid0, lock.Shared)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ReadCnt.Load(), "First access should read from disk")
	assert.True(t, bytes.HasPrefix(p1.Bytes[:], []byte("Page-0")), "Access should read correct data")
	assert.Equal(t, pid0, p1.ID())

	p2, err := bp.GetPage(tid, pid0, lock.Shared)
	require.NoError(t, err)
	assert.Same(t, p1, p2, "Second access should return the cached page")
	assert.Equal(t, int64(1), stats.ReadCnt.Load(), "Second access should be cached")
	assert.Equal(t, 1, bp.NumResident())
	assert.True(t, bp.HoldsLock(tid, pid0))

	require.NoError(t, bp.Complete(tid, true))
	assert.False(t, bp.HoldsLock(tid, pid0))
	assert.Equal(t, int64(0), stats.WriteCnt.Load(), "Clean pages are never written")
}

func TestBufferPool_InvalidPermission(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	createDummyFile(t, tables, 1, 1)

	_, err := bp.GetPage(1, common.PageID{Oid: 1, PageNum: 0}, lock.Mode(0))
	assert.True(t, common.IsErrorCode(err, common.InvalidPermissionError), "got %v", err)
	assert.Equal(t, 0, bp.NumResident(), "Nothing should be loaded for a rejected request")
}

func TestBufferPool_ReadPastEnd(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	createDummyFile(t, tables, 1, 1)

	_, err := bp.GetPage(1, common.PageID{Oid: 1, PageNum: 5}, lock.Shared)
	assert.True(t, common.IsErrorCode(err, common.PageOutOfBoundsError), "got %v", err)
	assert.Equal(t, 0, bp.NumResident(), "A failed load must free its slot")
}

func TestBufferPool_LRUEviction(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(2)
	createDummyFile(t, tables, oid, 3)
	tid := common.TransactionID(1)
	pidA := common.PageID{Oid: oid, PageNum: 0}
	pidB := common.PageID{Oid: oid, PageNum: 1}
	pidC := common.PageID{Oid: oid, PageNum: 2}

	evictions := testutil.ToFloat64(CounterBufferPoolEvictions)
	for _, pid := range []common.PageID{pidA, pidB, pidC} {
		_, err := bp.GetPage(tid, pid, lock.Shared)
		require.NoError(t, err)
	}
	assert.False(t, bp.IsResident(pidA), "A was touched least recently")
	assert.True(t, bp.IsResident(pidB))
	assert.True(t, bp.IsResident(pidC))
	assert.Equal(t, 2, bp.NumResident())
	assert.Equal(t, evictions+1, testutil.ToFloat64(CounterBufferPoolEvictions))

	// Touching B makes C the victim
	_, err := bp.GetPage(tid, pidB, lock.Shared)
	require.NoError(t, err)
	_, err = bp.GetPage(tid, pidA, lock.Shared)
	require.NoError(t, err)
	assert.True(t, bp.IsResident(pidA))
	assert.True(t, bp.IsResident(pidB))
	assert.False(t, bp.IsResident(pidC))
}

func TestBufferPool_NoSteal(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(3)
	stats := createDummyFile(t, tables, oid, 3)
	tid := common.TransactionID(1)
	pidA := common.PageID{Oid: oid, PageNum: 0}
	pidB := common.PageID{Oid: oid, PageNum: 1}
	pidC := common.PageID{Oid: oid, PageNum: 2}

	pA, err := bp.GetPage(tid, pidA, lock.Exclusive)
	require.NoError(t, err)
	require.NoError(t, bp.MarkDirty(tid, pA))
	copy(pA.Bytes[:], "Dirty")
	_, err = bp.GetPage(2, pidB, lock.Shared)
	require.NoError(t, err)

	// A is older but dirty, so B goes
	_, err = bp.GetPage(2, pidC, lock.Shared)
	require.NoError(t, err)
	assert.True(t, bp.IsResident(pidA))
	assert.False(t, bp.IsResident(pidB))
	assert.Equal(t, int64(0), stats.WriteCnt.Load(), "Dirty pages must not reach disk before commit")
	assert.True(t, bytes.HasPrefix(readFromDisk(t, tables, pidA).Bytes[:], []byte("Page-0")))
}

func TestBufferPool_CacheExhausted(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(4)
	createDummyFile(t, tables, oid, 3)
	tid := common.TransactionID(1)

	for i := 0; i < 2; i++ {
		p, err := bp.GetPage(tid, common.PageID{Oid: oid, PageNum: int32(i)}, lock.Exclusive)
		require.NoError(t, err)
		require.NoError(t, bp.MarkDirty(tid, p))
		p.Bytes[100] = 1
	}

	_, err := bp.GetPage(2, common.PageID{Oid: oid, PageNum: 2}, lock.Shared)
	assert.True(t, common.IsErrorCode(err, common.CacheExhaustedError), "got %v", err)

	// Committing cleans the pages, making room again
	require.NoError(t, bp.Complete(tid, true))
	_, err = bp.GetPage(2, common.PageID{Oid: oid, PageNum: 2}, lock.Shared)
	assert.NoError(t, err)
}

func TestBufferPool_MarkDirtyRequiresExclusive(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(5)
	createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}

	p, err := bp.GetPage(1, pid, lock.Shared)
	require.NoError(t, err)
	err = bp.MarkDirty(1, p)
	assert.True(t, common.IsErrorCode(err, common.InvalidPermissionError), "Shared holder cannot dirty, got %v", err)
	err = bp.MarkDirty(2, p)
	assert.True(t, common.IsErrorCode(err, common.InvalidPermissionError), "Non-holder cannot dirty, got %v", err)
	assert.False(t, p.IsDirty())

	// Sole shared holder upgrades in place
	p, err = bp.GetPage(1, pid, lock.Exclusive)
	require.NoError(t, err)
	require.NoError(t, bp.MarkDirty(1, p))
	assert.Equal(t, common.TransactionID(1), p.Dirtier())
}

func TestBufferPool_BeforeImageCapturedOnce(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(6)
	createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}
	tid := common.TransactionID(7)

	p, err := bp.GetPage(tid, pid, lock.Exclusive)
	require.NoError(t, err)
	original := append([]byte(nil), p.Bytes[:]...)
	assert.Nil(t, p.BeforeImage(), "Clean pages have no before-image")

	require.NoError(t, bp.MarkDirty(tid, p))
	copy(p.Bytes[:], "first")
	require.NoError(t, bp.MarkDirty(tid, p))
	copy(p.Bytes[:], "second")

	assert.Equal(t, original, p.BeforeImage(), "Later writes must not replace the before-image")

	err = bp.ReleasePage(tid, pid)
	assert.True(t, common.IsErrorCode(err, common.TransactionStateError), "Dirtied pages cannot be released, got %v", err)
	assert.True(t, bp.HoldsLock(tid, pid))

	require.NoError(t, bp.Complete(tid, false))
	assert.Equal(t, original, p.Bytes[:], "Abort restores the before-image in place")
	assert.False(t, p.IsDirty())
	assert.Nil(t, p.BeforeImage())
}

func TestBufferPool_MarkDirtyReinstallsEvictedPage(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 1)
	oid := common.ObjectID(8)
	createDummyFile(t, tables, oid, 2)
	pidA := common.PageID{Oid: oid, PageNum: 0}
	pidB := common.PageID{Oid: oid, PageNum: 1}

	pA, err := bp.GetPage(1, pidA, lock.Exclusive)
	require.NoError(t, err)
	_, err = bp.GetPage(2, pidB, lock.Shared)
	require.NoError(t, err)
	require.False(t, bp.IsResident(pidA))

	require.NoError(t, bp.MarkDirty(1, pA))
	copy(pA.Bytes[:], "Reinstalled")
	assert.True(t, bp.IsResident(pidA))
	assert.False(t, bp.IsResident(pidB))

	require.NoError(t, bp.Complete(1, true))
	assert.True(t, bytes.HasPrefix(readFromDisk(t, tables, pidA).Bytes[:], []byte("Reinstalled")))
}

// TestBufferPool_ExclusiveBlocksUntilCommit: a second exclusive request waits for the holder to complete.
func TestBufferPool_ExclusiveBlocksUntilCommit(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(9)
	createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}

	_, err := bp.GetPage(1, pid, lock.Exclusive)
	require.NoError(t, err)

	done := getPageAsync(bp, 2, pid, lock.Exclusive)
	assertBlocked(t, done)

	require.NoError(t, bp.Complete(1, true))
	assertGranted(t, done)
	assert.True(t, bp.HoldsLock(2, pid))
	assert.False(t, bp.HoldsLock(1, pid))
}

// TestBufferPool_SharedHoldersBlockWriter: readers share a page, a writer waits until all of them are done.
func TestBufferPool_SharedHoldersBlockWriter(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(10)
	createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}

	var g errgroup.Group
	for _, tid := range []common.TransactionID{1, 2} {
		tid := tid
		g.Go(func() error {
			_, err := bp.GetPage(tid, pid, lock.Shared)
			return err
		})
	}
	require.NoError(t, g.Wait())
	mode, ok := bp.LockManager().ModeOf(pid)
	require.True(t, ok)
	assert.Equal(t, lock.Shared, mode)

	done := getPageAsync(bp, 3, pid, lock.Exclusive)
	assertBlocked(t, done)
	require.NoError(t, bp.Complete(1, true))
	assertBlocked(t, done)
	require.NoError(t, bp.Complete(2, false))
	assertGranted(t, done)
}

func TestBufferPool_Deadlock(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 4)
	oid := common.ObjectID(11)
	createDummyFile(t, tables, oid, 2)
	pid1 := common.PageID{Oid: oid, PageNum: 0}
	pid2 := common.PageID{Oid: oid, PageNum: 1}
	deadlocks := testutil.ToFloat64(lock.CounterLockDeadlocks)

	_, err := bp.GetPage(1, pid1, lock.Exclusive)
	require.NoError(t, err)
	_, err = bp.GetPage(2, pid2, lock.Exclusive)
	require.NoError(t, err)

	done := getPageAsync(bp, 1, pid2, lock.Exclusive)
	require.Eventually(t, func() bool {
		waiting, ok := bp.LockManager().WaitingOn(1)
		return ok && waiting == pid2
	}, 2*time.Second, time.Millisecond)

	// T2 closes the cycle and is the victim
	_, err = bp.GetPage(2, pid1, lock.Exclusive)
	require.True(t, common.IsErrorCode(err, common.DeadlockError), "got %v", err)
	assert.Equal(t, deadlocks+1, testutil.ToFloat64(lock.CounterLockDeadlocks))
	assertBlocked(t, done)

	require.NoError(t, bp.Complete(2, false))
	assertGranted(t, done)
	assert.True(t, bp.HoldsLock(1, pid2))
}

func TestBufferPool_InsertCommit(t *testing.T) {
	bp, tables, wal := setupBufferPool(t, 4)
	oid := common.ObjectID(12)
	tid := common.TransactionID(1)
	row := intRow(t, tables.desc, 42, 7)

	rid, err := bp.InsertTuple(tid, oid, row)
	require.NoError(t, err)
	assert.Equal(t, common.PageID{Oid: oid, PageNum: 0}, rid.PageID)
	assert.Equal(t, int64(0), tables.stats(t, oid).WriteCnt.Load(), "Nothing is written before commit")

	require.NoError(t, bp.Complete(tid, true))
	onDisk := readFromDisk(t, tables, rid.PageID)
	require.True(t, IsHeapPage(onDisk))
	hp := AsHeapPage(onDisk)
	require.True(t, hp.IsAllocated(int(rid.Slot)))
	assert.Equal(t, []byte(row), []byte(hp.AccessTuple(int(rid.Slot))))

	// The page image is forced before the page is written; the commit record is forced after it
	records := wal.Records()
	require.Len(t, records, 2)
	assert.Equal(t, logging.LogPageWrite, records[0].RecordType())
	assert.Equal(t, rid.PageID, records[0].PageID())
	assert.Equal(t, onDisk.Bytes[:], records[0].AfterImage())
	assert.Equal(t, make([]byte, common.PageSize), records[0].BeforeImage())
	assert.Equal(t, logging.LogCommit, records[1].RecordType())
	assert.Len(t, wal.DurableRecords(), 2)
	assert.Equal(t, 2, wal.NumForces())
}

func TestBufferPool_InsertAbort(t *testing.T) {
	bp, tables, wal := setupBufferPool(t, 4)
	oid := common.ObjectID(13)
	desc := tables.desc

	// Commit one row so the page exists on disk
	first, err := bp.InsertTuple(1, oid, intRow(t, desc, 1, 1))
	require.NoError(t, err)
	require.NoError(t, bp.Complete(1, true))
	stats := tables.stats(t, oid)
	stats.WriteCnt.Store(0)
	committed := readFromDisk(t, tables, first.PageID)

	rid, err := bp.InsertTuple(2, oid, intRow(t, desc, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, first.PageID, rid.PageID, "The second row fits on the same page")
	p, err := bp.GetPage(2, rid.PageID, lock.Shared)
	require.NoError(t, err)
	assert.Equal(t, 2, AsHeapPage(p).NumUsed())

	require.NoError(t, bp.Complete(2, false))
	assert.Equal(t, int64(0), stats.WriteCnt.Load(), "Abort must not touch the file")
	assert.Equal(t, committed.Bytes, readFromDisk(t, tables, rid.PageID).Bytes)
	require.True(t, bp.IsResident(rid.PageID))
	assert.Equal(t, committed.Bytes, p.Bytes, "The cached page must match its pre-transaction state")
	assert.False(t, AsHeapPage(p).IsAllocated(int(rid.Slot)))

	records := wal.Records()
	assert.Equal(t, logging.LogAbort, records[len(records)-1].RecordType())
}

func TestBufferPool_InsertFillsPages(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 8)
	oid := common.ObjectID(14)
	tid := common.TransactionID(1)

	probe := newPage(common.PageID{})
	InitializeHeapPage(tables.desc, probe)
	perPage := AsHeapPage(probe).NumSlots()

	pages := make(map[int32]int)
	for i := 0; i < perPage+1; i++ {
		rid, err := bp.InsertTuple(tid, oid, intRow(t, tables.desc, int64(i), 0))
		require.NoError(t, err)
		pages[rid.PageID.PageNum]++
	}
	assert.Equal(t, map[int32]int{0: perPage, 1: 1}, pages)
	require.NoError(t, bp.Complete(tid, true))

	// A later transaction probes past the full page without keeping its lock
	rid, err := bp.InsertTuple(2, oid, intRow(t, tables.desc, -1, -1))
	require.NoError(t, err)
	assert.Equal(t, int32(1), rid.PageID.PageNum)
	assert.False(t, bp.HoldsLock(2, common.PageID{Oid: oid, PageNum: 0}))
	assert.True(t, bp.HoldsLock(2, rid.PageID))
}

func TestBufferPool_InsertRejectsWrongRowSize(t *testing.T) {
	bp, _, _ := setupBufferPool(t, 2)
	_, err := bp.InsertTuple(1, 15, RawTuple{1, 2, 3})
	assert.Error(t, err)
}

func TestBufferPool_DeleteTuple(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 4)
	oid := common.ObjectID(16)
	rid, err := bp.InsertTuple(1, oid, intRow(t, tables.desc, 5, 5))
	require.NoError(t, err)
	require.NoError(t, bp.Complete(1, true))

	missing := common.RecordID{PageID: rid.PageID, Slot: rid.Slot + 1}
	err = bp.DeleteTuple(2, missing)
	assert.True(t, common.IsErrorCode(err, common.TupleNotFoundError), "got %v", err)

	require.NoError(t, bp.DeleteTuple(2, rid))
	err = bp.DeleteTuple(2, rid)
	assert.True(t, common.IsErrorCode(err, common.TupleNotFoundError), "Deleting twice should fail, got %v", err)
	require.NoError(t, bp.Complete(2, false))

	p, err := bp.GetPage(3, rid.PageID, lock.Shared)
	require.NoError(t, err)
	assert.True(t, AsHeapPage(p).IsAllocated(int(rid.Slot)), "Aborted delete is rolled back")

	require.NoError(t, bp.Complete(3, true))
	require.NoError(t, bp.DeleteTuple(4, rid))
	require.NoError(t, bp.Complete(4, true))
	assert.False(t, AsHeapPage(readFromDisk(t, tables, rid.PageID)).IsAllocated(int(rid.Slot)))
}

func TestBufferPool_CommitFailureKeepsState(t *testing.T) {
	bp, tables, wal := setupBufferPool(t, 4)
	oid := common.ObjectID(17)
	createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}
	stats := tables.stats(t, oid)

	p, err := bp.GetPage(1, pid, lock.Exclusive)
	require.NoError(t, err)
	require.NoError(t, bp.MarkDirty(1, p))
	copy(p.Bytes[:], "Lost")

	wal.SetError(errors.New("disk full"))
	err = bp.Complete(1, true)
	require.Error(t, err)
	assert.True(t, bp.HoldsLock(1, pid), "A failed commit keeps its locks")
	assert.True(t, p.IsDirty(), "A failed commit keeps its dirty pages")
	assert.Equal(t, int64(0), stats.WriteCnt.Load(), "Pages are never written before the log is forced")

	require.NoError(t, bp.Complete(1, false))
	assert.True(t, bytes.HasPrefix(p.Bytes[:], []byte("Page-0")))
	assert.False(t, bp.HoldsLock(1, pid))
}

func TestBufferPool_NewPageLockedByAnotherTransaction(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 1)
	oid := common.ObjectID(18)
	createDummyFile(t, tables, 99, 1)
	file := tables.stats(t, oid)

	// Between T1 growing the file and T1 locking the new page, T2 inserts into it and commits, and T3
	// pushes it out of the single-page pool.
	var other common.RecordID
	file.AfterAllocate = func(pageNum int) {
		file.AfterAllocate = nil
		var err error
		other, err = bp.InsertTuple(2, oid, intRow(t, tables.desc, 2, 2))
		require.NoError(t, err)
		require.NoError(t, bp.Complete(2, true))
		_, err = bp.GetPage(3, common.PageID{Oid: 99, PageNum: 0}, lock.Shared)
		require.NoError(t, err)
		require.NoError(t, bp.Complete(3, true))
		require.False(t, bp.IsResident(common.PageID{Oid: oid, PageNum: int32(pageNum)}))
	}

	mine, err := bp.InsertTuple(1, oid, intRow(t, tables.desc, 1, 1))
	require.NoError(t, err)
	require.NoError(t, bp.Complete(1, true))
	require.Equal(t, other.PageID, mine.PageID)
	require.NotEqual(t, other.Slot, mine.Slot)

	hp := AsHeapPage(readFromDisk(t, tables, mine.PageID))
	assert.Equal(t, 2, hp.NumUsed(), "Both committed rows must be on disk")
	assert.Equal(t, []byte(intRow(t, tables.desc, 2, 2)), []byte(hp.AccessTuple(int(other.Slot))))
	assert.Equal(t, []byte(intRow(t, tables.desc, 1, 1)), []byte(hp.AccessTuple(int(mine.Slot))))
}

func TestBufferPool_PartialCommitIsUndone(t *testing.T) {
	bp, tables, wal := setupBufferPool(t, 4)
	oid := common.ObjectID(19)
	stats := createDummyFile(t, tables, oid, 2)

	pages := make([]*Page, 2)
	for i := range pages {
		p, err := bp.GetPage(1, common.PageID{Oid: oid, PageNum: int32(i)}, lock.Exclusive)
		require.NoError(t, err)
		require.NoError(t, bp.MarkDirty(1, p))
		copy(p.Bytes[:], "Uncommitted")
		pages[i] = p
	}

	// The second page write fails after the first one reached the file
	var writes atomic.Int64
	stats.FailWrite = func(pageNum int, frame []byte) error {
		if writes.Add(1) == 2 {
			return errors.New("disk full")
		}
		return nil
	}
	require.Error(t, bp.Complete(1, true))
	stats.FailWrite = nil
	assert.True(t, pages[0].IsDirty())
	assert.True(t, pages[1].IsDirty())

	require.NoError(t, bp.Complete(1, false))
	for i, p := range pages {
		want := fmt.Sprintf("Page-%d", i)
		assert.True(t, bytes.HasPrefix(readFromDisk(t, tables, p.ID()).Bytes[:], []byte(want)), "disk page %d", i)
		assert.True(t, bytes.HasPrefix(p.Bytes[:], []byte(want)), "cached page %d", i)
	}
	for _, r := range wal.Records() {
		assert.NotEqual(t, logging.LogCommit, r.RecordType())
	}
}

func TestBufferPool_FailedCommitRecordIsUndone(t *testing.T) {
	bp, tables, wal := setupBufferPool(t, 4)
	oid := common.ObjectID(20)
	createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}

	p, err := bp.GetPage(1, pid, lock.Exclusive)
	require.NoError(t, err)
	require.NoError(t, bp.MarkDirty(1, p))
	copy(p.Bytes[:], "Uncommitted")

	// Fail the log once the page has been written, i.e. at the commit record
	stats := tables.stats(t, oid)
	stats.FailWrite = func(int, []byte) error {
		stats.FailWrite = nil
		wal.SetError(errors.New("log device gone"))
		return nil
	}
	require.Error(t, bp.Complete(1, true))
	wal.SetError(nil)
	assert.Equal(t, int64(2), stats.WriteCnt.Load(), "The page is written, then restored")
	assert.True(t, bytes.HasPrefix(readFromDisk(t, tables, pid).Bytes[:], []byte("Page-0")))

	require.NoError(t, bp.Complete(1, false))
	assert.True(t, bytes.HasPrefix(p.Bytes[:], []byte("Page-0")))
}

func TestBufferPool_FlushAll(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 5)
	oid := common.ObjectID(50)
	stats := createDummyFile(t, tables, oid, 5)

	for i := 0; i < 5; i++ {
		tid := common.TransactionID(i + 1)
		p, err := bp.GetPage(tid, common.PageID{Oid: oid, PageNum: int32(i)}, lock.Exclusive)
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, bp.MarkDirty(tid, p))
			copy(p.Bytes[:], fmt.Sprintf("Flushed-%d", i))
		}
	}

	require.NoError(t, bp.FlushAllPages())
	assert.Equal(t, int64(3), stats.WriteCnt.Load(), "Only dirty pages are written")
	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("Page-%d", i)
		if i%2 == 0 {
			want = fmt.Sprintf("Flushed-%d", i)
		}
		onDisk := readFromDisk(t, tables, common.PageID{Oid: oid, PageNum: int32(i)})
		assert.True(t, bytes.HasPrefix(onDisk.Bytes[:], []byte(want)), "page %d", i)
	}
}

func TestBufferPool_DiscardPage(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 2)
	oid := common.ObjectID(18)
	stats := createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}

	p, err := bp.GetPage(1, pid, lock.Exclusive)
	require.NoError(t, err)
	require.NoError(t, bp.MarkDirty(1, p))

	bp.DiscardPage(pid)
	assert.False(t, bp.IsResident(pid))
	assert.Equal(t, 0, bp.NumResident())
	require.NoError(t, bp.Complete(1, true))
	assert.Equal(t, int64(0), stats.WriteCnt.Load(), "Discarded pages are never written")
}

type SlowDBFile struct {
	DBFile
	Delay time.Duration
}

func (f *SlowDBFile) ReadPage(pageNum int, frame []byte) error {
	time.Sleep(f.Delay)
	return f.DBFile.ReadPage(pageNum, frame)
}

func (f *SlowDBFile) WritePage(pageNum int, frame []byte) error {
	time.Sleep(f.Delay)
	return f.DBFile.WritePage(pageNum, frame)
}

// TestBufferPool_IOConcurrency verifies that disk reads do not block the entire pool. Ten transactions read
// ten disjoint pages from a file with an artificial delay; the total time should be close to a single read.
func TestBufferPool_IOConcurrency(t *testing.T) {
	poolSize := 10
	bp, tables, _ := setupBufferPool(t, poolSize)
	oid := common.ObjectID(888)
	createDummyFile(t, tables, oid, poolSize)

	realFile, _ := tables.files.Inner.GetDBFile(oid)
	statsFile := &StatsDBFile{DBFile: &SlowDBFile{DBFile: realFile, Delay: 50 * time.Millisecond}}
	tables.files.Files.Store(oid, statsFile)

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < poolSize; i++ {
		i := i
		g.Go(func() error {
			tid := common.TransactionID(i + 1)
			_, err := bp.GetPage(tid, common.PageID{Oid: oid, PageNum: int32(i)}, lock.Shared)
			if err != nil {
				return err
			}
			return bp.Complete(tid, true)
		})
	}
	require.NoError(t, g.Wait())
	duration := time.Since(start)

	assert.Equal(t, int64(poolSize), statsFile.ReadCnt.Load())
	// Sequential cost is 10 * 50ms
	assert.Less(t, duration, 200*time.Millisecond, "BufferPool appears to hold its latch during disk reads")
}

// TestBufferPool_Concurrent_Counter has many transactions increment a counter stored on one page. Exclusive
// locks serialize them, so no increment may be lost, and every commit must reach the file.
func TestBufferPool_Concurrent_Counter(t *testing.T) {
	bp, tables, _ := setupBufferPool(t, 4)
	oid := common.ObjectID(200)
	createDummyFile(t, tables, oid, 1)
	pid := common.PageID{Oid: oid, PageNum: 0}
	offsets := []int{8, 1000, 2000, 3000, 4088}

	var nextTid atomic.Uint64
	var g errgroup.Group
	numWorkers, numIncrements := 8, 50
	for w := 0; w < numWorkers; w++ {
		g.Go(func() error {
			for i := 0; i < numIncrements; i++ {
				tid := common.TransactionID(nextTid.Add(1))
				p, err := bp.GetPage(tid, pid, lock.Exclusive)
				if err != nil {
					return err
				}
				if err := bp.MarkDirty(tid, p); err != nil {
					return err
				}
				for _, off := range offsets {
					v := binary.LittleEndian.Uint64(p.Bytes[off:])
					binary.LittleEndian.PutUint64(p.Bytes[off:], v+1)
				}
				// Abort every tenth transaction; its increment must vanish
				if i%10 == 9 {
					if err := bp.Complete(tid, false); err != nil {
						return err
					}
					continue
				}
				if err := bp.Complete(tid, true); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := uint64(numWorkers * (numIncrements - numIncrements/10))
	onDisk := readFromDisk(t, tables, pid)
	for _, off := range offsets {
		assert.Equal(t, want, binary.LittleEndian.Uint64(onDisk.Bytes[off:]), "offset %d", off)
	}
}

// TestBufferPool_Concurrent_Transfers moves units between counters on random page pairs, locking them in
// random order. Deadlock victims abort and retry; the total across all pages must be preserved.
func TestBufferPool_Concurrent_Transfers(t *testing.T) {
	numPages := 4
	bp, tables, _ := setupBufferPool(t, numPages)
	oid := common.ObjectID(300)
	createDummyFile(t, tables, oid, numPages)
	const off = 512

	var nextTid atomic.Uint64
	var retries atomic.Int64
	transfer := func(r *rand.Rand) error {
		from, to := r.Intn(numPages), r.Intn(numPages-1)
		if to >= from {
			to++
		}
		for {
			tid := common.TransactionID(nextTid.Add(1))
			err := func() error {
				pFrom, err := bp.GetPage(tid, common.PageID{Oid: oid, PageNum: int32(from)}, lock.Exclusive)
				if err != nil {
					return err
				}
				pTo, err := bp.GetPage(tid, common.PageID{Oid: oid, PageNum: int32(to)}, lock.Exclusive)
				if err != nil {
					return err
				}
				if err := bp.MarkDirty(tid, pFrom); err != nil {
					return err
				}
				if err := bp.MarkDirty(tid, pTo); err != nil {
					return err
				}
				binary.LittleEndian.PutUint64(pFrom.Bytes[off:], binary.LittleEndian.Uint64(pFrom.Bytes[off:])-1)
				binary.LittleEndian.PutUint64(pTo.Bytes[off:], binary.LittleEndian.Uint64(pTo.Bytes[off:])+1)
				return nil
			}()
			if err == nil {
				return bp.Complete(tid, true)
			}
			if abortErr := bp.Complete(tid, false); abortErr != nil {
				return abortErr
			}
			if !common.IsErrorCode(err, common.DeadlockError) {
				return err
			}
			retries.Add(1)
		}
	}

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		seed := int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				if err := transfer(r); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	t.Logf("deadlock retries: %d", retries.Load())

	var sum uint64
	for i := 0; i < numPages; i++ {
		sum += binary.LittleEndian.Uint64(readFromDisk(t, tables, common.PageID{Oid: oid, PageNum: int32(i)}).Bytes[off:])
	}
	assert.Equal(t, uint64(0), sum, "Transfers must conserve the total")
	assert.Empty(t, bp.LockManager().HeldPages(common.TransactionID(nextTid.Load())))
}
