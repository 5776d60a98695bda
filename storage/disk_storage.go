package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb/common"
)

// DiskDBFile implements the DBFile interface using a standard OS file.
type DiskDBFile struct {
	file *os.File
	// numPages caches the file size in pages to avoid a stat() on every access. Updated after allocation.
	numPages atomic.Int32
	// allocMu serializes file expansion.
	allocMu sync.Mutex
}

// NewDiskDBFile wraps an already open OS file. The file size is assumed to be a multiple of PageSize.
func NewDiskDBFile(file *os.File) (*DiskDBFile, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	dbFile := &DiskDBFile{file: file}
	dbFile.numPages.Store(int32(stat.Size() / int64(common.PageSize)))
	return dbFile, nil
}

// AllocatePage grows the underlying file by `numPages` zero-filled pages.
func (f *DiskDBFile) AllocatePage(numPages int) (int, error) {
	common.Assert(numPages > 0, "cannot allocate non-positive number of pages")
	f.allocMu.Lock()
	defer f.allocMu.Unlock()

	currentPages := f.numPages.Load()
	newTotalPages := currentPages + int32(numPages)
	if err := f.file.Truncate(int64(newTotalPages) * int64(common.PageSize)); err != nil {
		return 0, fmt.Errorf("failed to allocate pages: %w", err)
	}
	f.numPages.Store(newTotalPages)
	return int(currentPages), nil
}

func (f *DiskDBFile) checkBounds(pageNum int, frame []byte) error {
	if len(frame) != common.PageSize {
		return fmt.Errorf("buffer size %d does not match page size %d", len(frame), common.PageSize)
	}
	if n := f.numPages.Load(); pageNum < 0 || int32(pageNum) >= n {
		return common.NewError(common.PageOutOfBoundsError, "page %d does not exist (file has %d pages)", pageNum, n)
	}
	return nil
}

// ReadPage reads the content of page `pageNum` into `frame`.
func (f *DiskDBFile) ReadPage(pageNum int, frame []byte) error {
	if err := f.checkBounds(pageNum, frame); err != nil {
		return err
	}
	_, err := f.file.ReadAt(frame, int64(pageNum)*int64(common.PageSize))
	return err
}

// WritePage writes `frame` to page `pageNum` and syncs the file.
func (f *DiskDBFile) WritePage(pageNum int, frame []byte) error {
	if err := f.checkBounds(pageNum, frame); err != nil {
		return err
	}
	if _, err := f.file.WriteAt(frame, int64(pageNum)*int64(common.PageSize)); err != nil {
		return err
	}
	return f.file.Sync()
}

func (f *DiskDBFile) Sync() error {
	return f.file.Sync()
}

func (f *DiskDBFile) Close() error {
	return f.file.Close()
}

func (f *DiskDBFile) NumPages() (int, error) {
	return int(f.numPages.Load()), nil
}

// DiskDBFileManager manages a collection of DiskDBFiles rooted at a specific directory.
type DiskDBFileManager struct {
	rootPath  string
	fileCache *xsync.MapOf[common.ObjectID, DBFile]
	log       logrus.FieldLogger
}

// NewDiskStorageManager initializes a manager rooted at `rootPath`. A nil logger uses the logrus standard
// logger.
func NewDiskStorageManager(rootPath string, logger logrus.FieldLogger) *DiskDBFileManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DiskDBFileManager{
		rootPath:  rootPath,
		fileCache: xsync.NewMapOf[common.ObjectID, DBFile](),
		log:       logger.WithField("component", "storage"),
	}
}

func (dsm *DiskDBFileManager) pathFor(oid common.ObjectID) string {
	return filepath.Join(dsm.rootPath, fmt.Sprintf("dbo_%d.dat", oid))
}

// GetDBFile retrieves or creates a DBFile for the given ObjectID. At most one open DiskDBFile exists per
// physical file.
func (dsm *DiskDBFileManager) GetDBFile(oid common.ObjectID) (DBFile, error) {
	if file, ok := dsm.fileCache.Load(oid); ok {
		return file, nil
	}

	f, err := os.OpenFile(dsm.pathFor(oid), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	newDBFile, err := NewDiskDBFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	actualFile, loaded := dsm.fileCache.LoadOrStore(oid, newDBFile)
	if loaded {
		// Lost the race to another opener
		_ = newDBFile.Close()
		return actualFile, nil
	}
	dsm.log.WithField("oid", oid).Debug("opened table file")
	return newDBFile, nil
}

// DeleteDBFile permanently deletes the file backing the given ObjectID.
func (dsm *DiskDBFileManager) DeleteDBFile(oid common.ObjectID) error {
	if file, loaded := dsm.fileCache.LoadAndDelete(oid); loaded {
		if err := file.Close(); err != nil {
			dsm.log.WithError(err).WithField("oid", oid).Warn("failed to close table file before deletion")
		}
	}
	return os.Remove(dsm.pathFor(oid))
}

// Close closes every open file. It returns the first error encountered.
func (dsm *DiskDBFileManager) Close() error {
	var firstErr error
	dsm.fileCache.Range(func(oid common.ObjectID, file DBFile) bool {
		if err := file.Close(); err != nil {
			dsm.log.WithError(err).WithField("oid", oid).Error("failed to close table file")
			if firstErr == nil {
				firstErr = err
			}
		}
		dsm.fileCache.Delete(oid)
		return true
	})
	return firstErr
}
