package storage

import (
	"mit.edu/dsg/godb/common"
)

// DBFile abstracts the physical file on storage that stores a table.
// It handles page-level reads and writes, as well as space allocation.
//
// Implementations must be safe for concurrent use: ReadPage and WritePage on different pages may run
// simultaneously, and AllocatePage is atomic with respect to other allocations.
type DBFile interface {
	// AllocatePage reserves a sequential block of `numPages` zero-filled pages at the end of the file and
	// returns the page number of the first one.
	AllocatePage(numPages int) (int, error)
	// ReadPage reads page `pageNum` into `frame`, which must be exactly common.PageSize bytes. Reading at or
	// beyond NumPages() fails with PageOutOfBoundsError.
	ReadPage(pageNum int, frame []byte) error
	// WritePage overwrites page `pageNum` with `frame`. The write is durable when WritePage returns. It
	// cannot extend the file; use AllocatePage instead.
	WritePage(pageNum int, frame []byte) error
	// Sync forces any buffered writes to stable storage.
	Sync() error
	// Close closes the underlying file handle and releases resources.
	Close() error
	// NumPages returns the number of pages allocated in the file.
	NumPages() (int, error)
}

// DBFileManager manages the lifecycle and caching of DBFile instances.
type DBFileManager interface {
	// GetDBFile retrieves the DBFile handle for the given table ObjectID, creating the file if it does not
	// exist yet.
	GetDBFile(oid common.ObjectID) (DBFile, error)
	// DeleteDBFile permanently removes the physical file associated with the ObjectID. Cached pages of the
	// file must be discarded from the BufferPool by the caller.
	DeleteDBFile(oid common.ObjectID) error
}

// TableResolver maps a table to its backing file and row layout. The BufferPool resolves tables through it
// when loading pages and when inserting tuples; the catalog is the production implementation.
type TableResolver interface {
	FileFor(oid common.ObjectID) (DBFile, error)
	DescFor(oid common.ObjectID) (*RawTupleDesc, error)
}
