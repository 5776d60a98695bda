package logging

import (
	"mit.edu/dsg/godb/common"
)

type LogRecordType uint16

const (
	InvalidLogRecord LogRecordType = iota // So we can catch uninitialized values
	LogPageWrite
	LogCommit
	LogAbort
)

func (t LogRecordType) String() string {
	switch t {
	case InvalidLogRecord:
		return "INVALID"
	case LogPageWrite:
		return "PAGE WRITE"
	case LogCommit:
		return "COMMIT"
	case LogAbort:
		return "ABORT"
	}
	return "UNKNOWN"
}

// LogSink is the write-ahead log as seen by the BufferPool. Before a committing transaction's pages are
// written to their files, the BufferPool records each page's before and after image with LogWrite and
// calls Force; the page writes happen only after Force returns.
type LogSink interface {
	// LogWrite records the undo/redo image pair of one page written on behalf of tid. The record is not
	// necessarily durable until Force returns.
	LogWrite(tid common.TransactionID, pid common.PageID, before, after []byte) error
	// LogCommit records that tid committed.
	LogCommit(tid common.TransactionID) error
	// LogAbort records that tid aborted.
	LogAbort(tid common.TransactionID) error
	// Force blocks until every record appended so far is durable.
	Force() error
	// Close flushes pending records and releases the sink. Later calls fail with LogClosedError.
	Close() error
}

// LogIterator traverses log records sequentially.
type LogIterator interface {
	// Next advances the iterator to the next record.
	// It returns true if a record is available, or false if we hit EOF or an error.
	Next() bool

	// CurrentRecord returns the LogRecord at the current cursor.
	CurrentRecord() LogRecord

	// CurrentLSN returns the LSN of the current record.
	CurrentLSN() common.LSN

	// Error returns the first unexpected error that was encountered by the iterator.
	Error() error

	// Close releases resources associated with the iterator (e.g., file handles).
	Close() error
}

// NoopLogSink discards every record. It is used when durability of the log is irrelevant, such as in
// tests of the caching layer.
type NoopLogSink struct{}

func (NoopLogSink) LogWrite(common.TransactionID, common.PageID, []byte, []byte) error { return nil }
func (NoopLogSink) LogCommit(common.TransactionID) error                            { return nil }
func (NoopLogSink) LogAbort(common.TransactionID) error                             { return nil }
func (NoopLogSink) Force() error                                                     { return nil }
func (NoopLogSink) Close() error                                                     { return nil }
