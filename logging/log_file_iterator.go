package logging

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"mit.edu/dsg/godb/common"
)

// LogFileIterator scans a log file written by FileLogSink and verifies every record's checksum. A zero
// length prefix marks the preallocated, never written tail of the file and ends the scan cleanly, as does
// EOF on a record boundary. Anything else that does not parse is reported through Error.
type LogFileIterator struct {
	f  *os.File
	r  *bufio.Reader
	at common.LSN // LSN of cur
	nx common.LSN // LSN of the record after cur

	buf [MaxLogRecordSize]byte
	cur LogRecord
	err error
}

// NewLogFileIterator opens path positioned at startLSN, which must be a record boundary.
func NewLogFileIterator(path string, startLSN common.LSN) (*LogFileIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(int64(startLSN), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking %s to LSN %d: %w", path, startLSN, err)
	}
	return &LogFileIterator{f: f, r: bufio.NewReader(f), at: startLSN, nx: startLSN}, nil
}

func (it *LogFileIterator) fail(format string, args ...any) bool {
	it.err = fmt.Errorf("log record at LSN %d: "+format, append([]any{it.nx}, args...)...)
	it.cur = LogRecord{}
	return false
}

func (it *LogFileIterator) Next() bool {
	if it.err != nil {
		return false
	}
	prefix, err := it.r.Peek(2)
	switch {
	case errors.Is(err, io.EOF) && len(prefix) == 0:
		return false
	case err != nil:
		return it.fail("reading length: %w", err)
	}

	n := int(binary.LittleEndian.Uint16(prefix))
	if n == 0 {
		return false
	}
	if n < logRecordHeaderSize || n > MaxLogRecordSize {
		return it.fail("invalid length %d", n)
	}
	if _, err := io.ReadFull(it.r, it.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return it.fail("%w", err)
	}
	rec, err := AsVerifiedLogRecord(it.buf[:n])
	if err != nil {
		return it.fail("%w", err)
	}
	it.cur, it.at = rec, it.nx
	it.nx += common.LSN(n)
	return true
}

// CurrentRecord returns the record Next stopped at. It aliases the iterator's buffer and is overwritten
// by the following call to Next; use CreateCopy to keep it.
func (it *LogFileIterator) CurrentRecord() LogRecord {
	return it.cur
}

func (it *LogFileIterator) CurrentLSN() common.LSN {
	return it.at
}

func (it *LogFileIterator) Error() error {
	return it.err
}

func (it *LogFileIterator) Close() error {
	return it.f.Close()
}
