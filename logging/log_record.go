package logging

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"mit.edu/dsg/godb/common"
)

// LogRecord is the in-memory representation of one log record. Fields are unexported to enforce
// immutability outside the logging package.
//
// Layout: Size (2) | Checksum (4) | Type (2) | TxnID (8) | Type-dependent payload
// Commit, Abort: no payload
// PageWrite: PageID (8) | AfterImage (?) | BeforeImage (?), both images of equal length
type LogRecord struct {
	data []byte
}

const MaxLogRecordSize = logBufferSize
const logRecordHeaderSize = 8

const (
	offsetSize       = 0
	offsetChecksum   = offsetSize + 2
	offsetType       = offsetChecksum + 4
	offsetTxnID      = offsetType + 2
	offsetPageID     = offsetTxnID + 8
	offsetAfterImage = offsetPageID + common.PageIDSize
)

// IsNil returns true if the underlying log data is empty.
func (r LogRecord) IsNil() bool {
	return len(r.data) == 0
}

// Size returns the total size of the log record in bytes.
func (r LogRecord) Size() int {
	return len(r.data)
}

func (r LogRecord) TxnID() common.TransactionID {
	return common.TransactionID(binary.LittleEndian.Uint64(r.data[offsetTxnID:]))
}

func (r LogRecord) RecordType() LogRecordType {
	return LogRecordType(binary.LittleEndian.Uint16(r.data[offsetType:]))
}

// PageID returns the page a PageWrite record describes.
func (r LogRecord) PageID() common.PageID {
	common.Assert(r.RecordType() == LogPageWrite, "log type %s does not support PageID()", r.RecordType())
	var pid common.PageID
	pid.LoadFrom(r.data[offsetPageID:])
	return pid
}

func (r LogRecord) imageSize() int {
	return (len(r.data) - offsetAfterImage) / 2
}

// AfterImage returns the page contents written by the transaction. Used for redo.
func (r LogRecord) AfterImage() []byte {
	common.Assert(r.RecordType() == LogPageWrite, "log type %s does not support AfterImage()", r.RecordType())
	return r.data[offsetAfterImage : offsetAfterImage+r.imageSize()]
}

// BeforeImage returns the page contents before the transaction modified it. Used for undo.
func (r LogRecord) BeforeImage() []byte {
	common.Assert(r.RecordType() == LogPageWrite, "log type %s does not support BeforeImage()", r.RecordType())
	return r.data[offsetAfterImage+r.imageSize():]
}

func (r LogRecord) String() string {
	if r.RecordType() == LogPageWrite {
		return fmt.Sprintf("%s %s %s (%d bytes)", r.RecordType(), r.TxnID(), r.PageID(), r.imageSize())
	}
	return fmt.Sprintf("%s %s", r.RecordType(), r.TxnID())
}

// WriteToLog serializes the record into the provided buffer and stamps its size and checksum.
// The buffer must be large enough to hold r.Size() bytes.
func (r LogRecord) WriteToLog(buffer []byte) {
	common.Assert(len(buffer) >= r.Size(), "buffer allocated must be large enough for the record")
	copy(buffer, r.data)
	binary.LittleEndian.PutUint16(buffer[offsetSize:], uint16(r.Size()))
	// The checksum covers everything after the checksum field
	checksum := crc32.ChecksumIEEE(buffer[offsetChecksum+4 : r.Size()])
	binary.LittleEndian.PutUint32(buffer[offsetChecksum:], checksum)
}

var ErrCorruptedLogRecord = fmt.Errorf("log record corrupted: checksum mismatch")

// AsVerifiedLogRecord parses a raw byte slice into a LogRecord and verifies its checksum.
// It returns ErrCorruptedLogRecord if the data is too short or the checksum does not match.
func AsVerifiedLogRecord(data []byte) (LogRecord, error) {
	if len(data) < logRecordHeaderSize {
		return LogRecord{}, ErrCorruptedLogRecord
	}
	recordLen := int(binary.LittleEndian.Uint16(data))
	if recordLen < offsetPageID || recordLen > len(data) {
		return LogRecord{}, ErrCorruptedLogRecord
	}
	storedChecksum := binary.LittleEndian.Uint32(data[offsetChecksum:])
	if storedChecksum != crc32.ChecksumIEEE(data[offsetChecksum+4:recordLen]) {
		return LogRecord{}, ErrCorruptedLogRecord
	}
	return LogRecord{data: data[:recordLen]}, nil
}

// CreateCopy creates a deep copy of the source LogRecord into the provided buffer.
func CreateCopy(buf []byte, src LogRecord) LogRecord {
	common.Assert(len(buf) >= src.Size(), "buffer too small")
	copy(buf, src.data)
	return LogRecord{data: buf[:src.Size()]}
}

// OutcomeRecordSize returns the size of a Commit or Abort record.
func OutcomeRecordSize() int {
	return offsetPageID
}

// NewOutcomeRecord initializes a Commit or Abort record in the provided buffer.
func NewOutcomeRecord(buf []byte, t LogRecordType, txnID common.TransactionID) LogRecord {
	common.Assert(t == LogCommit || t == LogAbort, "%s is not a transaction outcome", t)
	r := LogRecord{data: buf[:OutcomeRecordSize()]}
	binary.LittleEndian.PutUint16(r.data[offsetType:], uint16(t))
	binary.LittleEndian.PutUint64(r.data[offsetTxnID:], uint64(txnID))
	return r
}

// PageWriteRecordSize returns the size of a PageWrite record carrying images of imageSize bytes.
func PageWriteRecordSize(imageSize int) int {
	return offsetAfterImage + 2*imageSize
}

// NewPageWriteRecord initializes a PageWrite record in the provided buffer.
func NewPageWriteRecord(buf []byte, txnID common.TransactionID, pid common.PageID, before, after []byte) LogRecord {
	common.Assert(len(before) == len(after), "before image (%d) and after image (%d) differ in size", len(before), len(after))
	r := LogRecord{data: buf[:PageWriteRecordSize(len(after))]}
	binary.LittleEndian.PutUint16(r.data[offsetType:], uint16(LogPageWrite))
	binary.LittleEndian.PutUint64(r.data[offsetTxnID:], uint64(txnID))
	pid.WriteTo(r.data[offsetPageID:])
	copy(r.data[offsetAfterImage:], after)
	copy(r.data[offsetAfterImage+len(after):], before)
	return r
}
