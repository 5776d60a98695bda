package logging

import (
	"sync"

	"mit.edu/dsg/godb/common"
)

// MemoryLogSink keeps records in memory. Tests use it to observe what the BufferPool logs and in which
// order relative to Force.
type MemoryLogSink struct {
	sync.Mutex
	records []LogRecord
	// forcedUntil is the number of records covered by the last Force
	forcedUntil int
	forces      int
	err         error
	closed      bool
}

func NewMemoryLogSink() *MemoryLogSink {
	return &MemoryLogSink{}
}

func (m *MemoryLogSink) appendLocked(build func(buf []byte) LogRecord, size int) error {
	if m.closed {
		return common.NewError(common.LogClosedError, "log closed")
	}
	if m.err != nil {
		return m.err
	}
	buf := make([]byte, size)
	r := build(buf)
	r.WriteToLog(buf)
	m.records = append(m.records, LogRecord{data: buf})
	return nil
}

func (m *MemoryLogSink) LogWrite(tid common.TransactionID, pid common.PageID, before, after []byte) error {
	m.Lock()
	defer m.Unlock()
	return m.appendLocked(func(buf []byte) LogRecord {
		return NewPageWriteRecord(buf, tid, pid, before, after)
	}, PageWriteRecordSize(len(after)))
}

func (m *MemoryLogSink) LogCommit(tid common.TransactionID) error {
	m.Lock()
	defer m.Unlock()
	return m.appendLocked(func(buf []byte) LogRecord {
		return NewOutcomeRecord(buf, LogCommit, tid)
	}, OutcomeRecordSize())
}

func (m *MemoryLogSink) LogAbort(tid common.TransactionID) error {
	m.Lock()
	defer m.Unlock()
	return m.appendLocked(func(buf []byte) LogRecord {
		return NewOutcomeRecord(buf, LogAbort, tid)
	}, OutcomeRecordSize())
}

func (m *MemoryLogSink) Force() error {
	m.Lock()
	defer m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.forces++
	m.forcedUntil = len(m.records)
	return nil
}

func (m *MemoryLogSink) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// SetError makes every later append and Force fail with err. A nil err clears it.
func (m *MemoryLogSink) SetError(err error) {
	m.Lock()
	defer m.Unlock()
	m.err = err
}

// Records returns a snapshot of every record appended so far.
func (m *MemoryLogSink) Records() []LogRecord {
	m.Lock()
	defer m.Unlock()
	return append([]LogRecord(nil), m.records...)
}

// DurableRecords returns the records covered by the most recent Force.
func (m *MemoryLogSink) DurableRecords() []LogRecord {
	m.Lock()
	defer m.Unlock()
	return append([]LogRecord(nil), m.records[:m.forcedUntil]...)
}

// NumForces returns how many times Force succeeded.
func (m *MemoryLogSink) NumForces() int {
	m.Lock()
	defer m.Unlock()
	return m.forces
}
