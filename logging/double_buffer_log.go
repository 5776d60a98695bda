package logging

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb/common"
)

const (
	logBufferSize = 1 << 16 // 64KB

	// DefaultFlushInterval bounds how long an appended record may wait in memory when nobody forces.
	DefaultFlushInterval = 5 * time.Millisecond
)

type buffer struct {
	data    [logBufferSize]byte
	offset  int        // How many bytes currently used
	baseLSN common.LSN // The LSN of the first byte in this buffer
}

func (b *buffer) reset(startLSN common.LSN) {
	b.offset = 0
	b.baseLSN = startLSN
}

func (b *buffer) available() int {
	return logBufferSize - b.offset
}

// FileLogSink is a LogSink appending to a single file through two in-memory buffers: appends fill the
// active buffer while a background goroutine writes and syncs the other one. LSNs are byte offsets in the
// file.
type FileLogSink struct {
	logFile    *os.File
	nextLSN    common.LSN // The next LSN to assign (tail of the log)
	flushedLSN common.LSN // Everything before this LSN is durable

	// activeBuf takes appends; flushBuf is owned by the flusher while flushPending is set
	activeBuf    *buffer
	flushBuf     *buffer
	flushPending bool

	// flushCond guards the buffers and waits for space or for flushes to finish
	flushCond *sync.Cond
	sync.Mutex
	// requestFlush wakes the flusher. Size 1: if it is full, the flusher is already awake.
	requestFlush  chan struct{}
	flushInterval time.Duration

	shutdown chan struct{}
	done     sync.WaitGroup
	asyncErr atomic.Value

	scratch [MaxLogRecordSize]byte
	log     logrus.FieldLogger
}

// NewFileLogSink opens (or creates) the log at logPath and appends after any existing records. A
// non-positive flushInterval uses DefaultFlushInterval and a nil logger falls back to the logrus standard
// logger.
func NewFileLogSink(logPath string, flushInterval time.Duration, logger logrus.FieldLogger) (*FileLogSink, error) {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	startLSN := common.LSN(stat.Size())
	ls := &FileLogSink{
		logFile:       f,
		nextLSN:       startLSN,
		flushedLSN:    startLSN,
		activeBuf:     &buffer{},
		flushBuf:      &buffer{},
		requestFlush:  make(chan struct{}, 1),
		flushInterval: flushInterval,
		shutdown:      make(chan struct{}),
		log:           logger.WithField("component", "wal"),
	}
	ls.activeBuf.reset(startLSN)
	ls.flushBuf.reset(startLSN)
	ls.flushCond = sync.NewCond(&ls.Mutex)

	ls.done.Add(1)
	go ls.flushLoop()

	ls.log.WithFields(logrus.Fields{"path": logPath, "lsn": startLSN}).Info("opened log")
	return ls, nil
}

func (ls *FileLogSink) getError() error {
	if val := ls.asyncErr.Load(); val != nil {
		return val.(error)
	}
	return nil
}

func (ls *FileLogSink) setError(err error) {
	ls.asyncErr.Store(err)
	ls.flushCond.Broadcast()
}

func (ls *FileLogSink) signalFlush() {
	select {
	case ls.requestFlush <- struct{}{}:
	default:
	}
}

// swapLocked hands the active buffer to the flusher. flushPending must be false.
func (ls *FileLogSink) swapLocked() {
	ls.activeBuf, ls.flushBuf = ls.flushBuf, ls.activeBuf
	ls.activeBuf.reset(ls.nextLSN)
	ls.flushPending = true
}

// appendLocked copies record into the active buffer and returns its LSN.
func (ls *FileLogSink) appendLocked(record LogRecord) (common.LSN, error) {
	if record.Size() > MaxLogRecordSize {
		return 0, fmt.Errorf("log record of %d bytes exceeds maximum size", record.Size())
	}
	if err := ls.getError(); err != nil {
		return -1, err
	}

	if ls.activeBuf.available() < record.Size() {
		for ls.flushPending {
			if err := ls.getError(); err != nil {
				return -1, err
			}
			ls.flushCond.Wait()
		}
		ls.swapLocked()
		ls.signalFlush()
	}

	lsn := ls.nextLSN
	record.WriteToLog(ls.activeBuf.data[ls.activeBuf.offset:])
	ls.activeBuf.offset += record.Size()
	ls.nextLSN += common.LSN(record.Size())
	return lsn, nil
}

func (ls *FileLogSink) LogWrite(tid common.TransactionID, pid common.PageID, before, after []byte) error {
	ls.Lock()
	defer ls.Unlock()
	if PageWriteRecordSize(len(after)) > MaxLogRecordSize {
		return fmt.Errorf("page image of %d bytes too large to log", len(after))
	}
	_, err := ls.appendLocked(NewPageWriteRecord(ls.scratch[:], tid, pid, before, after))
	return err
}

func (ls *FileLogSink) LogCommit(tid common.TransactionID) error {
	ls.Lock()
	defer ls.Unlock()
	_, err := ls.appendLocked(NewOutcomeRecord(ls.scratch[:], LogCommit, tid))
	return err
}

func (ls *FileLogSink) LogAbort(tid common.TransactionID) error {
	ls.Lock()
	defer ls.Unlock()
	_, err := ls.appendLocked(NewOutcomeRecord(ls.scratch[:], LogAbort, tid))
	return err
}

// Force blocks until every record appended before the call is durable.
func (ls *FileLogSink) Force() error {
	ls.Lock()
	target := ls.nextLSN
	ls.Unlock()
	return ls.WaitUntilFlushed(target)
}

func (ls *FileLogSink) flushLoop() {
	defer ls.done.Done()
	ticker := time.NewTicker(ls.flushInterval)
	defer ticker.Stop()
	for {
		if ls.getError() != nil {
			return
		}
		select {
		case <-ls.shutdown:
			ls.Lock()
			if ls.flushPending {
				ls.flushPendingBuffer()
			}
			ls.Unlock()
			return
		case <-ls.requestFlush:
			ls.Lock()
			if ls.flushPending {
				ls.flushPendingBuffer()
			}
			ls.Unlock()
		case <-ticker.C:
			ls.Lock()
			if ls.activeBuf.offset > 0 && !ls.flushPending {
				ls.swapLocked()
				ls.flushPendingBuffer()
			}
			ls.Unlock()
		}
	}
}

// flushPendingBuffer writes flushBuf with the lock released. Must be called LOCKED with flushPending set.
func (ls *FileLogSink) flushPendingBuffer() {
	common.Assert(ls.flushPending, "flushPendingBuffer should only be called with a pending flush")

	bytesToWrite := ls.flushBuf.data[:ls.flushBuf.offset]
	flushedUntil := ls.flushBuf.baseLSN + common.LSN(ls.flushBuf.offset)
	ls.Unlock()
	_, err := ls.logFile.Write(bytesToWrite)
	if err == nil {
		err = ls.logFile.Sync()
	}
	ls.Lock()
	if err != nil {
		ls.log.WithError(err).Error("failed to flush log buffer")
		ls.setError(err)
		return
	}
	ls.flushedLSN = flushedUntil
	ls.flushPending = false
	ls.flushCond.Broadcast()
}

// WaitUntilFlushed blocks until every record before lsn is durable.
func (ls *FileLogSink) WaitUntilFlushed(lsn common.LSN) error {
	ls.Lock()
	defer ls.Unlock()

	if lsn > ls.flushedLSN && ls.activeBuf.baseLSN < lsn && ls.activeBuf.offset > 0 && !ls.flushPending {
		ls.swapLocked()
		ls.signalFlush()
	}
	for lsn > ls.flushedLSN {
		if err := ls.getError(); err != nil {
			return err
		}
		// The tail may still sit in the active buffer behind a flush that was already pending
		if !ls.flushPending && ls.activeBuf.offset > 0 {
			ls.swapLocked()
			ls.signalFlush()
		}
		ls.flushCond.Wait()
	}
	return nil
}

// FlushedUntil returns the LSN up to which the log is durable.
func (ls *FileLogSink) FlushedUntil() common.LSN {
	ls.Lock()
	defer ls.Unlock()
	return ls.flushedLSN
}

// Path returns the log file path.
func (ls *FileLogSink) Path() string {
	return ls.logFile.Name()
}

// Iterator scans the log file from startLSN.
func (ls *FileLogSink) Iterator(startLSN common.LSN) (LogIterator, error) {
	return NewLogFileIterator(ls.logFile.Name(), startLSN)
}

func (ls *FileLogSink) Close() error {
	ls.Lock()
	if err := ls.getError(); err != nil && common.IsErrorCode(err, common.LogClosedError) {
		ls.Unlock()
		return err
	}
	if ls.activeBuf.offset > 0 {
		for ls.flushPending && ls.getError() == nil {
			ls.flushCond.Wait()
		}
		if ls.getError() == nil {
			ls.swapLocked()
			ls.signalFlush()
		}
	}
	ls.Unlock()

	close(ls.shutdown)
	ls.done.Wait()

	ls.Lock()
	defer ls.Unlock()
	if ls.flushPending && ls.getError() == nil {
		// The flusher saw shutdown before our request
		ls.flushPendingBuffer()
	}
	if err := ls.getError(); err != nil {
		_ = ls.logFile.Close()
		ls.setError(common.NewError(common.LogClosedError, "log closed"))
		return err
	}
	ls.setError(common.NewError(common.LogClosedError, "log closed"))
	ls.log.WithField("lsn", ls.flushedLSN).Info("closed log")
	return ls.logFile.Close()
}
