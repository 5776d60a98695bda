package common

import (
	"errors"
	"fmt"
)

type GoDBErrorCode int

const (
	// DuplicateObjectError indicates an attempt to create a table that already exists in the catalog.
	DuplicateObjectError GoDBErrorCode = iota
	// NoSuchObjectError indicates a request for a table that does not exist in the catalog.
	NoSuchObjectError
	// DeadlockError is returned by the lock manager when it detects a cycle
	// in the waits-for graph, necessitating a transaction abort.
	DeadlockError
	// LogClosedError indicates an attempt to write to the log sink after it has been shut down.
	LogClosedError
	// InvalidPermissionError indicates a page request with an unrecognized lock mode. It is raised
	// before any lock is attempted.
	InvalidPermissionError
	// CacheExhaustedError is returned when the buffer pool is full and every resident page is dirty.
	CacheExhaustedError
	// TransactionStateError indicates a transaction was used after it completed, or completed twice.
	TransactionStateError
	// PageOutOfBoundsError indicates a read or write past the end of a storage file.
	PageOutOfBoundsError
	// TupleNotFoundError indicates a delete of a slot that holds no tuple.
	TupleNotFoundError
)

func (ec GoDBErrorCode) String() string {
	switch ec {
	case DuplicateObjectError:
		return "DuplicateObjectError"
	case NoSuchObjectError:
		return "NoSuchObjectError"
	case DeadlockError:
		return "DeadlockError"
	case LogClosedError:
		return "LogClosedError"
	case InvalidPermissionError:
		return "InvalidPermissionError"
	case CacheExhaustedError:
		return "CacheExhaustedError"
	case TransactionStateError:
		return "TransactionStateError"
	case PageOutOfBoundsError:
		return "PageOutOfBoundsError"
	case TupleNotFoundError:
		return "TupleNotFoundError"
	}
	return "unknown"
}

// GoDBError is the custom error type for the database engine.
// It wraps a specific GoDBErrorCode with a detailed message.
//
// By implementing the built-in 'error' interface, it integrates seamlessly
// with Go's error handling while providing enough metadata for the
// transaction boundary to decide what to do (e.g. abort on DeadlockError).
type GoDBError struct {
	Code      GoDBErrorCode
	ErrString string
}

func (e GoDBError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

// NewError builds a GoDBError with a formatted message.
func NewError(code GoDBErrorCode, format string, args ...any) GoDBError {
	return GoDBError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// IsErrorCode reports whether err, or any error it wraps, is a GoDBError with the given code.
func IsErrorCode(err error, code GoDBErrorCode) bool {
	var gerr GoDBError
	if errors.As(err, &gerr) {
		return gerr.Code == code
	}
	return false
}
