package storage

import (
	"errors"
	"fmt"
)

// Storage failure categories.
var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrQueryFailed       = errors.New("storage: query failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrNotFound          = errors.New("storage: not found")
	ErrInvalidData       = errors.New("storage: invalid data")
	ErrClosed            = errors.New("storage: writer closed")
)

// StorageError adds the failing operation and table to a storage error.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage.%s", e.Op)
	if e.Table != "" {
		msg += "(" + e.Table + ")"
	}
	if e.Retries > 0 {
		msg += fmt.Sprintf(" after %d retries", e.Retries)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrBatchInsertFailed)
}

// WrapConnectionError wraps err as a connection failure.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// WrapQueryError wraps err as a query failure on table.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
}

// WrapNotFoundError reports that no row in table matches key.
func WrapNotFoundError(op, table, key string) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %s", ErrNotFound, key)}
}

// WrapInvalidDataError reports a rejected input.
func WrapInvalidDataError(op, table, reason string) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %s", ErrInvalidData, reason)}
}
