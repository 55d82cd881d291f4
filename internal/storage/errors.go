// Package storage implements the on-disk collection cache: per-host
// directories of export batches, their naming convention and CSV codec.
package storage

import (
	"errors"
	"fmt"
)

// Storage error types for categorizing storage failures.
var (
	// ErrInvalidChannel indicates a channel name that cannot be encoded in a batch file name.
	ErrInvalidChannel = errors.New("storage: invalid channel")

	// ErrInvalidHost indicates an empty or unusable host identifier.
	ErrInvalidHost = errors.New("storage: invalid host")

	// ErrMalformedBatch indicates a batch file whose CSV body cannot be read.
	ErrMalformedBatch = errors.New("storage: malformed batch")

	// ErrBatchExists indicates a batch with the same name was already written.
	ErrBatchExists = errors.New("storage: batch already exists")

	// ErrWriteFailed indicates a batch or manifest could not be persisted.
	ErrWriteFailed = errors.New("storage: write failed")
)

// StorageError wraps storage errors with additional context.
type StorageError struct {
	Op   string // Operation that failed (e.g., "WriteBatch", "ReadBatch")
	Path string // File involved, if applicable
	Err  error  // Underlying error
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError.
func NewStorageError(op, path string, err error) *StorageError {
	return &StorageError{
		Op:   op,
		Path: path,
		Err:  err,
	}
}

// IsMalformed checks if the error is a malformed batch error.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedBatch)
}

// wrapWriteError wraps an error as a write failure.
func wrapWriteError(op, path string, err error) error {
	return &StorageError{
		Op:   op,
		Path: path,
		Err:  fmt.Errorf("%w: %v", ErrWriteFailed, err),
	}
}
