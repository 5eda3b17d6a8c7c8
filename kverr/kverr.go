// Package kverr defines the error taxonomy shared by every kvgo package.
//
// Each component returns (possibly wrapped) sentinels from this package, so
// callers can classify a failure with errors.Is regardless of the layer it
// originated in:
//
//	if errors.Is(err, kverr.ErrNotFound) { ... }
//	if kverr.Retryable(err) { backoff and retry }
package kverr

import (
	"errors"
	"fmt"
)

var (
	// ErrParam reports an invalid argument. It is a caller bug and never retried.
	ErrParam = errors.New("kvgo: invalid parameter")

	// ErrNoMemory reports allocation or budget exhaustion.
	ErrNoMemory = errors.New("kvgo: out of memory")

	// ErrBusy reports a contended try-acquire.
	ErrBusy = errors.New("kvgo: busy")

	// ErrTimeout reports an exhausted spin or an expired wait.
	ErrTimeout = errors.New("kvgo: timeout")

	// ErrLockFailed reports a fatal failure of the underlying lock.
	ErrLockFailed = errors.New("kvgo: lock failed")

	// ErrNotFound reports an absent key.
	ErrNotFound = errors.New("kvgo: not found")

	// ErrReadOnly reports a mutation of an immutable memtable.
	ErrReadOnly = errors.New("kvgo: read only")

	// ErrIO reports a file system failure.
	ErrIO = errors.New("kvgo: i/o error")

	// ErrChecksum reports a record whose checksum does not match its payload.
	ErrChecksum = errors.New("kvgo: checksum mismatch")

	// ErrCorrupt reports a damaged or implausible record frame.
	ErrCorrupt = errors.New("kvgo: corrupt record")

	// ErrClosed reports an operation on a closed instance.
	ErrClosed = errors.New("kvgo: closed")
)

// Retryable reports whether err is transient lock contention.
// Only Busy and Timeout qualify; everything else needs caller intervention.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout)
}

// OpError records the operation that failed together with its cause.
//
// The cause can be accessed via errors.Unwrap.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IO wraps a file system error so that it matches ErrIO while keeping the
// original cause reachable.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return &OpError{Op: op, Path: path, Err: fmt.Errorf("%w: %w", ErrIO, err)}
}

// Paramf returns an ErrParam with a formatted detail message.
func Paramf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParam, fmt.Sprintf(format, args...))
}
