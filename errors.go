package kvgo

import (
	"fmt"

	"github.com/hupe1980/kvgo/kverr"
)

// Sentinel errors returned by the Store. They are the kverr sentinels, so
// errors.Is matches them against errors from every kvgo package.
var (
	ErrParam      = kverr.ErrParam
	ErrNoMemory   = kverr.ErrNoMemory
	ErrBusy       = kverr.ErrBusy
	ErrTimeout    = kverr.ErrTimeout
	ErrLockFailed = kverr.ErrLockFailed
	ErrNotFound   = kverr.ErrNotFound
	ErrReadOnly   = kverr.ErrReadOnly
	ErrIO         = kverr.ErrIO
	ErrChecksum   = kverr.ErrChecksum
	ErrCorrupt    = kverr.ErrCorrupt
	ErrClosed     = kverr.ErrClosed
)

// ErrRecovery indicates that replaying the log on Open failed.
//
// The original underlying error can be accessed via errors.Unwrap.
type ErrRecovery struct {
	Path    string
	Records int
	cause   error
}

func (e *ErrRecovery) Error() string {
	return fmt.Sprintf("recover %s after %d records: %v", e.Path, e.Records, e.cause)
}

func (e *ErrRecovery) Unwrap() error { return e.cause }

// IsRetryable reports whether err is a transient lock conflict.
func IsRetryable(err error) bool {
	return kverr.Retryable(err)
}
