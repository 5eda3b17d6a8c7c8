// Package lock provides the synchronization primitive shared by the skip
// list, the memtable and the store.
//
// A Lock is one of three kinds:
//
//   - Mutex: a blocking exclusive lock.
//   - Spin: a CAS spinlock that retries SpinCount times with exponential
//     backoff and then fails with ErrTimeout instead of blocking forever.
//   - RWLock: a blocking reader/writer lock.
//
// For Mutex and Spin the read variants degrade to exclusive acquisition.
//
// A Striped lock is a power-of-two array of independent Locks addressed by a
// hash of the key, so operations on keys in different stripes proceed
// concurrently:
//
//	s, _ := lock.NewStriped(lock.Config{Kind: lock.RWLock, StripeCount: 16})
//	if err := s.AcquireFor(key); err != nil {
//	    return err // kverr.Retryable(err) for Busy/Timeout
//	}
//	defer s.ReleaseFor(key)
//
// Every lock counts acquisitions, timeouts, retries and contentions.
package lock
