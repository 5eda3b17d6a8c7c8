// Package resource governs the shared resources of a kvgo store.
//
//   - Memory: byte budgets for memtables (non-blocking, fail-fast)
//   - Background: a bounded number of concurrent background jobs (flush callbacks, archiving)
//   - IO: a token bucket limiting WAL write throughput
//
// Memory is tracked with a weighted semaphore for the hard limit plus an atomic
// usage counter. AcquireMemory never blocks; callers decide whether to rotate,
// flush or surface the failure:
//
//	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64 << 20})
//	if err := rc.AcquireMemory(int64(len(k) + len(v))); err != nil {
//	    // errors.Is(err, kverr.ErrNoMemory)
//	}
//
// A nil *Controller is valid and imposes no limits.
package resource
