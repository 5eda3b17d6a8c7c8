// Package kvgo provides a durable, concurrent, embedded key-value store.
//
// A Store appends every mutation to a write-ahead log before applying it to
// an in-memory memtable backed by a lock-free skip list. On Open the log is
// replayed, so every acknowledged write survives a crash.
//
// # Quick Start
//
//	store, _ := kvgo.Open("./data")
//	defer store.Close()
//
//	_ = store.Put([]byte("user:1"), []byte("alice"))
//	v, _ := store.Get([]byte("user:1"))
//	_ = store.Delete([]byte("user:1"))
//
//	for k, v := range store.Scan([]byte("user:"), []byte("user;")) {
//	    fmt.Printf("%s=%s\n", k, v)
//	}
//
// # Durability
//
// Without options every Put is fsynced before it returns. Group commit
// batches fsyncs at the cost of a bounded loss window:
//
//	store, _ := kvgo.Open("./data", kvgo.WithWAL(func(o *wal.Options) {
//	    o.GroupCommit = true
//	    o.GroupCommitInterval = 10 * time.Millisecond
//	}))
//
// # Memtable Lifecycle
//
// When the active memtable reaches its flush threshold it becomes immutable,
// the log segment holding its records is sealed and a fresh memtable takes
// new writes. Immutable memtables keep serving reads until a FlushFunc
// installed with WithFlushFunc has persisted them; the covered log segments
// are then checkpointed, optionally archived to a blobstore, and removed.
//
// # Packages
//
//   - lock: mutex, spin and reader/writer locks plus key striping
//   - skiplist: the concurrent ordered index
//   - memtable: the size-bounded table with its immutable switch
//   - wal: the log, recovery, verification and segment maintenance
//   - blobstore: local, MinIO and S3 archive targets
//   - config: YAML configuration
//   - metrics: Prometheus metrics
package kvgo
