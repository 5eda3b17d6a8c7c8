package kvgo

import (
	"log/slog"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/config"
	"github.com/hupe1980/kvgo/lock"
	"github.com/hupe1980/kvgo/memtable"
	"github.com/hupe1980/kvgo/wal"
)

type options struct {
	memtable         memtable.Config
	lock             lock.Config
	walOptions       []func(*wal.Options)
	recoverOptions   []func(*wal.RecoverOptions)
	flush            FlushFunc
	archive          blobstore.Store
	maxImmutables    int
	skipCheckpointed bool
	metricsCollector MetricsCollector
	logger           *Logger
	err              error
}

// Option configures Open.
type Option func(*options)

// WithMemTable configures every memtable the store creates.
func WithMemTable(cfg memtable.Config) Option {
	return func(o *options) {
		o.memtable = cfg
	}
}

// WithMemTableSize sets the byte budget of a memtable. The active memtable
// rotates when it reaches the flush threshold of this budget.
func WithMemTableSize(bytes int64) Option {
	return func(o *options) {
		o.memtable.MaxSize = bytes
	}
}

// WithLock configures the striped lock that orders mutations of the same key,
// and the lock of the memtable index.
func WithLock(cfg lock.Config) Option {
	return func(o *options) {
		o.lock = cfg
		o.memtable.Lock = cfg
	}
}

// WithWAL passes options to wal.Open.
//
// Example:
//
//	store, _ := kvgo.Open("./data", kvgo.WithWAL(func(o *wal.Options) {
//	    o.GroupCommit = true
//	    o.GroupCommitInterval = 10 * time.Millisecond
//	}))
func WithWAL(optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, optFns...)
	}
}

// WithRecover passes options to the log replay on Open.
func WithRecover(optFns ...func(*wal.RecoverOptions)) Option {
	return func(o *options) {
		o.recoverOptions = append(o.recoverOptions, optFns...)
	}
}

// WithFlushFunc installs the function that receives immutable memtables.
// Once it returns nil the entries are no longer served by the store and the
// log records they came from are checkpointed and removed.
//
// Without a flush function immutable memtables stay in memory.
func WithFlushFunc(fn FlushFunc) Option {
	return func(o *options) {
		o.flush = fn
	}
}

// WithArchive uploads every sealed log segment to store before it is removed.
func WithArchive(store blobstore.Store) Option {
	return func(o *options) {
		o.archive = store
	}
}

// WithMaxImmutables bounds the flush backlog. Writes that would rotate past
// n pending immutable memtables fail with ErrBusy. Zero means unbounded.
func WithMaxImmutables(n int) Option {
	return func(o *options) {
		o.maxImmutables = n
	}
}

// WithSkipCheckpointed makes Open skip log records covered by the latest
// checkpoint record.
func WithSkipCheckpointed(skip bool) Option {
	return func(o *options) {
		o.skipCheckpointed = skip
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &kvgo.BasicMetricsCollector{}
//	store, _ := kvgo.Open("./data", kvgo.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
//	fmt.Printf("Puts: %d, Avg latency: %dns\n", stats.PutCount, stats.PutAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger on stderr with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(nil, level)
	}
}

// WithConfig applies the sync, memtable and wal sections of a loaded
// configuration file.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		lc, err := cfg.Sync.LockConfig()
		if err != nil {
			o.err = err
			return
		}
		mc, err := cfg.MemTableConfig()
		if err != nil {
			o.err = err
			return
		}
		wo, err := cfg.WAL.Options()
		if err != nil {
			o.err = err
			return
		}
		o.lock = lc
		o.memtable = mc
		o.walOptions = append(o.walOptions, wo)
		o.recoverOptions = append(o.recoverOptions, cfg.WAL.RecoverOptions())
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		memtable:         memtable.DefaultConfig,
		lock:             lock.DefaultConfig,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
