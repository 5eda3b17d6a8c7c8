// Package memtable provides the mutable in-memory table that buffers writes
// in front of the WAL.
//
// A MemTable owns one skip list and a byte budget. Writes are accepted until
// MakeImmutable is called; afterwards every mutation fails with ErrReadOnly
// while reads and iteration keep working, which is the state a table is
// flushed from.
package memtable

import (
	"bytes"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/lock"
	"github.com/hupe1980/kvgo/skiplist"
)

var (
	// ErrReadOnly is returned when mutating an immutable table.
	ErrReadOnly = kverr.ErrReadOnly
	// ErrNotFound is returned for absent keys.
	ErrNotFound = kverr.ErrNotFound
	// ErrNoMemory is returned when a write would exceed the byte budget.
	ErrNoMemory = kverr.ErrNoMemory
)

// Config configures a MemTable.
type Config struct {
	// MaxSize is the byte budget for keys plus values. Zero means unlimited.
	MaxSize int64

	// MaxLevel caps skip list node heights.
	MaxLevel int

	// Lock configures the lock guarding mutations of the index.
	Lock lock.Config

	// BloomFilter enables a filter that answers MayContain without touching
	// the index. Sized by BloomExpectedItems and BloomFalsePositiveRate.
	BloomFilter            bool
	BloomExpectedItems     uint
	BloomFalsePositiveRate float64

	// FlushThreshold is the fraction of MaxSize at which ShouldFlush reports true.
	FlushThreshold float64

	// Controller accounts the budget. If nil, a private controller limited to
	// MaxSize is created.
	Controller *resource.Controller
}

// DefaultConfig is a 64 MiB table on a 16-stripe rwlock.
var DefaultConfig = Config{
	MaxSize:                64 << 20,
	MaxLevel:               skiplist.DefaultMaxLevel,
	Lock:                   lock.DefaultConfig,
	BloomExpectedItems:     100_000,
	BloomFalsePositiveRate: 0.01,
	FlushThreshold:         0.9,
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxSize < 0 {
		return kverr.Paramf("negative memtable size %d", c.MaxSize)
	}
	if c.MaxLevel < 1 || c.MaxLevel > skiplist.MaxLevelLimit {
		return kverr.Paramf("max level %d out of range [1, %d]", c.MaxLevel, skiplist.MaxLevelLimit)
	}
	if c.BloomFilter && (c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1) {
		return kverr.Paramf("bloom false positive rate %v out of range (0, 1)", c.BloomFalsePositiveRate)
	}
	if c.FlushThreshold < 0 || c.FlushThreshold > 1 {
		return kverr.Paramf("flush threshold %v out of range [0, 1]", c.FlushThreshold)
	}
	return c.Lock.Validate()
}

// MemTable is a size-bounded ordered table with a one-way immutable switch.
type MemTable struct {
	cfg    Config
	index  *skiplist.List
	hint   *skiplist.Hint
	life   *lock.Lock
	budget *resource.Controller

	immutable atomic.Bool
	seq       atomic.Uint64
	bytes     atomic.Int64
	createdAt time.Time

	inserts   atomic.Uint64
	updates   atomic.Uint64
	deletes   atomic.Uint64
	conflicts atomic.Uint64

	bloomMu sync.RWMutex
	bloom   *bloom.BloomFilter
}

// New creates an empty, mutable MemTable.
func New(cfg Config) (*MemTable, error) {
	if cfg.FlushThreshold == 0 {
		cfg.FlushThreshold = DefaultConfig.FlushThreshold
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	index, err := skiplist.New(func(o *skiplist.Options) {
		o.MaxLevel = cfg.MaxLevel
		o.Lock = cfg.Lock
	})
	if err != nil {
		return nil, err
	}

	// Lifecycle transitions take the write side, mutators the read side.
	life, err := lock.New(lock.Config{Kind: lock.RWLock})
	if err != nil {
		return nil, err
	}

	budget := cfg.Controller
	if budget == nil {
		budget = resource.NewController(resource.Config{MemoryLimitBytes: cfg.MaxSize})
	}

	m := &MemTable{
		cfg:       cfg,
		index:     index,
		hint:      index.NewHint(),
		life:      life,
		budget:    budget,
		createdAt: time.Now(),
	}
	if cfg.BloomFilter {
		m.bloom = bloom.NewWithEstimates(max(cfg.BloomExpectedItems, 1), cfg.BloomFalsePositiveRate)
	}
	return m, nil
}

func entrySize(key, value []byte) int64 {
	return int64(len(key) + len(value))
}

// Put stores value under key.
func (m *MemTable) Put(key, value []byte) error {
	return m.PutSeq(key, value, 0)
}

// PutSeq stores value under key and advances the table sequence to at least seq.
func (m *MemTable) PutSeq(key, value []byte, seq uint64) error {
	if err := m.life.AcquireRead(); err != nil {
		return err
	}
	defer m.life.ReleaseRead() //nolint:errcheck // held above

	if m.immutable.Load() {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return kverr.Paramf("empty key")
	}

	size := entrySize(key, value)
	if m.cfg.MaxSize > 0 && size > m.cfg.MaxSize {
		return fmt.Errorf("%w: entry of %d bytes exceeds memtable size %d", ErrNoMemory, size, m.cfg.MaxSize)
	}

	// An update reserves only what it adds to the existing entry.
	var reserved int64
	admit := func(old []byte, exists bool) error {
		charge := size
		if exists {
			charge -= entrySize(key, old)
		}
		if charge <= 0 {
			return nil
		}
		if err := m.budget.AcquireMemory(charge); err != nil {
			return fmt.Errorf("memtable: put: %w", err)
		}
		reserved = charge
		return nil
	}

	old, replaced, err := m.index.UpsertFunc(key, value, admit)
	if err != nil {
		m.budget.ReleaseMemory(reserved)
		if kverr.Retryable(err) {
			m.conflicts.Add(1)
		}
		return err
	}

	delta := size
	if replaced {
		delta -= entrySize(key, old)
		m.updates.Add(1)
	} else {
		m.inserts.Add(1)
	}
	if extra := reserved - delta; extra > 0 {
		m.budget.ReleaseMemory(extra)
	}
	m.bytes.Add(delta)

	if m.bloom != nil {
		m.bloomMu.Lock()
		m.bloom.Add(key)
		m.bloomMu.Unlock()
	}
	m.advanceSeq(seq)
	return nil
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (m *MemTable) Get(key []byte) ([]byte, error) {
	if !m.MayContain(key) {
		return nil, ErrNotFound
	}
	v, err := m.index.FindHint(m.hint, key)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v), nil
}

// MayContain reports whether key may be present. Without a bloom filter it
// always returns true.
func (m *MemTable) MayContain(key []byte) bool {
	if m.bloom == nil {
		return true
	}
	m.bloomMu.RLock()
	defer m.bloomMu.RUnlock()
	return m.bloom.Test(key)
}

// Delete removes key. It returns ErrNotFound, with no side effects, if the
// key is absent.
func (m *MemTable) Delete(key []byte) error {
	return m.DeleteSeq(key, 0)
}

// DeleteSeq removes key and advances the table sequence to at least seq.
func (m *MemTable) DeleteSeq(key []byte, seq uint64) error {
	if err := m.life.AcquireRead(); err != nil {
		return err
	}
	defer m.life.ReleaseRead() //nolint:errcheck // held above

	if m.immutable.Load() {
		return ErrReadOnly
	}

	old, err := m.index.Delete(key)
	if err != nil {
		if kverr.Retryable(err) {
			m.conflicts.Add(1)
		}
		return err
	}

	released := entrySize(key, old)
	m.budget.ReleaseMemory(released)
	m.bytes.Add(-released)
	m.deletes.Add(1)
	m.advanceSeq(seq)
	return nil
}

func (m *MemTable) advanceSeq(seq uint64) {
	if seq == 0 {
		m.seq.Add(1)
		return
	}
	for {
		cur := m.seq.Load()
		if seq <= cur || m.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// MakeImmutable switches the table to read-only. It waits for in-flight
// mutations, is idempotent and never fails.
func (m *MemTable) MakeImmutable() {
	if m.immutable.Load() {
		return
	}
	_ = m.life.AcquireWrite()
	m.immutable.Store(true)
	_ = m.life.ReleaseWrite()
}

// IsImmutable reports whether MakeImmutable has been called.
func (m *MemTable) IsImmutable() bool {
	return m.immutable.Load()
}

// All returns the entries in ascending key order. The sequence is exact once
// the table is immutable; on a mutable table it may miss concurrent writes.
// The yielded slices must not be modified or retained past the table.
func (m *MemTable) All() iter.Seq2[[]byte, []byte] {
	return m.index.All()
}

// Seek returns the entries with key >= start in ascending order.
func (m *MemTable) Seek(start []byte) iter.Seq2[[]byte, []byte] {
	return m.index.Seek(start)
}

// Len returns the number of live keys.
func (m *MemTable) Len() int { return m.index.Len() }

// Size returns the bytes of keys plus values held.
func (m *MemTable) Size() int64 { return m.bytes.Load() }

// MaxSize returns the configured budget.
func (m *MemTable) MaxSize() int64 { return m.cfg.MaxSize }

// Seq returns the highest sequence applied.
func (m *MemTable) Seq() uint64 { return m.seq.Load() }

// Age returns the time since the table was created.
func (m *MemTable) Age() time.Duration { return time.Since(m.createdAt) }

// ShouldFlush reports whether the table has reached its flush threshold.
func (m *MemTable) ShouldFlush() bool {
	if m.cfg.MaxSize == 0 {
		return false
	}
	return float64(m.Size()) >= float64(m.cfg.MaxSize)*m.cfg.FlushThreshold
}

// Close releases the index and returns the budget. The table must not be
// used afterwards.
func (m *MemTable) Close() error {
	m.MakeImmutable()
	m.budget.ReleaseMemory(m.bytes.Swap(0))
	return m.index.Close()
}

// Stats is a snapshot of table counters.
type Stats struct {
	Entries   int
	Bytes     int64
	MaxSize   int64
	Seq       uint64
	Inserts   uint64
	Updates   uint64
	Deletes   uint64
	Conflicts uint64
	Immutable bool
	Index     skiplist.Stats
}

// Stats returns a snapshot of the table counters.
func (m *MemTable) Stats() Stats {
	return Stats{
		Entries:   m.Len(),
		Bytes:     m.Size(),
		MaxSize:   m.cfg.MaxSize,
		Seq:       m.Seq(),
		Inserts:   m.inserts.Load(),
		Updates:   m.updates.Load(),
		Deletes:   m.deletes.Load(),
		Conflicts: m.conflicts.Load(),
		Immutable: m.IsImmutable(),
		Index:     m.index.Stats(),
	}
}
