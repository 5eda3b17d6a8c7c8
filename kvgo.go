package kvgo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/lock"
	"github.com/hupe1980/kvgo/memtable"
	"github.com/hupe1980/kvgo/wal"
)

// WALFileName is the name of the active log file inside the data directory.
const WALFileName = "kvgo.wal"

// Memtable values carry a one byte kind prefix so that a delete can shadow
// an older immutable table.
const (
	kindValue     byte = 0
	kindTombstone byte = 1
)

// maxApplyAttempts bounds retries of a memtable write that hit a lock
// conflict after its record was logged.
const maxApplyAttempts = 8

// Entry is a key handed to a FlushFunc. Deleted entries shadow older data.
type Entry struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// FlushFunc persists the entries of an immutable memtable, in ascending key
// order, whose records go up to seq. The slices are only valid during the call.
type FlushFunc func(ctx context.Context, seq uint64, entries iter.Seq[Entry]) error

// table is a memtable plus the log bookkeeping needed to retire it.
type table struct {
	mt      *memtable.MemTable
	minSeq  atomic.Uint64 // 0 while empty
	segment string        // sealed log segment, if rotated live
	readers sync.WaitGroup
}

func (t *table) noteSeq(seq uint64) {
	for {
		cur := t.minSeq.Load()
		if (cur != 0 && cur <= seq) || t.minSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Stats is a snapshot of the store.
type Stats struct {
	Entries    int
	Bytes      int64
	Immutables int
	LastSeq    uint64
	MemTable   memtable.Stats
	WAL        wal.Stats
	Stripes    lock.Stats
	FlushErr   error
}

// Store is a durable key-value store: every mutation is appended to the
// write-ahead log before it is applied to the active memtable.
type Store struct {
	dir     string
	walPath string
	opts    options
	logger  *Logger
	metrics MetricsCollector

	wal     *wal.WAL
	stripes *lock.Striped
	bg      *resource.Controller

	mu         sync.RWMutex
	active     *table
	immutables []*table // oldest first
	closed     bool
	flushErr   error

	flushNotify chan struct{}
	flushStop   chan struct{}
	flushWG     sync.WaitGroup
}

// Open opens the store in dir, creating it if needed, and replays the log.
func Open(dir string, optFns ...Option) (*Store, error) {
	if dir == "" {
		return nil, kverr.Paramf("empty data directory")
	}
	o := applyOptions(optFns)
	if o.err != nil {
		return nil, o.err
	}
	if o.maxImmutables < 0 {
		return nil, kverr.Paramf("negative max immutables %d", o.maxImmutables)
	}
	if err := o.memtable.Validate(); err != nil {
		return nil, err
	}

	stripes, err := lock.NewStriped(o.lock)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:         dir,
		walPath:     filepath.Join(dir, WALFileName),
		opts:        o,
		logger:      o.logger.WithDir(dir),
		metrics:     o.metricsCollector,
		stripes:     stripes,
		bg:          resource.NewController(resource.Config{MaxBackgroundWorkers: 1}),
		flushNotify: make(chan struct{}, 1),
		flushStop:   make(chan struct{}),
	}

	walOpts := append([]func(*wal.Options){func(wo *wal.Options) {
		wo.Logger = s.logger.Logger
	}}, o.walOptions...)
	s.wal, err = wal.Open(s.walPath, walOpts...)
	if err != nil {
		var damage *wal.DamageError
		if errors.As(err, &damage) {
			err = &ErrRecovery{Path: damage.Path, Records: damage.Records, cause: damage.Err}
			s.metrics.RecordRecovery(damage.Records, 0, err)
			s.logger.LogRecovery(context.Background(), damage.Records, 0, err)
		}
		return nil, err
	}

	if s.active, err = s.newTable(); err != nil {
		_ = s.wal.Close()
		return nil, err
	}

	if err := s.replay(context.Background()); err != nil {
		_ = s.wal.Close()
		s.closeTables()
		return nil, err
	}

	if o.flush != nil {
		s.flushWG.Add(1)
		go s.flushLoop()
		s.notifyFlush()
	}
	return s, nil
}

func (s *Store) newTable() (*table, error) {
	mt, err := memtable.New(s.opts.memtable)
	if err != nil {
		return nil, err
	}
	return &table{mt: mt}, nil
}

// replay applies the sealed segments and the active log in sequence order.
// A torn tail ends a file; any other damage fails Open.
func (s *Store) replay(ctx context.Context) error {
	start := time.Now()

	segs, err := s.wal.Segments()
	if err != nil {
		return err
	}
	files := make([]string, 0, len(segs)+1)
	for _, seg := range segs {
		files = append(files, seg.Path)
	}
	files = append(files, s.walPath)

	var startSeq uint64
	if s.opts.skipCheckpointed {
		for _, f := range files {
			upTo, err := wal.LatestCheckpoint(f, s.readOptions()...)
			if err != nil {
				return &ErrRecovery{Path: f, cause: err}
			}
			startSeq = max(startSeq, upTo)
		}
		if startSeq > 0 {
			startSeq++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := 0
	for _, f := range files {
		n, err := s.replayFile(f, startSeq)
		records += n
		if err != nil {
			err = &ErrRecovery{Path: f, Records: records, cause: err}
			s.metrics.RecordRecovery(records, time.Since(start), err)
			s.logger.LogRecovery(ctx, records, 0, err)
			return err
		}
	}

	s.metrics.RecordRecovery(records, time.Since(start), nil)
	s.logger.LogRecovery(ctx, records, s.wal.LastSeq(), nil)
	return nil
}

// readOptions reads log files through the file system of the WAL, then
// applies WithRecover options.
func (s *Store) readOptions() []func(*wal.RecoverOptions) {
	return append([]func(*wal.RecoverOptions){s.wal.ReadOptions}, s.opts.recoverOptions...)
}

func (s *Store) replayFile(path string, startSeq uint64) (int, error) {
	it, err := wal.RecoverFrom(path, startSeq, s.readOptions()...)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for rec, recErr := range it.All() {
		if recErr != nil {
			if errors.Is(recErr, wal.ErrTornWrite) {
				s.logger.Warn("wal torn tail ignored", "path", path, "offset", it.Offset())
				break
			}
			return n, recErr
		}
		if rec.Type == wal.RecordCheckpoint {
			continue
		}
		if s.active.mt.ShouldFlush() {
			if err := s.rotateLocked(false); err != nil {
				return n, err
			}
		}
		err := s.applyLocked(rec)
		if errors.Is(err, ErrNoMemory) {
			// The live write rotated here too.
			if err = s.rotateLocked(false); err == nil {
				err = s.applyLocked(rec)
			}
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// applyLocked applies a logged record to the active table. s.mu must be held
// in either mode, and the key stripe for live writes.
func (s *Store) applyLocked(rec wal.Record) error {
	t := s.active
	var err error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		switch rec.Type {
		case wal.RecordPut:
			err = t.mt.PutSeq(rec.Key, encodeValue(kindValue, rec.Value), rec.Seq)
		case wal.RecordDelete:
			if len(s.immutables) > 0 {
				err = t.mt.PutSeq(rec.Key, encodeValue(kindTombstone, nil), rec.Seq)
			} else if err = t.mt.DeleteSeq(rec.Key, rec.Seq); errors.Is(err, ErrNotFound) {
				err = nil
			}
		default:
			return nil
		}
		if !kverr.Retryable(err) {
			break
		}
	}
	if err == nil {
		t.noteSeq(rec.Seq)
	}
	return err
}

func encodeValue(kind byte, value []byte) []byte {
	b := make([]byte, 1+len(value))
	b[0] = kind
	copy(b[1:], value)
	return b
}

// Put stores value under key.
func (s *Store) Put(key, value []byte) error {
	start := time.Now()
	err := s.write(wal.Record{Type: wal.RecordPut, Key: key, Value: value})
	s.metrics.RecordPut(time.Since(start), err)
	return err
}

// Delete removes key. It returns ErrNotFound, without logging anything, when
// the store does not hold the key.
func (s *Store) Delete(key []byte) error {
	start := time.Now()
	err := s.write(wal.Record{Type: wal.RecordDelete, Key: key})
	s.metrics.RecordDelete(time.Since(start), err)
	return err
}

func (s *Store) write(rec wal.Record) error {
	if len(rec.Key) == 0 {
		return kverr.Paramf("empty key")
	}
	if limit := s.opts.memtable.MaxSize; limit > 0 && int64(len(rec.Key)+len(rec.Value)+1) > limit {
		return fmt.Errorf("%w: entry of %d bytes exceeds memtable size %d", ErrNoMemory, len(rec.Key)+len(rec.Value), limit)
	}
	if err := s.maybeRotate(); err != nil {
		return err
	}

	l := s.stripes.For(rec.Key)
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release() //nolint:errcheck // held above

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	if rec.Type == wal.RecordDelete {
		if _, err := s.getLocked(rec.Key); err != nil {
			s.mu.RUnlock()
			return err
		}
	}
	seq, err := s.wal.Append(rec)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	rec.Seq = seq
	err = s.applyLocked(rec)
	s.mu.RUnlock()

	if errors.Is(err, ErrNoMemory) {
		// The record is logged; it must land in a fresh table.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrClosed
		}
		if err := s.rotateLocked(true); err != nil {
			return err
		}
		return s.applyLocked(rec)
	}
	return err
}

// maybeRotate rotates the active table once it reached its flush threshold.
func (s *Store) maybeRotate() error {
	s.mu.RLock()
	need := !s.closed && s.active.mt.ShouldFlush()
	s.mu.RUnlock()
	if !need {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.active.mt.ShouldFlush() {
		return nil
	}
	if s.opts.maxImmutables > 0 && len(s.immutables) >= s.opts.maxImmutables {
		return fmt.Errorf("%w: %d memtables waiting for flush", ErrBusy, len(s.immutables))
	}
	return s.rotateLocked(true)
}

// Rotate makes the active memtable immutable, seals the log segment holding
// its records and hands it to the flush function. An empty table is kept.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.rotateLocked(true)
}

// rotateLocked requires s.mu held for writing. sealLog is false during replay.
func (s *Store) rotateLocked(sealLog bool) error {
	old := s.active
	if old.mt.Len() == 0 {
		return nil
	}
	next, err := s.newTable()
	if err != nil {
		return err
	}
	if sealLog {
		if old.segment, err = s.wal.Rotate(); err != nil {
			_ = next.mt.Close()
			return err
		}
	}
	old.mt.MakeImmutable()
	s.immutables = append(s.immutables, old)
	s.active = next

	s.metrics.RecordRotation()
	s.logger.LogRotation(context.Background(), old.mt.Len(), old.mt.Size(), old.mt.Seq(), old.segment)
	s.notifyFlush()
	return nil
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	start := time.Now()
	s.mu.RLock()
	v, err := s.getFromTables(key)
	s.mu.RUnlock()
	s.metrics.RecordGet(time.Since(start), err == nil, ignoreNotFound(err))
	return v, err
}

func (s *Store) getFromTables(key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.getLocked(key)
}

// getLocked searches the active table, then the immutables newest first.
func (s *Store) getLocked(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kverr.Paramf("empty key")
	}
	for i := len(s.immutables); i >= 0; i-- {
		t := s.active
		if i < len(s.immutables) {
			t = s.immutables[i]
		}
		if !t.mt.MayContain(key) {
			continue
		}
		v, err := t.mt.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if v[0] == kindTombstone {
			break
		}
		return v[1:], nil
	}
	return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Scan returns the live entries with start <= key < end in ascending order.
// A nil start begins at the first key, a nil end runs to the last. The
// yielded slices are only valid until the next iteration.
func (s *Store) Scan(start, end []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		began := time.Now()
		tables, err := s.pin()
		if err != nil {
			return
		}
		defer func() {
			for _, t := range tables {
				t.readers.Done()
			}
		}()

		// Newest first, so the lowest cursor index wins on equal keys.
		type cursor struct {
			next  func() ([]byte, []byte, bool)
			stop  func()
			key   []byte
			value []byte
			ok    bool
		}
		cursors := make([]*cursor, len(tables))
		for i, t := range tables {
			var seq iter.Seq2[[]byte, []byte]
			if start == nil {
				seq = t.mt.All()
			} else {
				seq = t.mt.Seek(start)
			}
			next, stop := iter.Pull2(seq)
			c := &cursor{next: next, stop: stop}
			c.key, c.value, c.ok = next()
			cursors[i] = c
		}
		defer func() {
			for _, c := range cursors {
				c.stop()
			}
		}()

		yielded := 0
		defer func() { s.metrics.RecordScan(yielded, time.Since(began)) }()

		for {
			var best *cursor
			for _, c := range cursors {
				if c.ok && (best == nil || bytes.Compare(c.key, best.key) < 0) {
					best = c
				}
			}
			if best == nil || (end != nil && bytes.Compare(best.key, end) >= 0) {
				return
			}
			key, value := best.key, best.value
			for _, c := range cursors {
				if c != best && c.ok && bytes.Equal(c.key, key) {
					c.key, c.value, c.ok = c.next()
				}
			}
			best.key, best.value, best.ok = best.next()

			if value[0] == kindTombstone {
				continue
			}
			yielded++
			if !yield(key, value[1:]) {
				return
			}
		}
	}
}

// pin returns the tables newest first and keeps them open until the
// returned readers are released.
func (s *Store) pin() ([]*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	tables := make([]*table, 0, len(s.immutables)+1)
	tables = append(tables, s.active)
	for i := len(s.immutables) - 1; i >= 0; i-- {
		tables = append(tables, s.immutables[i])
	}
	for _, t := range tables {
		t.readers.Add(1)
	}
	return tables, nil
}

// Sync forces every logged record to stable storage.
func (s *Store) Sync() error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.wal.Sync()
}

// Checkpoint writes a checkpoint record covering every logged record.
func (s *Store) Checkpoint() (uint64, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	return s.wal.Checkpoint()
}

func (s *Store) usable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Stats returns a snapshot of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Immutables: len(s.immutables),
		LastSeq:    s.wal.LastSeq(),
		MemTable:   s.active.mt.Stats(),
		WAL:        s.wal.Stats(),
		Stripes:    s.stripes.Stats(),
		FlushErr:   s.flushErr,
	}
	st.Entries = st.MemTable.Entries
	st.Bytes = st.MemTable.Bytes
	for _, t := range s.immutables {
		st.Entries += t.mt.Len()
		st.Bytes += t.mt.Size()
	}
	return st
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// WALPath returns the path of the active log file.
func (s *Store) WALPath() string { return s.walPath }

// Close stops the flush worker after it drained pending immutables, then
// closes the log and releases every memtable. Pending immutables without a
// flush function stay in the log and are replayed on the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	if s.opts.flush != nil {
		close(s.flushStop)
		s.flushWG.Wait()
	}

	err := s.wal.Close()
	s.closeTables()
	return err
}

func (s *Store) closeTables() {
	s.mu.Lock()
	tables := append([]*table{s.active}, s.immutables...)
	s.immutables = nil
	s.mu.Unlock()

	for _, t := range tables {
		if t == nil {
			continue
		}
		t.readers.Wait()
		_ = t.mt.Close()
	}
}
