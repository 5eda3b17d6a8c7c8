package kvgo

import (
	"context"
	"iter"
	"time"

	"github.com/hupe1980/kvgo/memtable"
)

func (s *Store) notifyFlush() {
	select {
	case s.flushNotify <- struct{}{}:
	default:
	}
}

// flushLoop hands immutable tables to the flush function, oldest first. A
// failed flush is retried on the next rotation or at Close.
func (s *Store) flushLoop() {
	defer s.flushWG.Done()
	ctx := context.Background()

	for {
		select {
		case <-s.flushStop:
			s.drain(ctx)
			return
		case <-s.flushNotify:
			s.drain(ctx)
		}
	}
}

func (s *Store) drain(ctx context.Context) {
	for {
		s.mu.RLock()
		var t *table
		if len(s.immutables) > 0 {
			t = s.immutables[0]
		}
		s.mu.RUnlock()
		if t == nil {
			return
		}
		if err := s.flushTable(ctx, t); err != nil {
			return
		}
	}
}

func (s *Store) flushTable(ctx context.Context, t *table) error {
	if err := s.bg.AcquireBackground(ctx); err != nil {
		return err
	}
	defer s.bg.ReleaseBackground()

	start := time.Now()
	seq, n, size := t.mt.Seq(), t.mt.Len(), t.mt.Size()

	err := s.opts.flush(ctx, seq, entries(t.mt))
	s.metrics.RecordFlush(n, size, time.Since(start), err)
	s.logger.LogFlush(ctx, n, seq, err)

	s.mu.Lock()
	s.flushErr = err
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.immutables = s.immutables[1:]

	// Records below the oldest live table are no longer needed.
	upTo := seq
	for _, live := range append([]*table{s.active}, s.immutables...) {
		if m := live.minSeq.Load(); m != 0 && m-1 < upTo {
			upTo = m - 1
		}
	}
	s.mu.Unlock()

	t.readers.Wait()
	_ = t.mt.Close()

	if t.segment != "" && s.opts.archive != nil {
		name, aerr := s.wal.Archive(ctx, s.opts.archive, t.segment)
		s.logger.LogArchive(ctx, t.segment, name, aerr)
		if aerr != nil {
			// Leave the segment in place until the next flush retires it.
			return nil
		}
	}
	s.retire(upTo)
	return nil
}

// retire checkpoints the log up to upTo and removes sealed segments it covers.
func (s *Store) retire(upTo uint64) {
	if upTo == 0 {
		return
	}
	if _, err := s.wal.AppendCheckpoint(upTo); err != nil {
		s.logger.Error("wal checkpoint failed", "up_to", upTo, "error", err)
		return
	}
	removed, err := s.wal.Cleanup(upTo)
	if err != nil {
		s.logger.Error("wal cleanup failed", "up_to", upTo, "error", err)
		return
	}
	for _, p := range removed {
		s.logger.Debug("wal segment removed", "segment", p)
	}
}

// entries decodes the tagged memtable values.
func entries(mt *memtable.MemTable) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for k, v := range mt.All() {
			e := Entry{Key: k, Value: v[1:], Deleted: v[0] == kindTombstone}
			if e.Deleted {
				e.Value = nil
			}
			if !yield(e) {
				return
			}
		}
	}
}
