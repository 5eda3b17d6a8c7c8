// Package wal provides the write-ahead log that makes kvgo mutations durable.
//
// Callers append a record before applying the mutation in memory and replay
// the log into a fresh memtable at startup. The log is a single append-only
// file of self-framed records (see EncodeRecord for the layout).
//
// Durability is configurable:
//   - without group commit every Append is flushed, and fsynced unless
//     AsyncFlush is set, before it returns
//   - with group commit appends are buffered and flushed when the buffer is
//     full, GroupCommitRecords records are pending, or GroupCommitInterval
//     has elapsed; a background worker enforces the interval
//
// Sealed segments can be listed, verified, archived and removed with
// Rotate, Segments, Verify, Archive and Cleanup.
package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/kverr"
)

// DamageError reports a log file that is damaged before its tail. Open
// refuses such a file instead of truncating acknowledged records.
type DamageError struct {
	Path    string
	Offset  int64 // start of the first bad frame
	Records int   // valid records before Offset
	Err     error
}

func (e *DamageError) Error() string {
	return fmt.Sprintf("wal: %s damaged at offset %d after %d records: %v", e.Path, e.Offset, e.Records, e.Err)
}

func (e *DamageError) Unwrap() error { return e.Err }

// WAL provides write-ahead logging for durability.
type WAL struct {
	mu     sync.Mutex
	path   string
	opts   Options
	fs     fs.FileSystem
	logger *slog.Logger
	io     *resource.Controller

	file fs.File
	out  io.Writer

	buf       []byte
	pending   int  // records appended since the last flush
	unsynced  bool // bytes written since the last fsync
	lastFlush time.Time

	firstSeq uint64
	lastSeq  uint64
	size     int64

	failed error
	closed bool

	appends      uint64
	flushes      uint64
	syncs        uint64
	groupCommits uint64
	bytesWritten int64

	// Group commit worker lifecycle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens or creates the log at path.
//
// An existing log is scanned to restore the sequence counter. A torn tail is
// truncated to the last valid record and logged; any other damage fails Open
// with a *DamageError.
func Open(path string, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.FileSystem == nil {
		opts.FileSystem = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	w := &WAL{
		path:   path,
		opts:   opts,
		fs:     opts.FileSystem,
		logger: opts.Logger.With("wal", path),
		buf:    make([]byte, 0, opts.BufferSize),
	}
	if opts.IOLimitBytesPerSec > 0 {
		w.io = resource.NewController(resource.Config{IOLimitBytesPerSec: opts.IOLimitBytesPerSec})
	}

	if err := w.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, kverr.IO("mkdir", filepath.Dir(path), err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}

	w.logger.Info("wal opened",
		"first_seq", w.firstSeq,
		"last_seq", w.lastSeq,
		"size", w.size,
		"group_commit", opts.GroupCommit,
	)

	if opts.GroupCommit && opts.GroupCommitInterval > 0 {
		w.stopCh = make(chan struct{})
		w.wg.Add(1)
		go w.groupCommitWorker(opts.GroupCommitInterval)
	}

	return w, nil
}

// openFile scans the existing log, repairs its tail and positions the
// append handle at the end.
func (w *WAL) openFile() error {
	end, first, last, err := w.scan()
	if err != nil {
		return err
	}

	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return kverr.IO("open", w.path, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return kverr.IO("stat", w.path, err)
	}
	if st.Size() > end {
		w.logger.Warn("wal truncating torn tail",
			"valid_bytes", end,
			"discarded_bytes", st.Size()-end,
			"last_seq", last,
		)
		if err := f.Truncate(end); err != nil {
			_ = f.Close()
			return kverr.IO("truncate", w.path, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return kverr.IO("sync", w.path, err)
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		_ = f.Close()
		return kverr.IO("seek", w.path, err)
	}

	w.file = f
	w.out = f
	if w.io != nil {
		w.out = w.io.LimitWriter(context.Background(), f)
	}
	w.firstSeq, w.lastSeq, w.size = first, last, end
	w.lastFlush = time.Now()

	// An empty active file continues the sequence of the newest sealed segment.
	if last == 0 {
		segs, err := segments(w.fs, w.path)
		if err != nil {
			_ = f.Close()
			return err
		}
		if n := len(segs); n > 0 {
			_, maxSeq, err := RecoveryPoint(segs[n-1].Path, w.ReadOptions)
			if err != nil {
				_ = f.Close()
				return err
			}
			w.lastSeq = maxSeq
		}
	}
	return nil
}

// scan returns the end offset of the valid prefix and its sequence range.
func (w *WAL) scan() (end int64, first, last uint64, err error) {
	if _, statErr := w.fs.Stat(w.path); errors.Is(statErr, os.ErrNotExist) {
		return 0, 0, 0, nil
	}

	it, err := Recover(w.path, w.ReadOptions)
	if err != nil {
		return 0, 0, 0, err
	}
	defer it.Close()

	for rec, recErr := range it.All() {
		if recErr != nil {
			if !errors.Is(recErr, ErrTornWrite) {
				return 0, 0, 0, &DamageError{Path: w.path, Offset: it.Offset(), Records: it.Count(), Err: recErr}
			}
			w.logger.Warn("wal torn tail", "error", recErr, "records", it.Count())
			break
		}
		if first == 0 {
			first = rec.Seq
		}
		last = rec.Seq
	}
	return it.Offset(), first, last, nil
}

// Path returns the path of the active log file.
func (w *WAL) Path() string { return w.path }

// Append writes rec and returns its sequence number.
//
// A zero rec.Seq is assigned the next sequence; an explicit one must be
// greater than every sequence already in the log. Records exceeding
// MaxRecordSize fail with ErrNoMemory, I/O failures with ErrIO.
func (w *WAL) Append(rec Record) (uint64, error) {
	if !rec.Type.valid() {
		return 0, kverr.Paramf("wal: invalid record type %d", rec.Type)
	}
	if len(rec.Key) == 0 && rec.Type != RecordCheckpoint {
		return 0, kverr.Paramf("wal: empty key")
	}
	if rec.Type == RecordDelete && len(rec.Value) != 0 {
		return 0, kverr.Paramf("wal: delete record with value")
	}
	if n := len(rec.Key) + len(rec.Value); n > w.opts.MaxRecordSize {
		return 0, fmt.Errorf("%w: record of %d bytes exceeds limit %d", kverr.ErrNoMemory, n, w.opts.MaxRecordSize)
	}

	stored, codec := compressValue(w.opts.Compression, rec.Value, w.opts.CompressionThreshold)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked(); err != nil {
		return 0, err
	}

	switch {
	case rec.Seq == 0:
		rec.Seq = w.lastSeq + 1
	case rec.Seq <= w.lastSeq:
		return 0, kverr.Paramf("wal: sequence %d not above %d", rec.Seq, w.lastSeq)
	}

	frameLen := HeaderSize + len(rec.Key) + len(stored)
	if len(w.buf)+frameLen > cap(w.buf) {
		if err := w.writeBufferLocked(); err != nil {
			return 0, err
		}
	}
	if frameLen > cap(w.buf) {
		if err := w.writeLocked(appendFrame(nil, rec, stored, codec, w.opts.Checksum)); err != nil {
			return 0, err
		}
	} else {
		w.buf = appendFrame(w.buf, rec, stored, codec, w.opts.Checksum)
	}

	if w.firstSeq == 0 {
		w.firstSeq = rec.Seq
	}
	w.lastSeq = rec.Seq
	w.pending++
	w.appends++

	if !w.opts.GroupCommit {
		return rec.Seq, w.flushLocked()
	}
	if (w.opts.GroupCommitRecords > 0 && w.pending >= w.opts.GroupCommitRecords) ||
		(w.opts.GroupCommitInterval > 0 && time.Since(w.lastFlush) >= w.opts.GroupCommitInterval) {
		if err := w.flushLocked(); err != nil {
			return rec.Seq, err
		}
		w.groupCommits++
	}
	return rec.Seq, nil
}

// AppendPut appends a Put record with the next sequence number.
func (w *WAL) AppendPut(key, value []byte) (uint64, error) {
	return w.Append(Record{Type: RecordPut, Key: key, Value: value})
}

// AppendDelete appends a Delete record with the next sequence number.
func (w *WAL) AppendDelete(key []byte) (uint64, error) {
	return w.Append(Record{Type: RecordDelete, Key: key})
}

// AppendCheckpoint records that every record up to upTo is persisted
// elsewhere and forces it to disk.
func (w *WAL) AppendCheckpoint(upTo uint64) (uint64, error) {
	seq, err := w.Append(Record{Type: RecordCheckpoint, Value: checkpointValue(upTo)})
	if err != nil {
		return seq, err
	}
	return seq, w.Sync()
}

// Checkpoint is AppendCheckpoint up to the last appended sequence.
func (w *WAL) Checkpoint() (uint64, error) {
	return w.AppendCheckpoint(w.LastSeq())
}

// Flush writes the buffer to the file and, unless AsyncFlush is set, fsyncs it.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked(); err != nil {
		return err
	}
	return w.flushLocked()
}

// Sync writes the buffer and fsyncs regardless of AsyncFlush.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked(); err != nil {
		return err
	}
	if err := w.writeBufferLocked(); err != nil {
		return err
	}
	w.pending = 0
	w.lastFlush = time.Now()
	return w.syncLocked(true)
}

// Close flushes, fsyncs and closes the log. Every later operation, including
// a second Close, returns ErrClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	w.mu.Unlock()

	// Stop the worker without holding the lock it needs.
	if w.stopCh != nil {
		close(w.stopCh)
		w.wg.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.failed == nil {
		if err := w.writeBufferLocked(); err != nil {
			errs = append(errs, err)
		} else if err := w.syncLocked(false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, kverr.IO("close", w.path, err))
	}
	w.buf = nil

	w.logger.Info("wal closed", "last_seq", w.lastSeq, "size", w.size)
	return errors.Join(errs...)
}

// LastSeq returns the highest sequence number appended.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Stats returns a snapshot of the WAL counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Appends:      w.appends,
		Flushes:      w.flushes,
		Syncs:        w.syncs,
		GroupCommits: w.groupCommits,
		BytesWritten: w.bytesWritten,
		Buffered:     len(w.buf),
		FirstSeq:     w.firstSeq,
		LastSeq:      w.lastSeq,
		Size:         w.size + int64(len(w.buf)),
	}
}

func (w *WAL) usableLocked() error {
	if w.closed {
		return ErrClosed
	}
	return w.failed
}

// fail latches err; the WAL rejects all further writes with it.
func (w *WAL) fail(op string, err error) error {
	if w.failed == nil {
		w.failed = kverr.IO(op, w.path, err)
		w.logger.Error("wal failed", "op", op, "error", err, "last_seq", w.lastSeq)
	}
	return w.failed
}

func (w *WAL) flushLocked() error {
	if err := w.writeBufferLocked(); err != nil {
		return err
	}
	w.pending = 0
	w.lastFlush = time.Now()
	w.flushes++
	if w.opts.AsyncFlush {
		return nil
	}
	return w.syncLocked(false)
}

func (w *WAL) writeBufferLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.writeLocked(w.buf)
	w.buf = w.buf[:0]
	return err
}

func (w *WAL) writeLocked(p []byte) error {
	n, err := w.out.Write(p)
	w.size += int64(n)
	w.bytesWritten += int64(n)
	if n > 0 {
		w.unsynced = true
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return w.fail("write", err)
	}
	return nil
}

func (w *WAL) syncLocked(force bool) error {
	if !w.unsynced && !force {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return w.fail("sync", err)
	}
	w.unsynced = false
	w.syncs++
	return nil
}

// groupCommitWorker flushes pending records every interval so that no record
// stays unflushed longer than that without a buffer-full trigger.
func (w *WAL) groupCommitWorker(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.usableLocked() == nil && (len(w.buf) > 0 || (w.unsynced && !w.opts.AsyncFlush)) {
				if err := w.flushLocked(); err == nil {
					w.groupCommits++
				}
			}
			w.mu.Unlock()
		}
	}
}
