package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/kverr"
)

// Segment is a sealed log file.
type Segment struct {
	Path     string
	FirstSeq uint64
}

// segmentPath names a sealed segment so that lexical order is sequence order.
func segmentPath(path string, firstSeq uint64) string {
	return fmt.Sprintf("%s.%020d", path, firstSeq)
}

// Rotate seals the active file as <path>.<firstSeq> and starts an empty one.
// It returns the sealed path, or "" when the log is empty.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usableLocked(); err != nil {
		return "", err
	}
	if err := w.writeBufferLocked(); err != nil {
		return "", err
	}
	w.pending = 0
	if w.firstSeq == 0 {
		return "", nil
	}
	if err := w.syncLocked(false); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", w.fail("close", err)
	}

	sealed := segmentPath(w.path, w.firstSeq)
	if err := w.fs.Rename(w.path, sealed); err != nil {
		return "", w.fail("rename", err)
	}

	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return "", w.fail("open", err)
	}
	if err := w.fs.SyncDir(filepath.Dir(w.path)); err != nil {
		_ = f.Close()
		return "", w.fail("syncdir", err)
	}

	w.file = f
	w.out = f
	if w.io != nil {
		w.out = w.io.LimitWriter(context.Background(), f)
	}
	w.logger.Info("wal rotated", "segment", sealed, "first_seq", w.firstSeq, "last_seq", w.lastSeq)

	w.firstSeq = 0
	w.size = 0
	w.unsynced = false
	return sealed, nil
}

// Segments lists the sealed segments of the log at path in sequence order.
// Only the FileSystem of the options is used.
func Segments(path string, optFns ...func(o *RecoverOptions)) ([]Segment, error) {
	return segments(recoverFS(optFns), path)
}

// Segments lists the sealed segments of w in sequence order.
func (w *WAL) Segments() ([]Segment, error) {
	return segments(w.fs, w.path)
}

func segments(fsys fs.FileSystem, path string) ([]Segment, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, kverr.IO("readdir", dir, err)
	}

	var segs []Segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base+".") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(name, base+"."), 10, 64)
		if err != nil || seq == 0 {
			continue
		}
		segs = append(segs, Segment{Path: filepath.Join(dir, name), FirstSeq: seq})
	}
	slices.SortFunc(segs, func(a, b Segment) int {
		switch {
		case a.FirstSeq < b.FirstSeq:
			return -1
		case a.FirstSeq > b.FirstSeq:
			return 1
		}
		return 0
	})
	return segs, nil
}

// Cleanup removes sealed segments of the log at path whose records all have
// sequence numbers at or below upToSeq. It returns the removed paths.
func Cleanup(path string, upToSeq uint64, optFns ...func(o *RecoverOptions)) ([]string, error) {
	fsys := recoverFS(optFns)
	segs, err := segments(fsys, path)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, seg := range segs {
		if seg.FirstSeq > upToSeq {
			break
		}
		_, maxSeq, err := RecoveryPoint(seg.Path, optFns...)
		if err != nil {
			return removed, err
		}
		if maxSeq > upToSeq {
			break
		}
		if err := fsys.Remove(seg.Path); err != nil {
			return removed, kverr.IO("remove", seg.Path, err)
		}
		removed = append(removed, seg.Path)
	}
	return removed, nil
}

// Cleanup is the package Cleanup on the file system of w.
func (w *WAL) Cleanup(upToSeq uint64) ([]string, error) {
	return Cleanup(w.path, upToSeq, w.ReadOptions)
}

// Archive uploads a sealed segment to store under its base name.
// Only the FileSystem of the options is used.
func Archive(ctx context.Context, store blobstore.Store, segment string, optFns ...func(o *RecoverOptions)) (string, error) {
	f, err := recoverFS(optFns).OpenFile(segment, os.O_RDONLY, 0)
	if err != nil {
		return "", kverr.IO("open", segment, err)
	}
	defer f.Close()

	name := filepath.Base(segment)
	w, err := store.Create(ctx, name)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		if a, ok := w.(blobstore.Aborter); ok {
			_ = a.Abort(ctx)
		} else {
			_ = w.Close()
		}
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	return name, nil
}

// Archive is the package Archive on the file system of w.
func (w *WAL) Archive(ctx context.Context, store blobstore.Store, segment string) (string, error) {
	return Archive(ctx, store, segment, w.ReadOptions)
}

// ReadOptions sets o to read the files of w the way w wrote them.
func (w *WAL) ReadOptions(o *RecoverOptions) {
	o.FileSystem = w.fs
	o.MaxRecordSize = w.opts.MaxRecordSize
}

func recoverFS(optFns []func(o *RecoverOptions)) fs.FileSystem {
	var o RecoverOptions
	for _, fn := range optFns {
		fn(&o)
	}
	if o.FileSystem == nil {
		return fs.Default
	}
	return o.FileSystem
}
