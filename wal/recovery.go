package wal

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/mmap"
	"github.com/hupe1980/kvgo/kverr"
)

// RecoverOptions configures a RecoveryIterator.
type RecoverOptions struct {
	// StartSeq skips records with a lower sequence number.
	StartSeq uint64

	// VerifyChecksum checks the crc of every checksummed record.
	VerifyChecksum bool

	// Mmap reads the log through a read-only memory mapping instead of buffered I/O.
	// It always uses the local file system.
	Mmap bool

	// MaxRecordSize rejects headers announcing larger payloads as corrupt.
	MaxRecordSize int

	FileSystem fs.FileSystem
}

// DefaultRecoverOptions are the options used by Recover.
var DefaultRecoverOptions = RecoverOptions{
	VerifyChecksum: true,
	MaxRecordSize:  DefaultMaxRecordSize,
}

// RecoveryIterator yields the records of a log file from offset 0 in order.
//
// It is forward-only and not restartable. Once Next returns an error, every
// further call returns the same error; io.EOF marks a clean end.
type RecoveryIterator struct {
	opts RecoverOptions
	path string

	file    fs.File
	r       *bufio.Reader
	mapping *mmap.Mapping
	data    []byte

	hdr    [HeaderSize]byte
	offset int64
	count  int
	err    error
}

// Recover opens the log at path for replay.
func Recover(path string, optFns ...func(o *RecoverOptions)) (*RecoveryIterator, error) {
	opts := DefaultRecoverOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxRecordSize <= 0 || opts.MaxRecordSize > maxRecordLimit {
		return nil, kverr.Paramf("wal: max record size %d out of range", opts.MaxRecordSize)
	}
	if opts.FileSystem == nil {
		opts.FileSystem = fs.Default
	}

	it := &RecoveryIterator{opts: opts, path: path}

	if opts.Mmap {
		m, err := mmap.Open(path)
		if err != nil {
			return nil, kverr.IO("mmap", path, err)
		}
		_ = m.Advise(mmap.AccessSequential)
		it.mapping = m
		it.data = m.Bytes()
		return it, nil
	}

	f, err := opts.FileSystem.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, kverr.IO("open", path, err)
	}
	it.file = f
	it.r = bufio.NewReaderSize(f, 64*1024)
	return it, nil
}

// RecoverFrom is Recover skipping every record below startSeq.
func RecoverFrom(path string, startSeq uint64, optFns ...func(o *RecoverOptions)) (*RecoveryIterator, error) {
	return Recover(path, append(optFns, func(o *RecoverOptions) { o.StartSeq = startSeq })...)
}

// Next returns the next record, or io.EOF after the last one.
//
// A damaged frame halts iteration with ErrChecksum or ErrCorrupt; a log that
// ends inside a frame halts with ErrTornWrite. Records returned before the
// error remain valid.
func (it *RecoveryIterator) Next() (Record, error) {
	for it.err == nil {
		rec, n, err := it.readFrame()
		if err != nil {
			if err != io.EOF {
				err = fmt.Errorf("%s at offset %d: %w", it.path, it.offset, err)
			}
			it.err = err
			break
		}
		it.offset += int64(n)
		if rec.Seq < it.opts.StartSeq {
			continue
		}
		it.count++
		return rec, nil
	}
	return Record{}, it.err
}

func (it *RecoveryIterator) readFrame() (Record, int, error) {
	if it.mapping != nil {
		return it.readMapped()
	}

	if _, err := io.ReadFull(it.r, it.hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Record{}, 0, fmt.Errorf("%w: %w", ErrTornWrite, err)
		}
		return Record{}, 0, kverr.IO("read", it.path, err)
	}

	h, err := parseHeader(it.hdr[:], it.opts.MaxRecordSize)
	if err != nil {
		return Record{}, 0, err
	}

	payload := make([]byte, h.payloadSize())
	if _, err := io.ReadFull(it.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, 0, fmt.Errorf("%w: %w", ErrTornWrite, io.ErrUnexpectedEOF)
		}
		return Record{}, 0, kverr.IO("read", it.path, err)
	}

	rec, err := decodePayload(h, payload, it.opts.VerifyChecksum, it.opts.MaxRecordSize)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, HeaderSize + len(payload), nil
}

func (it *RecoveryIterator) readMapped() (Record, int, error) {
	rest := it.data[it.offset:]
	if len(rest) == 0 {
		return Record{}, 0, io.EOF
	}
	if len(rest) < HeaderSize {
		return Record{}, 0, fmt.Errorf("%w: %w", ErrTornWrite, io.ErrUnexpectedEOF)
	}
	h, err := parseHeader(rest, it.opts.MaxRecordSize)
	if err != nil {
		return Record{}, 0, err
	}
	n := HeaderSize + h.payloadSize()
	if len(rest) < n {
		return Record{}, 0, fmt.Errorf("%w: %w", ErrTornWrite, io.ErrUnexpectedEOF)
	}
	rec, err := decodePayload(h, rest[HeaderSize:n], it.opts.VerifyChecksum, it.opts.MaxRecordSize)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, n, nil
}

// All adapts the iterator to a range-over-func sequence. A halting error is
// yielded once as the final element; a clean end yields nothing.
func (it *RecoveryIterator) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, err := it.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Offset returns the end offset of the last valid frame read.
func (it *RecoveryIterator) Offset() int64 { return it.offset }

// Count returns the number of records returned so far.
func (it *RecoveryIterator) Count() int { return it.count }

// Err returns the error that halted iteration, or nil for a clean end or an
// iteration still in progress.
func (it *RecoveryIterator) Err() error {
	if it.err == io.EOF || it.err == ErrClosed {
		return nil
	}
	return it.err
}

// Close releases the underlying file or mapping.
func (it *RecoveryIterator) Close() error {
	if it.err == nil {
		it.err = ErrClosed
	}
	if it.mapping != nil {
		m := it.mapping
		it.mapping, it.data = nil, nil
		return m.Close()
	}
	if it.file != nil {
		f := it.file
		it.file = nil
		return f.Close()
	}
	return nil
}
