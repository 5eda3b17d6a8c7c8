package wal

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/kverr"
)

// RecordType identifies the mutation a record carries.
type RecordType uint32

const (
	// RecordPut stores a value under a key.
	RecordPut RecordType = 1
	// RecordDelete removes a key. Its value is empty.
	RecordDelete RecordType = 2
	// RecordCheckpoint marks every record up to a sequence as persisted elsewhere.
	RecordCheckpoint RecordType = 3
)

func (t RecordType) valid() bool {
	return t >= RecordPut && t <= RecordCheckpoint
}

func (t RecordType) String() string {
	switch t {
	case RecordPut:
		return "put"
	case RecordDelete:
		return "delete"
	case RecordCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("RecordType(%d)", uint32(t))
	}
}

// Record is one decoded log entry.
type Record struct {
	Type  RecordType
	Key   []byte
	Value []byte
	// Seq is the record's sequence number. Zero on Append means "next".
	Seq uint64
}

// Compression selects the codec applied to record values.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionS2
	CompressionLZ4
)

func (c Compression) valid() bool { return c <= CompressionLZ4 }

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionS2:
		return "s2"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses a codec name as written in configuration files.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "s2":
		return CompressionS2, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, kverr.Paramf("unknown compression %q", s)
	}
}

// Options contains configuration for the WAL.
type Options struct {
	// BufferSize is the capacity of the in-memory write buffer.
	// Records larger than the buffer bypass it.
	BufferSize int

	// GroupCommit batches appends into one flush.
	// Without it every append is flushed before Append returns.
	GroupCommit bool

	// GroupCommitInterval bounds how long an appended record may stay unflushed.
	// A background worker flushes at this interval.
	GroupCommitInterval time.Duration

	// GroupCommitRecords flushes once this many records are buffered. Zero disables the trigger.
	GroupCommitRecords int

	// AsyncFlush skips the fsync after a flush. Sync still forces one.
	AsyncFlush bool

	// Checksum stores a CRC32C of key and value in each record.
	Checksum bool

	// Compression is applied to values of at least CompressionThreshold bytes.
	Compression          Compression
	CompressionThreshold int

	// MaxRecordSize caps key plus value bytes of a single record.
	MaxRecordSize int

	// IOLimitBytesPerSec throttles file writes. Zero means unlimited.
	IOLimitBytesPerSec int64

	// FileSystem is used for all file access. Nil means the local file system.
	FileSystem fs.FileSystem

	// Logger receives open, recovery and failure events. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	BufferSize:           64 * 1024,
	GroupCommit:          false,
	GroupCommitInterval:  10 * time.Millisecond,
	GroupCommitRecords:   16,
	AsyncFlush:           false,
	Checksum:             true,
	Compression:          CompressionNone,
	CompressionThreshold: 256,
	MaxRecordSize:        DefaultMaxRecordSize,
}

// Validate reports invalid option combinations as ErrParam.
func (o Options) Validate() error {
	if o.BufferSize < HeaderSize {
		return kverr.Paramf("wal: buffer size %d below header size %d", o.BufferSize, HeaderSize)
	}
	if o.GroupCommitInterval < 0 {
		return kverr.Paramf("wal: negative group commit interval")
	}
	if o.GroupCommitRecords < 0 {
		return kverr.Paramf("wal: negative group commit record count")
	}
	if !o.Compression.valid() {
		return kverr.Paramf("wal: unknown compression %d", o.Compression)
	}
	if o.CompressionThreshold < 0 {
		return kverr.Paramf("wal: negative compression threshold")
	}
	if o.MaxRecordSize <= 0 || o.MaxRecordSize > maxRecordLimit {
		return kverr.Paramf("wal: max record size %d out of range", o.MaxRecordSize)
	}
	if o.IOLimitBytesPerSec < 0 {
		return kverr.Paramf("wal: negative io limit")
	}
	return nil
}

// Stats is a point-in-time snapshot of WAL counters.
type Stats struct {
	Appends      uint64
	Flushes      uint64
	Syncs        uint64
	GroupCommits uint64
	BytesWritten int64
	Buffered     int
	FirstSeq     uint64
	LastSeq      uint64
	Size         int64
}
