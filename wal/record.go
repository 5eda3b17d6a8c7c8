package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/hupe1980/kvgo/internal/hash"
	"github.com/hupe1980/kvgo/kverr"
)

// Record frame, little-endian:
//
//	[type:4][key_size:4][value_size:4][seq:8][crc:4][key][value]
//
// Bits 0-7 of the type word hold the RecordType, bits 8-11 the value codec.
// The crc covers key followed by the stored value, or is zero when checksums
// are disabled.
const (
	// HeaderSize is the fixed size of a record header.
	HeaderSize = 24

	// DefaultMaxRecordSize is the default cap on key plus value bytes.
	DefaultMaxRecordSize = 64 << 20

	maxRecordLimit = 1 << 31

	typeMask   = 0xFF
	codecShift = 8
	codecMask  = 0xF << codecShift
)

var (
	// ErrChecksum is returned when a record's crc does not match its payload.
	ErrChecksum = kverr.ErrChecksum
	// ErrCorrupt is returned for implausible record headers.
	ErrCorrupt = kverr.ErrCorrupt
	// ErrTornWrite is returned when the log ends inside a record frame.
	ErrTornWrite = fmt.Errorf("%w: torn write", kverr.ErrCorrupt)
	// ErrClosed is returned by every operation after Close.
	ErrClosed = kverr.ErrClosed
)

type header struct {
	typ       RecordType
	codec     Compression
	keySize   uint32
	valueSize uint32
	seq       uint64
	crc       uint32
}

func (h header) payloadSize() int { return int(h.keySize) + int(h.valueSize) }

func putHeader(b []byte, h header) {
	binary.LittleEndian.PutUint32(b[0:], uint32(h.typ)|uint32(h.codec)<<codecShift)
	binary.LittleEndian.PutUint32(b[4:], h.keySize)
	binary.LittleEndian.PutUint32(b[8:], h.valueSize)
	binary.LittleEndian.PutUint64(b[12:], h.seq)
	binary.LittleEndian.PutUint32(b[20:], h.crc)
}

func parseHeader(b []byte, maxRecord int) (header, error) {
	word := binary.LittleEndian.Uint32(b[0:])
	h := header{
		typ:       RecordType(word & typeMask),
		codec:     Compression((word & codecMask) >> codecShift),
		keySize:   binary.LittleEndian.Uint32(b[4:]),
		valueSize: binary.LittleEndian.Uint32(b[8:]),
		seq:       binary.LittleEndian.Uint64(b[12:]),
		crc:       binary.LittleEndian.Uint32(b[20:]),
	}

	switch {
	case word&^(typeMask|codecMask) != 0:
		return h, fmt.Errorf("%w: reserved bits set in type word %#x", ErrCorrupt, word)
	case !h.typ.valid():
		return h, fmt.Errorf("%w: unknown record type %d", ErrCorrupt, h.typ)
	case !h.codec.valid():
		return h, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, h.codec)
	case h.keySize == 0 && h.typ != RecordCheckpoint:
		return h, fmt.Errorf("%w: %s record without key", ErrCorrupt, h.typ)
	case int64(h.keySize)+int64(h.valueSize) > int64(maxRecord):
		return h, fmt.Errorf("%w: record of %d bytes exceeds limit %d", ErrCorrupt, int64(h.keySize)+int64(h.valueSize), maxRecord)
	case h.seq == 0:
		return h, fmt.Errorf("%w: zero sequence", ErrCorrupt)
	}
	return h, nil
}

// appendFrame appends the frame for rec to dst. stored is the value as written
// to disk, i.e. after compression with codec.
func appendFrame(dst []byte, rec Record, stored []byte, codec Compression, checksum bool) []byte {
	h := header{
		typ:       rec.Type,
		codec:     codec,
		keySize:   uint32(len(rec.Key)),
		valueSize: uint32(len(stored)),
		seq:       rec.Seq,
	}
	if checksum {
		h.crc = hash.CRC32C(rec.Key, stored)
	}

	off := len(dst)
	dst = slices.Grow(dst, HeaderSize+len(rec.Key)+len(stored))
	dst = dst[:off+HeaderSize]
	putHeader(dst[off:], h)
	dst = append(dst, rec.Key...)
	return append(dst, stored...)
}

// decodePayload checks and decodes the payload that follows h.
// The returned record does not alias payload.
func decodePayload(h header, payload []byte, verify bool, maxRecord int) (Record, error) {
	key := payload[:h.keySize]
	stored := payload[h.keySize:]

	if verify && h.crc != 0 {
		if got := hash.CRC32C(key, stored); got != h.crc {
			return Record{}, fmt.Errorf("%w: seq %d crc %#08x, want %#08x", ErrChecksum, h.seq, got, h.crc)
		}
	}

	rec := Record{Type: h.typ, Seq: h.seq, Key: slices.Clone(key)}
	if h.codec == CompressionNone {
		rec.Value = slices.Clone(stored)
		if rec.Value == nil {
			rec.Value = []byte{}
		}
		return rec, nil
	}

	value, err := decompressValue(h.codec, stored, maxRecord)
	if err != nil {
		return Record{}, fmt.Errorf("seq %d: %w", h.seq, err)
	}
	rec.Value = value
	return rec, nil
}

// EncodeRecord returns the uncompressed, checksummed frame for rec.
// rec.Seq must be set.
func EncodeRecord(rec Record) []byte {
	return appendFrame(nil, rec, rec.Value, CompressionNone, true)
}

// DecodeRecord decodes the first frame in b and returns it with the number
// of bytes consumed. A frame cut short yields ErrTornWrite.
func DecodeRecord(b []byte) (Record, int, error) {
	if len(b) < HeaderSize {
		return Record{}, 0, fmt.Errorf("%w: %w", ErrTornWrite, io.ErrUnexpectedEOF)
	}
	h, err := parseHeader(b, maxRecordLimit)
	if err != nil {
		return Record{}, 0, err
	}
	n := HeaderSize + h.payloadSize()
	if len(b) < n {
		return Record{}, 0, fmt.Errorf("%w: %w", ErrTornWrite, io.ErrUnexpectedEOF)
	}
	rec, err := decodePayload(h, b[HeaderSize:n], true, maxRecordLimit)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, n, nil
}

// CheckpointSeq returns the sequence a checkpoint record covers.
func CheckpointSeq(rec Record) (uint64, bool) {
	if rec.Type != RecordCheckpoint || len(rec.Value) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(rec.Value), true
}

func checkpointValue(upTo uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, upTo)
}
