package wal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// compressValue returns the stored form of value and the codec actually used.
// Values below threshold, and values that do not shrink, are stored as is.
func compressValue(c Compression, value []byte, threshold int) ([]byte, Compression) {
	if c == CompressionNone || len(value) == 0 || len(value) < threshold {
		return value, CompressionNone
	}

	var out []byte
	switch c {
	case CompressionZstd:
		enc := getZstdEncoder()
		out = enc.EncodeAll(value, make([]byte, 0, len(value)))
		zstdEncoderPool.Put(enc)
	case CompressionS2:
		out = s2.Encode(nil, value)
	case CompressionLZ4:
		// lz4 blocks do not carry their decoded length.
		buf := make([]byte, 4+lz4.CompressBlockBound(len(value)))
		binary.LittleEndian.PutUint32(buf, uint32(len(value)))
		n, err := lz4.CompressBlock(value, buf[4:], nil)
		if err != nil || n == 0 {
			return value, CompressionNone
		}
		out = buf[:4+n]
	default:
		return value, CompressionNone
	}

	if len(out) >= len(value) {
		return value, CompressionNone
	}
	return out, c
}

func decompressValue(c Compression, stored []byte, maxSize int) ([]byte, error) {
	switch c {
	case CompressionZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrCorrupt, err)
		}
		if len(out) > maxSize {
			return nil, fmt.Errorf("%w: zstd value of %d bytes exceeds limit", ErrCorrupt, len(out))
		}
		return out, nil

	case CompressionS2:
		n, err := s2.DecodedLen(stored)
		if err != nil {
			return nil, fmt.Errorf("%w: s2: %w", ErrCorrupt, err)
		}
		if n > maxSize {
			return nil, fmt.Errorf("%w: s2 value of %d bytes exceeds limit", ErrCorrupt, n)
		}
		out, err := s2.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("%w: s2: %w", ErrCorrupt, err)
		}
		return out, nil

	case CompressionLZ4:
		if len(stored) < 4 {
			return nil, fmt.Errorf("%w: lz4 block too small", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(stored))
		if n > maxSize {
			return nil, fmt.Errorf("%w: lz4 value of %d bytes exceeds limit", ErrCorrupt, n)
		}
		out := make([]byte, n)
		m, err := lz4.UncompressBlock(stored[4:], out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrCorrupt, err)
		}
		if m != n {
			return nil, fmt.Errorf("%w: lz4 decoded %d bytes, want %d", ErrCorrupt, m, n)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, c)
	}
}
