// Package hash provides the hashing helpers used by kvgo.
//
// # Record checksums
//
// WAL records are protected with CRC32-Castagnoli (CRC32C). Go's crc32
// package uses the SSE4.2 / ARM CRC instructions when they are available.
//
//	sum := hash.CRC32C(key, value)
//
// # Key hashing
//
// Lock stripes and skip list hint slots are chosen from a 64-bit xxhash of
// the key. The hash is not stable across versions and must never be persisted.
//
//	stripe := hash.Key(key) & (stripes - 1)
package hash
