package hash

import "github.com/cespare/xxhash/v2"

// Key returns the 64-bit xxhash of key.
func Key(key []byte) uint64 {
	return xxhash.Sum64(key)
}
