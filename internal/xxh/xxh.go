// Package xxh provides the xxHash wrappers the placement layer hashes
// record ids and ring keys with.
package xxh

import "github.com/cespare/xxhash/v2"

// Sum64 hashes b with 64-bit xxHash.
func Sum64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Sum64String hashes s with 64-bit xxHash without allocating a copy.
func Sum64String(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Sum32 hashes b to a 32-bit value. There is no 32-bit xxHash variant in
// the vendored library; the low 32 bits of the 64-bit digest are used
// instead, which is uniform enough for modulo routing on the
// bypass-placement fast path.
func Sum32(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}
