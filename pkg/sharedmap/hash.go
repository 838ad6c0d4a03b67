package sharedmap

// hash.go derives a key's (segmentIndex, searchKey) pair. Grounded directly
// on the teacher's shard.hash in pkg/cache.go: a process-local
// hash/maphash seed, a type switch over the any-converted key to avoid
// reflection for the common string/[]byte cases, falling back to hashing
// the key's raw in-memory bytes for scalar types.
//
// © 2025 sharedmap authors. MIT License.

import (
	"hash/maphash"
	"unsafe"
)

// keyHasher owns one process-local maphash seed, shared by every segment of
// one Map so a given key always hashes to the same segment and the same
// searchKey across calls.
type keyHasher[K comparable] struct {
	seed maphash.Seed
}

func newKeyHasher[K comparable]() keyHasher[K] {
	return keyHasher[K]{seed: maphash.MakeSeed()}
}

// hash64 returns a 64-bit hash of key. The low bits select a segment; the
// low 64-EntryPosBits bits (Map.locate) are used as slotarray's searchKey,
// where hash collisions within one tier are resolved by the stored entry's
// full key bytes, not by this hash alone.
func (h keyHasher[K]) hash64(key K) uint64 {
	var mh maphash.Hash
	mh.SetSeed(h.seed)
	switch k := any(key).(type) {
	case string:
		mh.WriteString(k)
	case []byte:
		mh.Write(k)
	default:
		ptr := unsafe.Pointer(&key)
		size := unsafe.Sizeof(key)
		mh.Write(unsafe.Slice((*byte)(ptr), size))
	}
	return mh.Sum64()
}

// segmentIndex picks the segment a hash belongs to. segments is always a
// power of two (enforced by applyOptions), so a mask is exact.
func segmentIndex(h uint64, segments int) int {
	return int(h & uint64(segments-1))
}
