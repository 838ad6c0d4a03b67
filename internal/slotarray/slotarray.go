// Package slotarray implements the compact open-addressed hash slot array
// (spec component A): a fixed-width (searchKey, entryPos) slot array on
// contiguous off-heap memory, with volatile slot read/write, linear
// probing, and back-shift removal.
//
// Every slot is one 64-bit machine word: the high bits hold searchKey, the
// low bits hold entryPos. The all-bits-one word is the UNSET sentinel. The
// array size S is always a power of two so hlPos is a mask, not a modulo.
//
// Ordering
// --------
// readVolatile is an acquire-semantics read; writeVolatile is a
// release-semantics write. The publish edge spec.md §4.1 requires —
// "writer holds update-lock, writer releases slot via volatile write,
// reader acquires slot via volatile read, reader may safely read the
// entry arena bytes without the update lock" — holds because
// region.Region.StoreWord/LoadWord use sync/atomic under the hood. read
// (non-volatile) is for the owner thread's own self-check after its own
// last mutation only; it is not safe to call from any other goroutine.
//
// © 2025 sharedmap authors. MIT License.
package slotarray

import (
	"fmt"

	"github.com/Voskan/sharedmap/internal/region"
)

// Slot is one packed (searchKey, entryPos) hash slot.
type Slot uint64

// Empty is the UNSET_KEY sentinel: the all-bits-one pattern.
const Empty Slot = ^Slot(0)

// Array is a fixed-size, power-of-two slot array over a region.Region.
type Array struct {
	r       *region.Region
	base    int    // byte offset of slot 0 within r
	slots   uint64 // S, a power of two
	mask    uint64 // slots-1
	posBits uint   // bits of a slot reserved for entryPos
	posMask uint64 // (1<<posBits)-1
}

// ByteSize returns the number of bytes an Array of the given slot count
// occupies.
func ByteSize(slots int) int { return slots * 8 }

// New constructs an Array of the given slot count (must be a power of two)
// backed by r starting at byte offset base. posBits is the number of low
// bits of each slot reserved for entryPos; the remaining high bits hold
// searchKey.
func New(r *region.Region, base, slots int, posBits uint) *Array {
	if slots <= 0 || slots&(slots-1) != 0 {
		panic(fmt.Sprintf("slotarray: slots %d must be a positive power of two", slots))
	}
	if posBits == 0 || posBits >= 64 {
		panic(fmt.Sprintf("slotarray: posBits %d out of range", posBits))
	}
	a := &Array{
		r:       r,
		base:    base,
		slots:   uint64(slots),
		mask:    uint64(slots - 1),
		posBits: posBits,
		posMask: (uint64(1) << posBits) - 1,
	}
	// Fresh memory is zeroed by region.New, but a zero word decodes as a
	// *live* slot with searchKey==0, entryPos==0 — not empty. Every slot
	// must be explicitly initialised to Empty.
	for i := uint64(0); i < a.slots; i++ {
		a.r.StoreWord(a.offset(i), uint64(Empty))
	}
	return a
}

func (a *Array) offset(pos uint64) int { return a.base + int(pos)*8 }

// Len returns the slot count S.
func (a *Array) Len() uint64 { return a.slots }

// RawBytes returns a zero-copy view of the array's full backing byte range,
// for callers (tier checksum) that need to hash the whole slot array rather
// than go slot-by-slot. Respects the same external-locking contract as
// every other raw-memory accessor in this package.
func (a *Array) RawBytes() []byte {
	return a.r.Slice(a.base, int(a.slots)*8)
}

// HlPos returns the starting probe position for searchKey: its lower
// log2(S) bits.
func (a *Array) HlPos(searchKey uint64) uint64 { return searchKey & a.mask }

// Step advances a probe position by one slot, wrapping modulo S.
func (a *Array) Step(pos uint64) uint64 { return (pos + 1) & a.mask }

// StepBack retreats a probe position by one slot, wrapping modulo S.
func (a *Array) StepBack(pos uint64) uint64 { return (pos - 1) & a.mask }

// Empty reports whether a slot is the UNSET sentinel.
func (a *Array) Empty(s Slot) bool { return s == Empty }

// Key extracts the packed searchKey from a slot.
func (a *Array) Key(s Slot) uint64 { return uint64(s) >> a.posBits }

// Value extracts the packed entryPos from a slot.
func (a *Array) Value(s Slot) uint64 { return uint64(s) & a.posMask }

// pack combines a searchKey/entryPos pair into a slot word.
func (a *Array) pack(searchKey, entryPos uint64) Slot {
	return Slot((searchKey << a.posBits) | (entryPos & a.posMask))
}

// ReadVolatile performs an acquire-semantics read of the slot at pos.
func (a *Array) ReadVolatile(pos uint64) Slot {
	return Slot(a.r.LoadWord(a.offset(pos)))
}

// Read is the contract's plain read of the slot at pos, for the owner
// thread that performed the most recent mutation to this slot — see package
// doc. It uses the same atomic load as ReadVolatile.
func (a *Array) Read(pos uint64) Slot {
	return Slot(a.r.LoadWord(a.offset(pos)))
}

// WriteVolatile performs a release-semantics publish of (searchKey,
// entryPos) at pos. All entry-arena bytes the caller wants readers to see
// must be written before this call.
func (a *Array) WriteVolatile(pos, searchKey, entryPos uint64) {
	a.r.StoreWord(a.offset(pos), uint64(a.pack(searchKey, entryPos)))
}

// clear publishes the Empty sentinel at pos.
func (a *Array) clear(pos uint64) {
	a.r.StoreWord(a.offset(pos), uint64(Empty))
}

// Remove performs back-shift deletion starting at pos (which must
// currently hold a live slot the caller wants removed) and returns the
// position now holding Empty, which is also the position a resuming probe
// should continue from. Must be called under the segment's write lock.
//
// Algorithm: walk forward from pos. For each live slot encountered whose
// own ideal position (HlPos of its searchKey) lies, cyclically, at or
// before the gap being closed and strictly after the slot being examined
// (i.e. the slot would be unreachable by a forward probe from its ideal
// position once the gap is closed), shift it back into the gap and
// advance the gap to the slot's old position. Stop at the first empty
// slot encountered.
func (a *Array) Remove(pos uint64) uint64 {
	i := pos
	j := pos
	for {
		j = a.Step(j)
		s := a.ReadVolatile(j)
		if a.Empty(s) {
			break
		}
		k := a.HlPos(a.Key(s))
		if (j > i && (k <= i || k > j)) || (j < i && (k <= i && k > j)) {
			a.r.StoreWord(a.offset(i), uint64(s))
			i = j
		}
	}
	a.clear(i)
	return i
}
