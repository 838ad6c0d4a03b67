// Package tier implements spec component C: a tier's hash slot array
// paired with its entry arena, free-list bitmap, and delayed checksum, plus
// the per-segment tier-chain bookkeeping (Pool) and pluggable Allocator a
// segment draws fresh tiers from on overflow.
//
// Grounded on the teacher's internal/genring.Ring: a ring of
// allocator-sourced, ID-tagged, byte-accounted units advanced entirely
// under the caller's own lock, with no locking of its own. Unlike genring's
// generations, tiers here are never rotated out or freed while the map is
// open (spec.md §4.3: "No tier is ever removed during the map's
// lifetime") — Pool only ever grows a chain, it never recycles.
//
// © 2025 sharedmap authors. MIT License.
package tier

import (
	"hash/crc32"

	"github.com/Voskan/sharedmap/internal/region"
	"github.com/Voskan/sharedmap/internal/slotarray"
)

// Config describes the fixed geometry of every tier drawn from one
// Allocator: the hash slot array size S, the entry-arena capacity, bits of
// a slot reserved for entryPos, and the fixed byte size of one entry-arena
// slot.
//
// Slots must exceed EntryCapacity. This is what keeps
// internal/segment.ErrHashLookupOverflow a true invariant-violation signal
// rather than a routine occurrence: a tier's entry arena can run out of
// free bytes (EntryCapacity reached) while its hash slot array — sized
// strictly larger — still always has empty slots interspersed among the
// live ones, so a probe sequence can never wrap all the way around a tier
// without encountering either a match or an empty slot. DefaultConfig
// picks a 2x ratio, a conventional max load factor for linear-probed open
// addressing.
type Config struct {
	Slots         int
	EntryCapacity int
	EntryPosBits  uint
	EntrySlotSize int
}

// DefaultConfig derives a Config for the given entry capacity and
// fixed entry-slot size: EntryPosBits is the smallest width w with
// 2^w > entryCapacity (so the all-ones entryPos is never a valid
// position), and Slots is the next power of two at or above 2x
// entryCapacity.
func DefaultConfig(entryCapacity, entrySlotSize int) Config {
	posBits := uint(1)
	for (1 << posBits) <= entryCapacity {
		posBits++
	}
	slots := 1
	for slots < entryCapacity*2 {
		slots <<= 1
	}
	return Config{
		Slots:         slots,
		EntryCapacity: entryCapacity,
		EntryPosBits:  posBits,
		EntrySlotSize: entrySlotSize,
	}
}

func (c Config) entryArenaBytes() int { return c.EntryCapacity * c.EntrySlotSize }

// Tier bundles one tier's slot array, entry arena, free-list bitmap, and
// delayed checksum. Its methods assume the caller already holds the owning
// segment's lock at the appropriate level — a Tier has no locking of its
// own, by design, matching genring's "parent shard already serializes
// access" contract.
type Tier struct {
	cfg    Config
	slots  *slotarray.Array
	arena  *region.Region
	free   *freeBitmap
	dirty  bool
	cksum  uint32
	nextID int // index into Pool.tiers of the next tier in this segment's chain, or -1
}

// newTier constructs a fresh, empty tier of the given configuration.
func newTier(cfg Config) *Tier {
	slotRegion := region.New(slotarray.ByteSize(cfg.Slots))
	return &Tier{
		cfg:    cfg,
		slots:  slotarray.New(slotRegion, 0, cfg.Slots, cfg.EntryPosBits),
		arena:  region.New(cfg.entryArenaBytes()),
		free:   newFreeBitmap(cfg.EntryCapacity),
		nextID: -1,
	}
}

// Slots returns the tier's hash slot array (spec component A).
func (t *Tier) Slots() *slotarray.Array { return t.slots }

// Capacity returns the tier's entry-arena capacity in slots.
func (t *Tier) Capacity() int { return t.free.capacity() }

// LiveCount returns the number of currently allocated entry-arena slots.
// Spec.md §4 invariant: live count + free count = arena capacity per tier.
func (t *Tier) LiveCount() int { return t.free.liveCount() }

// Full reports whether the tier's entry arena has no free slots left.
func (t *Tier) Full() bool { return t.LiveCount() == t.Capacity() }

// AllocEntry finds a free arena slot, encodes rec into it, and returns the
// slot's entryPos. The caller still owns publishing entryPos into the hash
// slot array via Slots().WriteVolatile — allocation and publication are
// deliberately two steps so the caller can remember the hash-slot position
// found during lookup before doing either.
func (t *Tier) AllocEntry(rec Record) (entryPos uint64, err error) {
	pos, ok := t.free.alloc()
	if !ok {
		return 0, ErrTierFull
	}
	dst := t.arena.Slice(pos*t.cfg.EntrySlotSize, t.cfg.EntrySlotSize)
	if _, err := EncodeRecord(dst, rec); err != nil {
		t.free.free(pos)
		return 0, err
	}
	t.dirty = true
	return uint64(pos), nil
}

// ArenaSlot returns the fixed-size backing byte range for entryPos, for
// callers (segment.overwrite) that re-encode a record in place without
// reallocating — a resurrection or an ordinary overwrite both reuse the
// same entryPos the hash slot already names.
func (t *Tier) ArenaSlot(entryPos uint64) []byte {
	pos := int(entryPos)
	return t.arena.Slice(pos*t.cfg.EntrySlotSize, t.cfg.EntrySlotSize)
}

// ReadEntry decodes the record stored at entryPos. The returned Record's
// Key/Value slices alias the tier's arena and are only valid while the
// caller holds at least a read lock on the owning segment.
func (t *Tier) ReadEntry(entryPos uint64) (Record, error) {
	pos := int(entryPos)
	src := t.arena.Slice(pos*t.cfg.EntrySlotSize, t.cfg.EntrySlotSize)
	return DecodeRecord(src)
}

// FreeEntry clears the free-bitmap bit for entryPos. Must be called after
// the corresponding hash slot has been removed via Slots().Remove.
func (t *Tier) FreeEntry(entryPos uint64) {
	t.free.free(int(entryPos))
	t.dirty = true
}

// MarkDirty records that a mutation happened since the last checksum close,
// for callers (segment) that mutate arena bytes directly (e.g. tombstoning
// in place) without going through AllocEntry/FreeEntry.
func (t *Tier) MarkDirty() { t.dirty = true }

// Checksum returns the tier's last-closed checksum value.
func (t *Tier) Checksum() uint32 { return t.cksum }

// CloseDelayedChecksum finalizes a pending checksum update, folding any
// mutations since the last close into one CRC32 recomputation over the
// tier's full byte content (slot array + entry arena). A no-op if nothing
// changed. Spec.md §4.3: "On any unlock transition out of write or update,
// a closeDelayedUpdateChecksum step is invoked; if no mutation happened, it
// is a no-op." Intended to be wired as an rwu.Context.SettleHook.
func (t *Tier) CloseDelayedChecksum() {
	if !t.dirty {
		return
	}
	h := crc32.NewIEEE()
	h.Write(t.slots.RawBytes())
	h.Write(t.arena.Slice(0, t.arena.Len()))
	t.cksum = h.Sum32()
	t.dirty = false
}

// LinkNext records the index (within the owning Pool) of the next tier in
// this tier's chain. Update-lock-only per spec.md §4.5: "the tier chain
// head is update-lock-only for append."
func (t *Tier) LinkNext(idx int) { t.nextID = idx }

// NextIndex returns the index of the next tier in the chain, or -1 if this
// is the chain's current tail.
func (t *Tier) NextIndex() int { return t.nextID }
