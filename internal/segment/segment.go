// Package segment implements spec component E: the key search & insertion
// protocol that coordinates the slot array (A), the segment lock (B/D via
// internal/rwu), and tier/entry storage (C via internal/tier) into
// get/put/putIfAbsent/remove operations under the correct lock level, with
// tier-chain traversal and promotion on overflow.
//
// Grounded on spec.md §4.5 directly for the protocol itself; the overall
// "owns its own index, lock, and storage" shape is grounded on the
// teacher's shard[K,V] (pkg/shard.go, pkg/cache.go) and on
// johnjansen-torua's shard (internal/shard/shard.go) for the doc-comment
// register on exported protocol methods.
//
// © 2025 sharedmap authors. MIT License.
package segment

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"

	"github.com/Voskan/sharedmap/internal/replicate"
	"github.com/Voskan/sharedmap/internal/rwu"
	"github.com/Voskan/sharedmap/internal/tier"
)

// ErrHashLookupOverflow is raised when a probe sequence wraps all the way
// around a tier without encountering either a match or an empty slot — an
// invariant violation (see tier.Config's doc comment on why this is never
// expected in normal operation) rather than a recoverable condition.
var ErrHashLookupOverflow = errors.New("segment: hash lookup overflow (invariant violation)")

// Segment is spec component E plus the shared state components B/C/D bind
// together: one shard of the overall map's key space, identified by the
// caller (pkg/sharedmap computes which segment a key belongs to and never
// this package).
type Segment struct {
	header *rwu.Header
	pool   *tier.Pool

	liveCount atomic.Int64
	version   atomic.Uint64 // reserved diagnostic counter, spec.md §4.2
}

// New constructs a Segment with a single resident tier drawn from
// allocator.
func New(allocator tier.Allocator) (*Segment, error) {
	tier0, err := allocator.AcquireTier()
	if err != nil {
		return nil, err
	}
	return &Segment{
		header: rwu.NewHeader(),
		pool:   tier.NewPool(tier0, allocator),
	}, nil
}

// NewContext returns a fresh per-caller lock context against this
// segment's header, with its SettleHook wired to close every tier's
// delayed checksum on downgrade (spec.md §4.3's closeDelayedUpdateChecksum
// step; each Tier.CloseDelayedChecksum is already a no-op when that tier
// saw no mutation, so this is cheap for the common single-tier case).
func (s *Segment) NewContext() *rwu.Context {
	c := rwu.NewContext(s.header)
	c.SettleHook = s.closeDelayedChecksums
	return c
}

func (s *Segment) closeDelayedChecksums() {
	for i := 0; i < s.pool.Len(); i++ {
		s.pool.At(i).CloseDelayedChecksum()
	}
}

// Size returns the segment's live entry count.
func (s *Segment) Size() int64 { return s.liveCount.Load() }

// TierChainDepth reports how many tiers this segment's chain currently
// holds, for Map.Snapshot's diagnostic output.
func (s *Segment) TierChainDepth() int { return s.pool.Len() }

// Version returns the segment's reserved diagnostic version counter,
// incremented on every committed mutation.
func (s *Segment) Version() uint64 { return s.version.Load() }

// found is the outcome of locateKey.
type found struct {
	ok        bool
	tierIdx   int
	pos       uint64
	entryPos  uint64
	record    tier.Record
	insertIdx int
	insertPos uint64
}

// locateKey implements spec.md §4.5 steps 1-4: probe each tier in chain
// order starting at its own hlPos(searchKey), comparing full keys byte-wise
// on a packed-key match, continuing to the next tier on a this-tier miss.
// The insertion hint (insertIdx/insertPos) always refers to the empty slot
// found in the chain's last (tail) tier — see tier.Config's doc comment for
// why the tail tier is guaranteed to yield one whenever it is not
// Full(), making ErrHashLookupOverflow a true invariant violation rather
// than an expected outcome of tier chaining.
func (s *Segment) locateKey(searchKey uint64, fullKey []byte) (found, error) {
	last := s.pool.Len() - 1
	for ti := 0; ti <= last; ti++ {
		t := s.pool.At(ti)
		arr := t.Slots()
		start := arr.HlPos(searchKey)
		pos := start
		for {
			slot := arr.ReadVolatile(pos)
			if arr.Empty(slot) {
				if ti == last {
					return found{insertIdx: ti, insertPos: pos}, nil
				}
				break // this tier missed; continue to the next tier
			}
			if arr.Key(slot) == searchKey {
				entryPos := arr.Value(slot)
				rec, err := t.ReadEntry(entryPos)
				if err != nil {
					return found{}, err
				}
				if bytes.Equal(rec.Key, fullKey) {
					return found{ok: true, tierIdx: ti, pos: pos, entryPos: entryPos, record: rec}, nil
				}
			}
			pos = arr.Step(pos)
			if pos == start {
				return found{}, ErrHashLookupOverflow
			}
		}
	}
	// Unreachable: the ti == last branch above always returns before the
	// outer loop would exit normally.
	return found{}, ErrHashLookupOverflow
}

// Get performs a read-path lookup. ctx must already hold at least the read
// level (see rwu.Context.LockRead). Returns ok=false for a miss or for a
// tombstoned (soft-deleted, replication-pending) entry.
func (s *Segment) Get(ctx *rwu.Context, searchKey uint64, fullKey []byte) (value []byte, ok bool, err error) {
	_ = ctx // lock level is the caller's responsibility; Segment never locks on its own behalf.
	res, err := s.locateKey(searchKey, fullKey)
	if err != nil {
		return nil, false, err
	}
	if !res.ok || res.record.Tombstone {
		return nil, false, nil
	}
	// Copy out of the arena: the caller may not still hold the lock once
	// this value escapes.
	out := make([]byte, len(res.record.Value))
	copy(out, res.record.Value)
	return out, true, nil
}

// ContainsKey is Get without copying the value out.
func (s *Segment) ContainsKey(searchKey uint64, fullKey []byte) (bool, error) {
	res, err := s.locateKey(searchKey, fullKey)
	if err != nil {
		return false, err
	}
	return res.ok && !res.record.Tombstone, nil
}

// PutMode selects the overwrite policy for Put.
type PutMode int

const (
	// PutAlways inserts or overwrites unconditionally.
	PutAlways PutMode = iota
	// PutIfAbsent inserts only if the key is not already present (or is
	// present only as a tombstone), and reports ok=false otherwise.
	PutIfAbsent
	// ReplaceOnly overwrites only if the key is already present (and not
	// tombstoned), and reports ok=false otherwise.
	ReplaceOnly
)

// Put performs a write-path insert/overwrite. ctx must already hold the
// write level. origin carries the replication identity to stamp on the
// entry; pass a zero Origin when replication is disabled for this map.
func (s *Segment) Put(ctx *rwu.Context, searchKey uint64, fullKey, value []byte, origin replicate.Origin, mode PutMode) (ok bool, err error) {
	res, err := s.locateKey(searchKey, fullKey)
	if err != nil {
		return false, err
	}

	rec := tier.Record{
		OriginTimestamp:  origin.Timestamp,
		OriginIdentifier: origin.NodeID,
		Key:              fullKey,
		Value:            value,
	}

	if res.ok && !res.record.Tombstone {
		if mode == PutIfAbsent {
			return false, nil
		}
		return true, s.overwrite(res, rec)
	}
	// A tombstoned entry counts as absent for both ReplaceOnly (nothing to
	// replace) and for whether this is a fresh insert or a resurrection.
	absent := !res.ok || res.record.Tombstone
	if absent && mode == ReplaceOnly {
		return false, nil
	}
	if res.ok && res.record.Tombstone {
		// A tombstone occupies a slot+entryPos already but was excluded from
		// liveCount when it was tombstoned (see Remove); resurrecting it
		// counts as becoming live again, same as insert, but without
		// allocating a fresh slot.
		if err := s.overwrite(res, rec); err != nil {
			return false, err
		}
		s.liveCount.Add(1)
		return true, nil
	}
	return true, s.insert(searchKey, rec)
}

// overwrite re-encodes rec into the arena slot an existing live entry
// already occupies; the hash slot itself is untouched since entryPos and
// searchKey are unchanged.
func (s *Segment) overwrite(res found, rec tier.Record) error {
	t := s.pool.At(res.tierIdx)
	dst := t.ArenaSlot(res.entryPos)
	if _, err := tier.EncodeRecord(dst, rec); err != nil {
		return err
	}
	t.MarkDirty()
	s.version.Add(1)
	return nil
}

// insert allocates a fresh arena slot for rec, chaining a new tier first if
// the tail tier's entry arena has no free slots, then publishes the hash
// slot via a volatile write — the commit point past which the entry is
// visible to concurrent readers.
func (s *Segment) insert(searchKey uint64, rec tier.Record) error {
	if s.pool.Tail().Full() {
		if _, err := s.pool.NextTier(); err != nil {
			return err
		}
	}
	// Re-locate the insertion slot now that the chain may have grown: the
	// previous locateKey's insertPos could have named the now-former tail.
	res, err := s.locateKey(searchKey, rec.Key)
	if err != nil {
		return err
	}
	if res.ok {
		// Another writer raced us between the initial locate and here;
		// this cannot happen while the caller correctly holds the write
		// lock for the whole of Put, but guard anyway rather than
		// silently double-inserting.
		return s.overwrite(res, rec)
	}

	t := s.pool.At(res.insertIdx)
	entryPos, err := t.AllocEntry(rec)
	if err != nil {
		return err
	}
	t.Slots().WriteVolatile(res.insertPos, searchKey, entryPos)
	s.liveCount.Add(1)
	s.version.Add(1)
	return nil
}

// Remove deletes a live entry under the write lock. If replication is
// enabled for the owning map, the caller should pass tombstone=true so the
// entry is soft-deleted (marker bit set, payload retained) rather than
// physically reclaimed, per spec.md §3: "A deleted replicable entry is a
// tombstone ... payload retained long enough for the acceptance rule to
// see its timestamp."
func (s *Segment) Remove(ctx *rwu.Context, searchKey uint64, fullKey []byte, origin replicate.Origin, tombstone bool) (ok bool, err error) {
	res, err := s.locateKey(searchKey, fullKey)
	if err != nil {
		return false, err
	}
	if !res.ok || res.record.Tombstone {
		return false, nil
	}

	if tombstone {
		rec := res.record
		rec.Tombstone = true
		rec.OriginTimestamp = origin.Timestamp
		rec.OriginIdentifier = origin.NodeID
		rec.Value = nil
		if err := s.overwrite(res, rec); err != nil {
			return false, err
		}
		// Tombstoned entries are excluded from liveCount, matching
		// Get/ContainsKey treating them as absent; the slot+entryPos stay
		// occupied until a hard delete or a resurrecting Put reclaims them.
		s.liveCount.Add(-1)
		return true, nil
	}

	t := s.pool.At(res.tierIdx)
	t.Slots().Remove(res.pos)
	t.FreeEntry(res.entryPos)
	s.liveCount.Add(-1)
	s.version.Add(1)
	return true, nil
}

// RemoteApply applies a remote modification against the local entry
// (or local absence), consulting internal/replicate.Decide to resolve any
// conflict. Must be called under the write lock. A local miss always
// accepts the remote write (there is nothing to conflict with).
func (s *Segment) RemoteApply(ctx context.Context, searchKey uint64, fullKey, remoteValue []byte, remote replicate.Origin, currentNodeID byte, remoteTombstone bool) (applied bool, err error) {
	res, err := s.locateKey(searchKey, fullKey)
	if err != nil {
		return false, err
	}

	if !res.ok {
		if remoteTombstone {
			return false, nil // nothing local to tombstone and no value to insert
		}
		return true, s.insert(searchKey, tier.Record{
			OriginTimestamp:  remote.Timestamp,
			OriginIdentifier: remote.NodeID,
			Key:              fullKey,
			Value:            remoteValue,
		})
	}

	local := replicate.Origin{Timestamp: res.record.OriginTimestamp, NodeID: res.record.OriginIdentifier}
	if replicate.Decide(local, remote, currentNodeID) != replicate.Accept {
		return false, nil
	}

	rec := tier.Record{
		OriginTimestamp:  remote.Timestamp,
		OriginIdentifier: remote.NodeID,
		Key:              fullKey,
		Value:            remoteValue,
		Tombstone:        remoteTombstone,
	}
	if err := s.overwrite(res, rec); err != nil {
		return false, err
	}
	// liveCount only moves when the accepted write crosses the
	// tombstoned/live boundary (resurrection or remote delete); a
	// same-state overwrite (live->live or tombstone->tombstone) leaves it
	// unchanged.
	if res.record.Tombstone && !remoteTombstone {
		s.liveCount.Add(1)
	} else if !res.record.Tombstone && remoteTombstone {
		s.liveCount.Add(-1)
	}
	return true, nil
}
