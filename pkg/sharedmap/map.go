// Package sharedmap implements a segmented hash table: a key→value map
// built from a segmented index over raw byte regions, a three-level
// read/update/write lock per segment, tier-chained entry storage, and an
// optional last-write-wins multi-master replication acceptance rule.
//
// All storage lives in process memory (tier.SlabAllocator) and the segment
// locks are in-process mutexes: the map is not persisted to a file and is
// not shared between processes.
//
// Grounded on the teacher's pkg/cache.go Cache[K,V] shape — New(opts...),
// a slice of independent shards each owning its own lock and index,
// Put/GetOrLoad/Len/Close as the top-level surface — generalized from an
// in-process CLOCK-Pro cache to this spec's segmented/replicated map.
//
// © 2025 sharedmap authors. MIT License.
package sharedmap

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Voskan/sharedmap/internal/codec"
	"github.com/Voskan/sharedmap/internal/replicate"
	"github.com/Voskan/sharedmap/internal/segment"
	"github.com/Voskan/sharedmap/internal/tier"
)

// Map is a segmented key→value map, safe for concurrent use by the
// goroutines of one process, with optional replication.
type Map[K comparable, V any] struct {
	cfg     *mapConfig[K, V]
	hasher  keyHasher[K]
	segs    []*segment.Segment
	metrics metricsSink
	loaders *loaderGroup[K, V]

	// ctxRegistries holds one contextRegistry per segment, tracking live
	// QueryContext/UpdateContext handles for deadlock diagnostics and
	// Close-time leak prevention (spec.md §5, §9).
	ctxRegistries []*contextRegistry[K, V]
}

// New constructs a Map. opts configures segment count, tier geometry,
// codecs, logging, metrics, clock source, and replication identity.
func New[K comparable, V any](opts ...Option[K, V]) (*Map[K, V], error) {
	cfg := defaultConfig[K, V]()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	tierCfg := tier.DefaultConfig(cfg.entryCapacity, cfg.entrySlotSize)
	segs := make([]*segment.Segment, cfg.segments)
	ctxRegistries := make([]*contextRegistry[K, V], cfg.segments)
	for i := range segs {
		alloc := tier.NewSlabAllocator(tierCfg, 0)
		s, err := segment.New(alloc)
		if err != nil {
			return nil, fmt.Errorf("sharedmap: constructing segment %d: %w", i, err)
		}
		segs[i] = s
		ctxRegistries[i] = newContextRegistry[K, V]()
	}

	return &Map[K, V]{
		cfg:           cfg,
		hasher:        newKeyHasher[K](),
		segs:          segs,
		metrics:       newMetricsSink(cfg.segments, cfg.registry),
		loaders:       newLoaderGroup[K, V](),
		ctxRegistries: ctxRegistries,
	}, nil
}

func (m *Map[K, V]) locate(key K) (idx int, searchKey uint64, keyBytes []byte, err error) {
	h := m.hasher.hash64(key)
	idx = segmentIndex(h, len(m.segs))
	// A slot keeps only the low 64-EntryPosBits bits of searchKey, so the
	// hash is cut to that width before it is stored or compared.
	posBits := tier.DefaultConfig(m.cfg.entryCapacity, m.cfg.entrySlotSize).EntryPosBits
	searchKey = h & (^uint64(0) >> posBits)
	keyBytes, err = encodeKey(m.cfg.keyCodec, key)
	return idx, searchKey, keyBytes, err
}

func encodeKey[K comparable](kc codec.KeyCodec[K], key K) ([]byte, error) {
	var buf bytes.Buffer
	if err := kc.Write(&buf, key); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue[V any](vc codec.ValueCodec[V], val V) ([]byte, error) {
	var buf bytes.Buffer
	if err := vc.Write(&buf, val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValue[V any](vc codec.ValueCodec[V], raw []byte) (V, error) {
	return vc.Read(bytes.NewReader(raw))
}

func (m *Map[K, V]) origin() replicate.Origin {
	return replicate.Origin{Timestamp: m.cfg.clock.Now(), NodeID: m.cfg.nodeID}
}

// Get retrieves the value stored for key, if present and not tombstoned.
func (m *Map[K, V]) Get(ctx context.Context, key K) (val V, ok bool, err error) {
	c, err := m.newContextHandle(key)
	if err != nil {
		return val, false, err
	}
	defer c.Close()
	if err := c.ReadLock(ctx); err != nil {
		return val, false, err
	}

	val, ok, err = c.Get()
	if err != nil {
		return val, false, err
	}
	if !ok {
		m.metrics.incMiss(c.idx)
		return val, false, nil
	}
	m.metrics.incHit(c.idx)
	return val, true, nil
}

// ContainsKey reports whether key is present and not tombstoned, without
// decoding its value.
func (m *Map[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	c, err := m.newContextHandle(key)
	if err != nil {
		return false, err
	}
	defer c.Close()
	if err := c.ReadLock(ctx); err != nil {
		return false, err
	}
	return c.ContainsKey()
}

// Put inserts or overwrites the value stored for key.
func (m *Map[K, V]) Put(ctx context.Context, key K, value V) error {
	_, err := m.putReporting(ctx, key, value, segment.PutAlways)
	return err
}

// PutIfAbsent inserts value only if key is not already present (or present
// only as a tombstone). Reports whether the insert happened.
func (m *Map[K, V]) PutIfAbsent(ctx context.Context, key K, value V) (inserted bool, err error) {
	return m.putReporting(ctx, key, value, segment.PutIfAbsent)
}

// Replace overwrites value only if key is already present and not
// tombstoned. Reports whether the replace happened.
func (m *Map[K, V]) Replace(ctx context.Context, key K, value V) (replaced bool, err error) {
	return m.putReporting(ctx, key, value, segment.ReplaceOnly)
}

func (m *Map[K, V]) putReporting(ctx context.Context, key K, value V, mode segment.PutMode) (ok bool, err error) {
	c, err := m.newContextHandle(key)
	if err != nil {
		return false, err
	}
	defer c.Close()
	if err := c.WriteLock(ctx); err != nil {
		return false, err
	}

	depthBefore := m.segs[c.idx].TierChainDepth()
	ok, err = c.putMode(value, mode)
	if err != nil {
		return false, err
	}
	if ok {
		m.metrics.incPut(c.idx)
		depthAfter := m.segs[c.idx].TierChainDepth()
		if depthAfter > depthBefore {
			// Slow/rare path: the tier chain just grew to hold this insert.
			m.cfg.logger.Info("sharedmap: tier chain grew",
				zap.Int("segment", c.idx),
				zap.Int("depth", depthAfter),
			)
		}
		m.metrics.setTierChainDepth(c.idx, depthAfter)
		m.metrics.setLiveEntries(c.idx, m.segs[c.idx].Size())
	}
	return ok, nil
}

// Remove deletes key. When replication is enabled the entry is soft-deleted
// (tombstoned) so its origin survives long enough for RemoteApply to
// resolve a concurrent remote write against it; otherwise it is reclaimed
// immediately.
func (m *Map[K, V]) Remove(ctx context.Context, key K) (removed bool, err error) {
	c, err := m.newContextHandle(key)
	if err != nil {
		return false, err
	}
	defer c.Close()
	if err := c.WriteLock(ctx); err != nil {
		return false, err
	}

	removed, err = c.Remove()
	if err != nil {
		return false, err
	}
	if removed {
		m.metrics.incRemove(c.idx)
		m.metrics.setLiveEntries(c.idx, m.segs[c.idx].Size())
	}
	return removed, nil
}

// RemoteApply applies a remote write or tombstone against the local entry
// for key, accepting it only if internal/replicate.Decide resolves the
// conflict in the remote write's favor. Intended for a replication
// transport (out of this module's scope — see SPEC_FULL.md) to call after
// deserializing an incoming change.
func (m *Map[K, V]) RemoteApply(ctx context.Context, key K, value V, originTimestamp int64, originNodeID byte, tombstone bool) (applied bool, err error) {
	if !m.cfg.replicationEnabled {
		return false, fmt.Errorf("sharedmap: RemoteApply called but replication is disabled for this map")
	}
	c, err := m.newContextHandle(key)
	if err != nil {
		return false, err
	}
	defer c.Close()
	if err := c.WriteLock(ctx); err != nil {
		return false, err
	}

	applied, err = c.RemoteApply(ctx, value, originTimestamp, originNodeID, tombstone)
	if err != nil {
		return false, err
	}
	if applied {
		m.metrics.incReplicationAccept(c.idx)
	} else {
		m.metrics.incReplicationDiscard(c.idx)
	}
	return applied, nil
}

// Size returns the total live entry count across every segment.
func (m *Map[K, V]) Size() int64 {
	var total int64
	for _, s := range m.segs {
		total += s.Size()
	}
	return total
}

// SegmentSnapshot is one segment's diagnostic state, returned by Snapshot.
type SegmentSnapshot struct {
	Index          int
	LiveEntries    int64
	TierChainDepth int
}

// Snapshot returns a per-segment diagnostic view, for the inspect CLI and
// operational dashboards.
func (m *Map[K, V]) Snapshot() []SegmentSnapshot {
	out := make([]SegmentSnapshot, len(m.segs))
	for i, s := range m.segs {
		out[i] = SegmentSnapshot{Index: i, LiveEntries: s.Size(), TierChainDepth: s.TierChainDepth()}
	}
	return out
}

// Close releases the Map's in-process resources. Safe to call once; not
// safe to call concurrently with in-flight operations.
//
// Any QueryContext/UpdateContext handle the caller never closed is
// force-released here and has its large per-handle state nil'd out
// (spec.md §9's "Context leak prevention"), so it becomes reclaimable by
// the garbage collector immediately rather than waiting on the caller's
// goroutine to drop its last reference.
func (m *Map[K, V]) Close() {
	for _, reg := range m.ctxRegistries {
		reg.closeAll()
	}
	m.segs = nil
	_ = m.cfg.logger.Sync() // best-effort flush on shutdown
}
