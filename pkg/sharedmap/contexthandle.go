package sharedmap

// contexthandle.go implements spec.md §6's context-scoped capability:
// "Context-scoped queryContext(k) / updateContext(k) returning a handle
// that exposes readLock / updateLock / writeLock ... and direct entry
// accessors; resources released on context close on every exit path."
//
// MapContext is that handle. It is distinct from the whole-operation
// helpers Map.Get/Map.Put/etc use internally: those open a handle, lock
// it, call exactly one accessor, and close it again within a single call,
// so they can never leak. A MapContext returned by QueryContext or
// UpdateContext instead escapes to the caller, who may hold it open
// across several accessor calls — so it is registered against the owning
// Map's per-segment contextRegistry (spec.md §5's "process-wide registry
// of open contexts per segment") and force-released on Map.Close if the
// caller never calls Close itself (spec.md §9's "Context leak
// prevention").
//
// © 2025 sharedmap authors. MIT License.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/sharedmap/internal/replicate"
	"github.com/Voskan/sharedmap/internal/rwu"
	"github.com/Voskan/sharedmap/internal/segment"
)

// MapContext is a caller-held lock handle against one key's segment.
// Lock calls are re-entrant, following the same algebra as the
// internal/rwu.Context they wrap; the direct entry accessors below
// operate at whatever level the caller has already acquired rather than
// acquiring and releasing a lock of their own around a single call.
//
// Not safe for concurrent use by multiple goroutines.
type MapContext[K comparable, V any] struct {
	m         *Map[K, V]
	idx       int
	searchKey uint64
	keyBytes  []byte
	rc        *rwu.Context
	label     string
	closed    bool
}

func (m *Map[K, V]) newContextHandle(key K) (*MapContext[K, V], error) {
	idx, h, keyBytes, err := m.locate(key)
	if err != nil {
		return nil, err
	}
	return &MapContext[K, V]{
		m:         m,
		idx:       idx,
		searchKey: h,
		keyBytes:  keyBytes,
		rc:        m.segs[idx].NewContext(),
		label:     fmt.Sprintf("segment-%d", idx),
	}, nil
}

// QueryContext opens a context-scoped handle for key, for a caller that
// wants to hold a lock across several operations instead of paying for a
// fresh acquire/release around each one — spec.md §6's queryContext(k).
// The handle is registered against the owning Map and reclaimed on
// Map.Close if the caller never calls Close itself.
func (m *Map[K, V]) QueryContext(key K) (*MapContext[K, V], error) {
	c, err := m.newContextHandle(key)
	if err != nil {
		return nil, err
	}
	m.ctxRegistries[c.idx].add(c)
	return c, nil
}

// UpdateContext opens a context-scoped handle for key, for a caller
// intending update or write access — spec.md §6's updateContext(k). It is
// the same handle QueryContext returns; the two constructors exist only
// to document intent at the call site, matching the two names spec.md
// gives one capability.
func (m *Map[K, V]) UpdateContext(key K) (*MapContext[K, V], error) {
	return m.QueryContext(key)
}

// ReadLock acquires (or re-enters) the read level.
func (c *MapContext[K, V]) ReadLock(ctx context.Context) error {
	if err := c.rc.LockRead(ctx); err != nil {
		return c.m.wrapLockErr(c.idx, err)
	}
	return nil
}

// UnlockRead reverses one ReadLock call.
func (c *MapContext[K, V]) UnlockRead() error { return c.rc.UnlockRead() }

// UpdateLock acquires (or re-enters) the update level.
func (c *MapContext[K, V]) UpdateLock(ctx context.Context) error {
	if err := c.rc.LockUpdate(ctx); err != nil {
		return c.m.wrapLockErr(c.idx, err)
	}
	return nil
}

// TryUpdateLock is UpdateLock's deadline-bounded counterpart — spec.md
// §4.2's tryUpdateLock / tryUpdateLock(time). It never blocks past
// timeout and never raises a deadlock diagnostic; on expiry it returns
// (false, rwu.ErrTimeout) instead, with no shared state left behind.
func (c *MapContext[K, V]) TryUpdateLock(timeout time.Duration) (bool, error) {
	return c.rc.TryLockUpdate(timeout)
}

// UnlockUpdate reverses one UpdateLock/TryUpdateLock call.
func (c *MapContext[K, V]) UnlockUpdate() error { return c.rc.UnlockUpdate() }

// WriteLock acquires (or re-enters, or upgrades from update) the write
// level.
func (c *MapContext[K, V]) WriteLock(ctx context.Context) error {
	if err := c.rc.LockWrite(ctx); err != nil {
		return c.m.wrapLockErr(c.idx, err)
	}
	return nil
}

// UnlockWrite reverses one WriteLock call.
func (c *MapContext[K, V]) UnlockWrite() error { return c.rc.UnlockWrite() }

// Level reports the lock level the handle currently holds.
func (c *MapContext[K, V]) Level() rwu.Level { return c.rc.Level() }

// SetLabel overrides the handle's diagnostic label, which otherwise
// defaults to "segment-N". Go has no cheap, portable way to read a
// goroutine id, so spec.md's "goroutine id best-effort" diagnostic is
// instead whatever label the caller supplies here — e.g. a worker name or
// request id — before the handle might show up in a DeadlockError's
// Contexts snapshot.
func (c *MapContext[K, V]) SetLabel(label string) { c.label = label }

// Close releases whatever lock level the handle holds and unregisters it
// from the owning Map. Safe to call more than once, and safe to defer
// unconditionally on every exit path — spec.md §6's "resources released
// on context close on every exit path."
func (c *MapContext[K, V]) Close() {
	if c.closed {
		return
	}
	c.rc.Close()
	c.m.ctxRegistries[c.idx].remove(c)
	c.closed = true
}

// --- direct entry accessors: operate at whatever lock level the caller
// has already acquired above, per spec.md §6. ---

// Get retrieves the value stored for the handle's key, if present and not
// tombstoned. The caller must already hold at least the read level.
func (c *MapContext[K, V]) Get() (val V, ok bool, err error) {
	raw, ok, err := c.m.segs[c.idx].Get(c.rc, c.searchKey, c.keyBytes)
	if err != nil || !ok {
		return val, false, err
	}
	val, err = decodeValue(c.m.cfg.valueCodec, raw)
	return val, err == nil, err
}

// ContainsKey reports whether the handle's key is present and not
// tombstoned, without decoding its value.
func (c *MapContext[K, V]) ContainsKey() (bool, error) {
	return c.m.segs[c.idx].ContainsKey(c.searchKey, c.keyBytes)
}

func (c *MapContext[K, V]) putMode(value V, mode segment.PutMode) (bool, error) {
	valBytes, err := encodeValue(c.m.cfg.valueCodec, value)
	if err != nil {
		return false, err
	}
	return c.m.segs[c.idx].Put(c.rc, c.searchKey, c.keyBytes, valBytes, c.m.origin(), mode)
}

// Put inserts or overwrites the value stored for the handle's key. The
// caller must already hold the write level.
func (c *MapContext[K, V]) Put(value V) error {
	_, err := c.putMode(value, segment.PutAlways)
	return err
}

// PutIfAbsent inserts value only if the handle's key is not already
// present (or present only as a tombstone). Reports whether it inserted.
func (c *MapContext[K, V]) PutIfAbsent(value V) (inserted bool, err error) {
	return c.putMode(value, segment.PutIfAbsent)
}

// Replace overwrites value only if the handle's key is already present
// and not tombstoned. Reports whether it replaced.
func (c *MapContext[K, V]) Replace(value V) (replaced bool, err error) {
	return c.putMode(value, segment.ReplaceOnly)
}

// Remove deletes the handle's key. The caller must already hold the
// write level.
func (c *MapContext[K, V]) Remove() (removed bool, err error) {
	return c.m.segs[c.idx].Remove(c.rc, c.searchKey, c.keyBytes, c.m.origin(), c.m.cfg.replicationEnabled)
}

// RemoteApply applies a remote write or tombstone against the handle's
// key, accepting it only if internal/replicate.Decide resolves the
// conflict in the remote write's favor. The caller must already hold the
// write level.
func (c *MapContext[K, V]) RemoteApply(ctx context.Context, value V, originTimestamp int64, originNodeID byte, tombstone bool) (applied bool, err error) {
	valBytes, err := encodeValue(c.m.cfg.valueCodec, value)
	if err != nil {
		return false, err
	}
	remote := replicate.Origin{Timestamp: originTimestamp, NodeID: originNodeID}
	applied, err = c.m.segs[c.idx].RemoteApply(ctx, c.searchKey, c.keyBytes, valBytes, remote, c.m.cfg.nodeID, tombstone)
	if err != nil {
		return false, err
	}
	if !applied {
		// Slow/rare path (spec.md's ambient logging policy): a remote write
		// lost the last-write-wins tie-break and was discarded.
		c.m.cfg.logger.Info("sharedmap: replication write discarded",
			zap.Int("segment", c.idx),
			zap.Int64("remote_origin_timestamp", originTimestamp),
			zap.Uint8("remote_origin_node", originNodeID),
			zap.Bool("remote_tombstone", tombstone),
		)
	}
	return applied, nil
}

// ContextSnapshot is one live MapContext's diagnostic state — segment
// index, held lock level, and a caller-supplied label — the "diagnostic
// snapshot of all outstanding contexts held by the current process"
// spec.md §4.2/§6 asks a deadlock report to carry.
type ContextSnapshot struct {
	SegmentIndex int
	Level        rwu.Level
	Label        string
}

// DeadlockError wraps an *rwu.DeadlockError with the process-wide
// diagnostic described above: every MapContext handle still open
// anywhere in this segment at the moment the deadlock was detected.
// errors.Is/errors.As against rwu.ErrDeadLockDetected or *rwu.DeadlockError
// still succeed through Unwrap.
type DeadlockError struct {
	Segment  int
	Snapshot rwu.HeaderSnapshot
	Contexts []ContextSnapshot
	cause    *rwu.DeadlockError
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("sharedmap: segment %d: %s (%d outstanding context handle(s))",
		e.Segment, e.cause.Error(), len(e.Contexts))
}

func (e *DeadlockError) Unwrap() error { return e.cause }

func rwuIsDeadlock(err error) (*rwu.DeadlockError, bool) {
	var de *rwu.DeadlockError
	ok := errors.As(err, &de)
	return de, ok
}

// wrapLockErr enriches a lock-acquisition error with the per-segment
// context registry's diagnostic snapshot when it is a deadlock, logs it
// (spec.md's ambient logging policy: deadlock detection is a slow/rare
// path), and bumps the deadlock metric. Non-deadlock errors (ErrTimeout,
// ErrInterrupted, ErrForbiddenUpgrade) pass through unchanged.
func (m *Map[K, V]) wrapLockErr(idx int, err error) error {
	de, ok := rwuIsDeadlock(err)
	if !ok {
		return err
	}
	m.metrics.incDeadlockDetected(idx)
	snap := m.ctxRegistries[idx].snapshot(idx)
	m.cfg.logger.Warn("sharedmap: deadlock detected",
		zap.Int("segment", idx),
		zap.Uint32("read", de.Snapshot.Read),
		zap.Uint32("update", de.Snapshot.Update),
		zap.Uint32("write", de.Snapshot.Write),
		zap.Uint32("waiters", de.Snapshot.Waiters),
		zap.Int("outstanding_contexts", len(snap)),
	)
	return &DeadlockError{Segment: idx, Snapshot: de.Snapshot, Contexts: snap, cause: de}
}

// contextRegistry is the per-segment "intrusive, mutex-protected list of
// live *MapContext values" spec.md §5/§9 describes: only caller-obtained
// QueryContext/UpdateContext handles are tracked here, not the
// short-lived handles Map.Get/Map.Put/etc open and close within a single
// call — those can never outlive their call and so can never leak.
type contextRegistry[K comparable, V any] struct {
	mu   sync.Mutex
	live map[*MapContext[K, V]]struct{}
}

func newContextRegistry[K comparable, V any]() *contextRegistry[K, V] {
	return &contextRegistry[K, V]{live: make(map[*MapContext[K, V]]struct{})}
}

func (r *contextRegistry[K, V]) add(c *MapContext[K, V]) {
	r.mu.Lock()
	r.live[c] = struct{}{}
	r.mu.Unlock()
}

func (r *contextRegistry[K, V]) remove(c *MapContext[K, V]) {
	r.mu.Lock()
	delete(r.live, c)
	r.mu.Unlock()
}

func (r *contextRegistry[K, V]) snapshot(segIdx int) []ContextSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ContextSnapshot, 0, len(r.live))
	for c := range r.live {
		out = append(out, ContextSnapshot{SegmentIndex: segIdx, Level: c.rc.Level(), Label: c.label})
	}
	return out
}

// closeAll force-releases and unregisters every still-open handle,
// nil-ing its large per-handle state — spec.md §9's "Context leak
// prevention": the owning map proactively clears large per-thread state
// at teardown rather than waiting on a caller that forgot to Close.
func (r *contextRegistry[K, V]) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.live {
		c.rc.Close()
		c.keyBytes = nil
		c.closed = true
	}
	r.live = make(map[*MapContext[K, V]]struct{})
}
