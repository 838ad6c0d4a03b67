// Package rwu implements the segment-level read/update/write lock (spec
// components B and D): a shared per-segment lock state word (Header) and a
// per-caller nested-acquisition state machine on top of it (Context).
//
// The three levels, from weakest to strongest, are read < update < write.
// Any number of readers may hold the lock concurrently. At most one caller
// may hold update at a time, and update is compatible with concurrently
// held reads — it exists so a caller can inspect the map and decide
// whether a write is needed without blocking readers, then upgrade to
// write only if one turns out to be necessary. Write is fully exclusive:
// no reader, updater or other writer may be present.
//
// Header is grounded directly on dijkstracula-go-ilock's Mutex: a single
// uint64 state word mutated under a CAS loop, paired with a sync.Mutex +
// sync.Cond for blocking waiters, generalized from ilock's four states
// (S/X/IS/IX, meant for intention locks on a tree) down to this package's
// three (read/update/write), plus the single-upgrader rule ilock's model
// never needed: update is a solitary, upgradeable hold, not a nestable
// intention state.
//
// Header's own state is not a single CAS-updated word: it is four uint32
// counters guarded by Header's sync.Mutex, held in ordinary process memory,
// so the lock coordinates goroutines of one process only.
//
// © 2025 sharedmap authors. MIT License.
package rwu

import (
	"context"
	"sync"
	"time"
)

// Bounded spin+park constants, grounded on the (declared but, in the
// teacher's own copy, unused) backoff constants in ilock.go — the one
// concrete precedent for these numbers anywhere in the retrieval pack.
const (
	startingBackoff = 50 * time.Microsecond
	maxBackoff       = 500 * time.Millisecond
	backoffFactor    = 2
	spinBudget       = 32 // rounds of backoff before raising DeadlockError
)

// lockState is the Header's shared counters. read counts every registered
// reader; update and write are boolean (0 or 1) since each admits at most
// one holder for a given segment.
type lockState struct {
	read, update, write, waiters uint32
}

func (s lockState) snapshot() HeaderSnapshot {
	return HeaderSnapshot{Read: s.read, Update: s.update, Write: s.write, Waiters: s.waiters}
}

// Header is the shared per-segment lock state. One Header exists per
// segment and is shared by every Context that locks that segment.
type Header struct {
	mtx sync.Mutex
	c   *sync.Cond
	st  lockState
}

// NewHeader returns a fresh, unlocked Header.
func NewHeader() *Header {
	h := &Header{}
	h.c = sync.NewCond(&h.mtx)
	return h
}

// Snapshot returns a racy diagnostic view of the header's counters. Safe to
// call concurrently; not safe to use for correctness decisions.
func (h *Header) Snapshot() HeaderSnapshot {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.st.snapshot()
}

// acquire is the shared bounded spin+park loop every Acquire/Upgrade
// method below is built on. try is called with h.mtx held; it must mutate
// h.st and return true if the acquisition succeeded, or return false
// (leaving h.st unchanged) if the current state is incompatible.
func (h *Header) acquire(ctx context.Context, try func() bool) error {
	backoff := startingBackoff
	for attempt := 0; attempt < spinBudget; attempt++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ErrInterrupted
			default:
			}
		}

		h.mtx.Lock()
		ok := try()
		if ok {
			h.mtx.Unlock()
			return nil
		}
		h.st.waiters++
		h.mtx.Unlock()

		h.parkFor(backoff)

		h.mtx.Lock()
		h.st.waiters--
		h.mtx.Unlock()

		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return &DeadlockError{Snapshot: h.Snapshot()}
}

// tryAcquire is the deadline-bounded counterpart to acquire: spec.md §4.2's
// tryUpdateLock / tryUpdateLock(time). Instead of raising DeadlockError once
// a fixed spin budget is exhausted, it returns (false, ErrTimeout) the
// moment the deadline passes, and never blocks past it. waiters is bumped
// only while actually parked and rolled back immediately after each park,
// so a timeout never leaves stray waiter state behind (spec.md §5).
//
// timeout <= 0 performs exactly one non-blocking try and returns without
// parking at all — spec.md §8: "tryLock(0, NS) returns immediately: true if
// uncontended, false otherwise."
func (h *Header) tryAcquire(timeout time.Duration, try func() bool) (bool, error) {
	h.mtx.Lock()
	ok := try()
	h.mtx.Unlock()
	if ok {
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}

	deadline := time.Now().Add(timeout)
	backoff := startingBackoff
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, ErrTimeout
		}

		wait := backoff
		if wait > remaining {
			wait = remaining
		}

		h.mtx.Lock()
		h.st.waiters++
		h.mtx.Unlock()

		h.parkFor(wait)

		h.mtx.Lock()
		h.st.waiters--
		ok := try()
		h.mtx.Unlock()
		if ok {
			return true, nil
		}

		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// parkFor waits on the condvar for up to d, waking early if another holder
// releases and broadcasts in the meantime. A timer forces the wake after
// d regardless, so a genuinely deadlocked caller's acquire loop still
// makes forward progress toward its spinBudget instead of blocking in
// Cond.Wait forever.
func (h *Header) parkFor(d time.Duration) {
	h.mtx.Lock()
	timer := time.AfterFunc(d, func() {
		h.mtx.Lock()
		h.c.Broadcast()
		h.mtx.Unlock()
	})
	h.c.Wait()
	h.mtx.Unlock()
	timer.Stop()
}

// AcquireRead registers the caller as a reader, blocking only while a
// writer holds the segment.
func (h *Header) AcquireRead(ctx context.Context) error {
	return h.acquire(ctx, func() bool {
		if h.st.write > 0 {
			return false
		}
		h.st.read++
		return true
	})
}

// ReleaseRead removes one reader registration and wakes blocked waiters.
func (h *Header) ReleaseRead() {
	h.mtx.Lock()
	h.st.read--
	h.mtx.Unlock()
	h.c.Broadcast()
}

// AcquireUpdate registers the caller as the segment's sole updater,
// blocking while another updater or the writer holds the segment. Readers
// do not block an update acquisition and are not blocked by one.
func (h *Header) AcquireUpdate(ctx context.Context) error {
	return h.acquire(ctx, func() bool {
		if h.st.update > 0 || h.st.write > 0 {
			return false
		}
		h.st.update = 1
		return true
	})
}

// TryAcquireUpdate is the deadline-bounded counterpart to AcquireUpdate for
// spec.md §4.2's tryUpdateLock / tryUpdateLock(time) operations. It never
// raises DeadlockError: on expiry it returns (false, ErrTimeout), leaving
// the header exactly as it found it.
func (h *Header) TryAcquireUpdate(timeout time.Duration) (bool, error) {
	return h.tryAcquire(timeout, func() bool {
		if h.st.update > 0 || h.st.write > 0 {
			return false
		}
		h.st.update = 1
		return true
	})
}

// ReleaseUpdate fully releases the update hold without leaving a read
// fallback. Used by Context.Close on teardown; the normal unlock path
// downgrades to read instead (see DowngradeUpdateToRead).
func (h *Header) ReleaseUpdate() {
	h.mtx.Lock()
	h.st.update = 0
	h.mtx.Unlock()
	h.c.Broadcast()
}

// DowngradeUpdateToRead atomically (with respect to other acquirers)
// replaces the caller's update hold with a read hold, so there is never a
// window with no lock held at all between the two levels.
func (h *Header) DowngradeUpdateToRead() {
	h.mtx.Lock()
	h.st.update = 0
	h.st.read++
	h.mtx.Unlock()
	h.c.Broadcast()
}

// AcquireWrite registers the caller as the segment's sole, fully exclusive
// writer, blocking while any reader, updater or writer holds the segment.
// Use this only when the caller does not already hold update — callers
// upgrading from update must call UpgradeUpdateToWrite instead.
func (h *Header) AcquireWrite(ctx context.Context) error {
	return h.acquire(ctx, func() bool {
		if h.st.read > 0 || h.st.update > 0 || h.st.write > 0 {
			return false
		}
		h.st.write = 1
		return true
	})
}

// UpgradeUpdateToWrite promotes an already-held update lock to write,
// blocking only on readers (the caller is, by construction, the segment's
// sole updater already). This is the single-upgrader rule spec.md §4.2
// describes: only the current update holder may ever become the writer.
func (h *Header) UpgradeUpdateToWrite(ctx context.Context) error {
	return h.acquire(ctx, func() bool {
		if h.st.read > 0 {
			return false
		}
		h.st.update = 0
		h.st.write = 1
		return true
	})
}

// DowngradeWriteToUpdate atomically replaces the caller's write hold with
// an update hold.
func (h *Header) DowngradeWriteToUpdate() {
	h.mtx.Lock()
	h.st.write = 0
	h.st.update = 1
	h.mtx.Unlock()
	h.c.Broadcast()
}

// DowngradeWriteToRead atomically replaces the caller's write hold with a
// read hold.
func (h *Header) DowngradeWriteToRead() {
	h.mtx.Lock()
	h.st.write = 0
	h.st.read++
	h.mtx.Unlock()
	h.c.Broadcast()
}

// ReleaseWrite fully releases the write hold. Used by Context.Close on
// teardown; the normal unlock path downgrades instead.
func (h *Header) ReleaseWrite() {
	h.mtx.Lock()
	h.st.write = 0
	h.mtx.Unlock()
	h.c.Broadcast()
}
