package rwu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadersDoNotExcludeEachOther(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireRead(ctx))
	require.NoError(t, h.AcquireRead(ctx))
	snap := h.Snapshot()
	require.EqualValues(t, 2, snap.Read)
	h.ReleaseRead()
	h.ReleaseRead()
	require.Zero(t, h.Snapshot().Read)
}

func TestUpdateCompatibleWithReaders(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireRead(ctx))
	require.NoError(t, h.AcquireUpdate(ctx))
	snap := h.Snapshot()
	require.EqualValues(t, 1, snap.Read)
	require.EqualValues(t, 1, snap.Update)
}

func TestSecondUpdateBlocksUntilFirstReleases(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireUpdate(ctx))

	done := make(chan error, 1)
	go func() { done <- h.AcquireUpdate(ctx) }()

	select {
	case <-done:
		t.Fatal("second update acquisition should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	h.DowngradeUpdateToRead()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second update acquisition never unblocked")
	}
}

func TestWriteExcludesReaders(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireRead(ctx))

	done := make(chan error, 1)
	go func() { done <- h.AcquireWrite(ctx) }()

	select {
	case <-done:
		t.Fatal("write acquisition should have blocked while a reader holds the segment")
	case <-time.After(50 * time.Millisecond):
	}

	h.ReleaseRead()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write acquisition never unblocked")
	}
}

func TestUpgradeUpdateToWriteWaitsOnReaders(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireUpdate(ctx))
	require.NoError(t, h.AcquireRead(ctx))

	done := make(chan error, 1)
	go func() { done <- h.UpgradeUpdateToWrite(ctx) }()

	select {
	case <-done:
		t.Fatal("upgrade should wait for the outstanding reader")
	case <-time.After(50 * time.Millisecond):
	}

	h.ReleaseRead()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.EqualValues(t, 1, h.Snapshot().Write)
		require.Zero(t, h.Snapshot().Update)
	case <-time.After(time.Second):
		t.Fatal("upgrade never completed")
	}
}

func TestAcquireWriteExhaustsSpinBudgetAndReportsDeadlock(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full spinBudget backoff schedule, several seconds of wall time")
	}
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireRead(ctx))
	// Reader is never released: the writer must exhaust its spin budget.
	err := h.AcquireWrite(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDeadLockDetected)
}

func TestTryAcquireUpdateZeroTimeoutUncontended(t *testing.T) {
	h := NewHeader()
	// spec.md §8: "tryLock(0, NS) returns immediately: true if uncontended."
	ok, err := h.TryAcquireUpdate(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, h.Snapshot().Update)
}

func TestTryAcquireUpdateZeroTimeoutContended(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireUpdate(ctx))

	// spec.md §8: "...false otherwise" — no parking, no DeadlockError.
	ok, err := h.TryAcquireUpdate(0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryAcquireUpdateTimesOutWithoutDeadlockError(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireUpdate(ctx))
	// Held update is never released: TryAcquireUpdate must give up on its
	// own deadline rather than escalate to the bounded-spin DeadlockError
	// path AcquireUpdate would eventually take.
	ok, err := h.TryAcquireUpdate(30 * time.Millisecond)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrTimeout)
	require.NotErrorIs(t, err, ErrDeadLockDetected)
}

func TestTryAcquireUpdateRollsBackWaitersOnTimeout(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireUpdate(ctx))

	_, err := h.TryAcquireUpdate(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	// No waiter count should survive a timed-out attempt.
	require.Zero(t, h.Snapshot().Waiters)
}

func TestTryAcquireUpdateSucceedsOnceContenderReleases(t *testing.T) {
	h := NewHeader()
	ctx := context.Background()
	require.NoError(t, h.AcquireUpdate(ctx))

	done := make(chan struct {
		ok  bool
		err error
	}, 1)
	go func() {
		ok, err := h.TryAcquireUpdate(time.Second)
		done <- struct {
			ok  bool
			err error
		}{ok, err}
	}()

	time.Sleep(20 * time.Millisecond)
	h.ReleaseUpdate()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.True(t, res.ok)
	case <-time.After(time.Second):
		t.Fatal("TryAcquireUpdate never observed the release")
	}
}

func TestAcquireReadInterruptedByContextCancellation(t *testing.T) {
	h := NewHeader()
	bg := context.Background()
	require.NoError(t, h.AcquireWrite(bg))

	cctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.AcquireRead(cctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("cancellation never unblocked the acquisition")
	}
}
