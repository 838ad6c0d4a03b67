package sharedmap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/sharedmap/internal/clock"
	"github.com/Voskan/sharedmap/internal/rwu"
)

func newTestMap(t *testing.T, opts ...Option[string, string]) *Map[string, string] {
	t.Helper()
	m, err := New[string, string](append([]Option[string, string]{
		WithSegments[string, string](4),
		WithTierGeometry[string, string](4, 128),
	}, opts...)...)
	require.NoError(t, err)
	return m
}

func TestPutAndGetRoundTrip(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "hello", "world"))

	val, ok, err := m.Get(ctx, "hello")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", val)
	require.EqualValues(t, 1, m.Size())
}

func TestGetMissing(t *testing.T) {
	m := newTestMap(t)
	_, ok, err := m.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutIfAbsentAndReplace(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	inserted, err := m.PutIfAbsent(ctx, "k", "v1")
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = m.PutIfAbsent(ctx, "k", "v2")
	require.NoError(t, err)
	require.False(t, inserted)

	val, _, _ := m.Get(ctx, "k")
	require.Equal(t, "v1", val)

	replaced, err := m.Replace(ctx, "k", "v3")
	require.NoError(t, err)
	require.True(t, replaced)

	replaced, err = m.Replace(ctx, "missing", "v")
	require.NoError(t, err)
	require.False(t, replaced)

	val, _, _ = m.Get(ctx, "k")
	require.Equal(t, "v3", val)
}

func TestRemoveWithoutReplicationHardDeletes(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", "v"))
	removed, err := m.Remove(ctx, "k")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 0, m.Size())
}

func TestRemoteApplyRequiresReplicationEnabled(t *testing.T) {
	m := newTestMap(t)
	_, err := m.RemoteApply(context.Background(), "k", "v", 1, 1, false)
	require.Error(t, err)
}

func TestRemoteApplyAcceptsNewerWrite(t *testing.T) {
	fixedClock := &clock.Fixed{At: 100}
	m := newTestMap(t, WithClock[string, string](fixedClock), WithReplication[string, string](1))
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", "local"))

	applied, err := m.RemoteApply(ctx, "k", "remote", 200, 2, false)
	require.NoError(t, err)
	require.True(t, applied)

	val, _, _ := m.Get(ctx, "k")
	require.Equal(t, "remote", val)
}

func TestRemoteApplyDiscardsOlderWrite(t *testing.T) {
	fixedClock := &clock.Fixed{At: 100}
	m := newTestMap(t, WithClock[string, string](fixedClock), WithReplication[string, string](1))
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", "local"))

	applied, err := m.RemoteApply(ctx, "k", "stale", 1, 2, false)
	require.NoError(t, err)
	require.False(t, applied)

	val, _, _ := m.Get(ctx, "k")
	require.Equal(t, "local", val)
}

func TestRemoveUnderReplicationTombstonesThenRemoteApplyResurrects(t *testing.T) {
	fixedClock := &clock.Fixed{At: 100}
	m := newTestMap(t, WithClock[string, string](fixedClock), WithReplication[string, string](1))
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", "v"))
	removed, err := m.Remove(ctx, "k")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, _ := m.Get(ctx, "k")
	require.False(t, ok)

	fixedClock.Advance(time.Microsecond)
	applied, err := m.RemoteApply(ctx, "k", "resurrected", fixedClock.At, 2, false)
	require.NoError(t, err)
	require.True(t, applied)

	val, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "resurrected", val)
}

func TestUpdateContextDirectAccessorsOperateAtAcquiredLevel(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	c, err := m.UpdateContext("k")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteLock(ctx))
	require.NoError(t, c.Put("v1"))
	val, ok, err := c.Get()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", val)

	replaced, err := c.Replace("v2")
	require.NoError(t, err)
	require.True(t, replaced)

	removed, err := c.Remove()
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, c.UnlockWrite())
}

func TestQueryContextForbidsUpgradeFromRead(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	c, err := m.QueryContext("k")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.ReadLock(ctx))
	err = c.UpdateLock(ctx)
	require.ErrorIs(t, err, rwu.ErrForbiddenUpgrade)
	err = c.WriteLock(ctx)
	require.ErrorIs(t, err, rwu.ErrForbiddenUpgrade)
}

func TestMapContextTryUpdateLockTimesOutWhileAnotherHandleHoldsUpdate(t *testing.T) {
	m := newTestMap(t, WithSegments[string, string](1))
	ctx := context.Background()

	holder, err := m.QueryContext("a")
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, holder.UpdateLock(ctx))

	contender, err := m.QueryContext("b")
	require.NoError(t, err)
	defer contender.Close()

	ok, err := contender.TryUpdateLock(30 * time.Millisecond)
	require.False(t, ok)
	require.ErrorIs(t, err, rwu.ErrTimeout)
}

func TestMapCloseForceReleasesUnclosedContextHandles(t *testing.T) {
	m := newTestMap(t, WithSegments[string, string](1))
	ctx := context.Background()

	c, err := m.QueryContext("leaked")
	require.NoError(t, err)
	require.NoError(t, c.ReadLock(ctx))

	m.Close()

	require.True(t, c.closed)
	require.Nil(t, c.keyBytes)
}

func TestWriteLockDeadlockCarriesOutstandingContextDiagnostic(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full spin/park backoff schedule, several seconds of wall time")
	}
	m := newTestMap(t, WithSegments[string, string](1))
	ctx := context.Background()

	held, err := m.QueryContext("held")
	require.NoError(t, err)
	defer held.Close()
	require.NoError(t, held.ReadLock(ctx))

	err = m.Put(ctx, "other", "v")
	require.Error(t, err)

	var de *DeadlockError
	require.ErrorAs(t, err, &de)
	require.Equal(t, 0, de.Segment)
	require.Len(t, de.Contexts, 1)
	require.Equal(t, rwu.ReadLocked, de.Contexts[0].Level)
	require.ErrorIs(t, err, rwu.ErrDeadLockDetected)
}

func TestGetOrComputeDeduplicatesConcurrentMisses(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	var calls atomic.Int64
	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err := m.GetOrCompute(ctx, "shared-key", func(ctx context.Context, key string) (string, error) {
				calls.Add(1)
				return "computed", nil
			})
			require.NoError(t, err)
			results[i] = val
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, "computed", r)
	}
	// singleflight collapses concurrent misses for the same key into very
	// few ComputeFunc calls; a generous upper bound avoids flaking on
	// timing while still catching a broken dedup path (which would call it
	// 8 times).
	require.Less(t, calls.Load(), int64(8))

	val, ok, err := m.Get(ctx, "shared-key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "computed", val)
}

func TestSnapshotReportsTierChainDepthAndLiveEntries(t *testing.T) {
	m := newTestMap(t, WithSegments[string, string](1), WithTierGeometry[string, string](2, 64))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Put(ctx, k, "v"))
	}

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.EqualValues(t, 3, snap[0].LiveEntries)
	require.Equal(t, 2, snap[0].TierChainDepth)
}

func TestNewRejectsNonPowerOfTwoSegments(t *testing.T) {
	_, err := New[string, string](WithSegments[string, string](3))
	require.Error(t, err)
}

func TestNewRequiresKeyCodecForUnsupportedKeyType(t *testing.T) {
	type customKey struct{ A, B int }
	_, err := New[customKey, string]()
	require.Error(t, err)
}
