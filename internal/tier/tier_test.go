package tier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return DefaultConfig(4, 64)
}

func TestAllocEntryRoundTrip(t *testing.T) {
	tr := newTier(testConfig())
	pos, err := tr.AllocEntry(Record{Key: []byte("k1"), Value: []byte("v1")})
	require.NoError(t, err)

	rec, err := tr.ReadEntry(pos)
	require.NoError(t, err)
	require.Equal(t, []byte("k1"), rec.Key)
	require.Equal(t, []byte("v1"), rec.Value)
	require.False(t, rec.Tombstone)
}

func TestTierFullReturnsErrTierFull(t *testing.T) {
	tr := newTier(DefaultConfig(2, 32))
	_, err := tr.AllocEntry(Record{Key: []byte("a")})
	require.NoError(t, err)
	_, err = tr.AllocEntry(Record{Key: []byte("b")})
	require.NoError(t, err)

	require.True(t, tr.Full())
	_, err = tr.AllocEntry(Record{Key: []byte("c")})
	require.ErrorIs(t, err, ErrTierFull)
}

func TestFreeEntryReclaimsSlot(t *testing.T) {
	tr := newTier(testConfig())
	pos, err := tr.AllocEntry(Record{Key: []byte("k")})
	require.NoError(t, err)
	require.Equal(t, 1, tr.LiveCount())

	tr.FreeEntry(pos)
	require.Zero(t, tr.LiveCount())

	pos2, err := tr.AllocEntry(Record{Key: []byte("k2")})
	require.NoError(t, err)
	require.Equal(t, pos, pos2) // lowest-index free slot reused
}

func TestEncodeRecordRejectsOversizedEntry(t *testing.T) {
	dst := make([]byte, 8)
	_, err := EncodeRecord(dst, Record{Key: []byte("way too long for 8 bytes")})
	require.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestCloseDelayedChecksumIsNoOpWithoutMutation(t *testing.T) {
	tr := newTier(testConfig())
	require.Zero(t, tr.Checksum())
	tr.CloseDelayedChecksum()
	require.Zero(t, tr.Checksum()) // no mutation happened, so still zero

	_, err := tr.AllocEntry(Record{Key: []byte("x")})
	require.NoError(t, err)
	tr.CloseDelayedChecksum()
	require.NotZero(t, tr.Checksum())

	before := tr.Checksum()
	tr.CloseDelayedChecksum() // dirty flag cleared: second close is a no-op
	require.Equal(t, before, tr.Checksum())
}

func TestPoolNextTierChainsAndLinks(t *testing.T) {
	cfg := DefaultConfig(4, 32)
	alloc := NewSlabAllocator(cfg, 0)
	tier0, err := alloc.AcquireTier()
	require.NoError(t, err)

	pool := NewPool(tier0, alloc)
	require.Equal(t, 1, pool.Len())
	require.Equal(t, -1, tier0.NextIndex())

	fresh, err := pool.NextTier()
	require.NoError(t, err)
	require.Equal(t, 2, pool.Len())
	require.Equal(t, 1, tier0.NextIndex())
	require.Same(t, fresh, pool.At(1))
	require.Same(t, fresh, pool.Tail())
}

func TestSlabAllocatorRespectsMaxTiers(t *testing.T) {
	alloc := NewSlabAllocator(testConfig(), 1)
	_, err := alloc.AcquireTier()
	require.NoError(t, err)
	_, err = alloc.AcquireTier()
	require.ErrorIs(t, err, ErrAllocatorExhausted)
}
