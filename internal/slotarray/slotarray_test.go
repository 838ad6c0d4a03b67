package slotarray

import (
	"testing"

	"github.com/Voskan/sharedmap/internal/region"
)

func newTestArray(t *testing.T, slots int) *Array {
	t.Helper()
	r := region.New(ByteSize(slots))
	return New(r, 0, slots, 20)
}

func TestFreshArrayAllEmpty(t *testing.T) {
	a := newTestArray(t, 8)
	for i := uint64(0); i < a.Len(); i++ {
		if !a.Empty(a.ReadVolatile(i)) {
			t.Fatalf("slot %d not empty after New", i)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	a := newTestArray(t, 8)
	pos := a.HlPos(3)
	a.WriteVolatile(pos, 3, 42)
	s := a.ReadVolatile(pos)
	if a.Empty(s) {
		t.Fatal("slot unexpectedly empty")
	}
	if a.Key(s) != 3 || a.Value(s) != 42 {
		t.Fatalf("got key=%d value=%d, want key=3 value=42", a.Key(s), a.Value(s))
	}
}

func TestLinearProbeOnCollision(t *testing.T) {
	a := newTestArray(t, 4)
	// Two distinct searchKeys that collide on HlPos (mask 3): 1 and 5.
	k1, k2 := uint64(1), uint64(5)
	if a.HlPos(k1) != a.HlPos(k2) {
		t.Fatalf("test fixture assumption broken: k1,k2 don't collide")
	}
	start := a.HlPos(k1)
	a.WriteVolatile(start, k1, 100)
	next := a.Step(start)
	a.WriteVolatile(next, k2, 200)

	// Probe for k2 starting at start must find it one step forward.
	pos := start
	for {
		s := a.ReadVolatile(pos)
		if a.Empty(s) {
			t.Fatal("probe hit empty slot before finding k2")
		}
		if a.Key(s) == k2 {
			break
		}
		pos = a.Step(pos)
		if pos == start {
			t.Fatal("probe wrapped without finding k2")
		}
	}
	if pos != next {
		t.Fatalf("found k2 at %d, want %d", pos, next)
	}
}

func TestRemoveBackShiftKeepsSurvivorFindable(t *testing.T) {
	a := newTestArray(t, 4)
	k1, k2 := uint64(1), uint64(5) // collide on mask 3
	start := a.HlPos(k1)
	next := a.Step(start)
	a.WriteVolatile(start, k1, 100)
	a.WriteVolatile(next, k2, 200)

	// Remove k1 (at start); k2 must back-shift into start.
	newEmpty := a.Remove(start)

	// k2 should now be found starting the probe at start (its ideal slot).
	s := a.ReadVolatile(start)
	if a.Empty(s) || a.Key(s) != k2 {
		t.Fatalf("expected k2 shifted into slot %d, got slot content %v", start, s)
	}
	if !a.Empty(a.ReadVolatile(newEmpty)) {
		t.Fatalf("slot %d (returned as new empty) is not empty", newEmpty)
	}
}

func TestRemoveSingleEntryLeavesMiss(t *testing.T) {
	a := newTestArray(t, 8)
	k := uint64(2)
	pos := a.HlPos(k)
	a.WriteVolatile(pos, k, 7)
	a.Remove(pos)
	if !a.Empty(a.ReadVolatile(pos)) {
		t.Fatal("slot should be empty after removing its only occupant")
	}
}

func TestStepStepBackInverse(t *testing.T) {
	a := newTestArray(t, 16)
	for i := uint64(0); i < a.Len(); i++ {
		if a.StepBack(a.Step(i)) != i {
			t.Fatalf("StepBack(Step(%d)) != %d", i, i)
		}
	}
}
