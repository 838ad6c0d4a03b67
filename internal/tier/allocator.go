package tier

import "sync"

// Allocator is the consumed capability a segment draws overflow tiers from.
// Spec.md §6 lists this as an external collaborator: "Allocator:
// acquireTier() / releaseTier(); file sizing; mapping" — production wiring
// against a real memory-mapped file is out of this module's scope; only the
// interface and an in-process default are.
type Allocator interface {
	// AcquireTier returns a fresh tier, or ErrAllocatorExhausted if the pool
	// has no more capacity to give out.
	AcquireTier() (*Tier, error)

	// ReleaseTier returns a tier the caller will never reference again. A
	// tier released mid-lifetime of an open map must never be handed back
	// out to a different segment — spec.md's resolution of the
	// cross-segment tier reuse question (§9) forbids it — so the default
	// SlabAllocator treats this as a no-op bookkeeping hook rather than an
	// actual free-list return.
	ReleaseTier(*Tier) error
}

// SlabAllocator is the default in-process Allocator: every AcquireTier call
// allocates a brand-new Tier of the configured geometry, optionally bounded
// by a maximum tier count.
type SlabAllocator struct {
	cfg      Config
	mu       sync.Mutex
	issued   int
	maxTiers int // 0 means unbounded
}

// NewSlabAllocator returns an Allocator that hands out tiers of the given
// configuration. maxTiers bounds the total number of tiers ever issued;
// pass 0 for no bound.
func NewSlabAllocator(cfg Config, maxTiers int) *SlabAllocator {
	return &SlabAllocator{cfg: cfg, maxTiers: maxTiers}
}

func (a *SlabAllocator) AcquireTier() (*Tier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxTiers > 0 && a.issued >= a.maxTiers {
		return nil, ErrAllocatorExhausted
	}
	a.issued++
	return newTier(a.cfg), nil
}

func (a *SlabAllocator) ReleaseTier(*Tier) error {
	// Intentionally a no-op: see the Allocator.ReleaseTier doc comment.
	return nil
}

// Issued reports how many tiers this allocator has handed out so far.
func (a *SlabAllocator) Issued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.issued
}
