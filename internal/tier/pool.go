package tier

// Pool is one segment's tier chain: tier 0 (resident, fixed at segment
// construction) plus zero or more overflow tiers drawn from an Allocator as
// earlier tiers fill up. Adapted from the teacher's internal/genring.Ring —
// same "ring of allocator-sourced units advanced under the caller's lock"
// shape — but Pool only ever grows: spec.md §4.3 forbids ever removing a
// tier from an open map, so there is no Rotate/free path here, only
// NextTier.
//
// Every method assumes the owning segment already holds the appropriate
// lock level (update lock to append a tier, since the chain's tail pointer
// is an update-lock-only field per spec.md §4.5); Pool itself holds no
// lock.
type Pool struct {
	allocator Allocator
	tiers     []*Tier
}

// NewPool starts a chain with tier0 as its sole, resident member.
func NewPool(tier0 *Tier, allocator Allocator) *Pool {
	return &Pool{allocator: allocator, tiers: []*Tier{tier0}}
}

// Len returns the current chain length.
func (p *Pool) Len() int { return len(p.tiers) }

// At returns the tier at chain index i.
func (p *Pool) At(i int) *Tier { return p.tiers[i] }

// Tail returns the chain's current last tier.
func (p *Pool) Tail() *Tier { return p.tiers[len(p.tiers)-1] }

// NextTier appends a fresh tier to the chain, linking it from the current
// tail, and returns it. Call only under the segment's update (or write)
// lock, and only once the current tail is confirmed Full().
func (p *Pool) NextTier() (*Tier, error) {
	fresh, err := p.allocator.AcquireTier()
	if err != nil {
		return nil, err
	}
	tail := p.Tail()
	newIdx := len(p.tiers)
	tail.LinkNext(newIdx)
	p.tiers = append(p.tiers, fresh)
	return fresh, nil
}
