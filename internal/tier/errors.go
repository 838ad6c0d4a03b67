package tier

import "errors"

// ErrTierFull is returned by AllocEntry when a tier's entry arena has no
// free slots left; segment responds by chaining to (or allocating) the
// next tier rather than surfacing this to the caller.
var ErrTierFull = errors.New("tier: entry arena full")

// ErrAllocatorExhausted is returned by an Allocator that cannot produce any
// more tiers (e.g. a fixed-capacity map file's tier pool is fully used).
var ErrAllocatorExhausted = errors.New("tier: allocator exhausted")
