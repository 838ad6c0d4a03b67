package sharedmap

import "context"

// ComputeFunc is invoked by GetOrCompute when a key is absent. It must be
// pure with respect to the Map itself: it must not call Put/Remove/Get on
// the same Map it is computing for, or re-entrant deadlock can result.
// Implementations should honour ctx for cancellation. The same ComputeFunc
// may run concurrently for different keys; it must be safe for that.
type ComputeFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)
