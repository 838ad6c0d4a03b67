package sharedmap

// loader.go implements the singleflight-based de-duplication layer behind
// Map.GetOrCompute: when many goroutines request the same missing key
// simultaneously, only one ComputeFunc call runs, the rest wait for its
// result. Grounded directly on the teacher's pkg/loader.go — same
// strconv.FormatUint(hash, 16) singleflight key, same context-honouring
// wrapper around x/sync/singleflight.Group.Do.
//
// © 2025 sharedmap authors. MIT License.

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"
)

type loaderGroup[K comparable, V any] struct {
	g singleflight.Group
}

func newLoaderGroup[K comparable, V any]() *loaderGroup[K, V] {
	return &loaderGroup[K, V]{}
}

func (lg *loaderGroup[K, V]) compute(ctx context.Context, keyHash uint64, key K, fn ComputeFunc[K, V]) (val V, shared bool, err error) {
	k := strconv.FormatUint(keyHash, 16)
	res, err, shared := lg.g.Do(k, func() (any, error) {
		return fn(ctx, key)
	})
	if err != nil {
		return val, shared, err
	}
	return res.(V), shared, nil
}

// GetOrCompute returns the value stored for key, computing and storing it
// via fn on a miss. Concurrent callers missing on the same key share one fn
// invocation (see loaderGroup). A successful compute is persisted with
// PutIfAbsent, so a concurrent Put racing the compute is never clobbered.
func (m *Map[K, V]) GetOrCompute(ctx context.Context, key K, fn ComputeFunc[K, V]) (val V, err error) {
	if val, ok, err := m.Get(ctx, key); err != nil || ok {
		return val, err
	}

	h := m.hasher.hash64(key)
	val, _, err = m.loaders.compute(ctx, h, key, fn)
	if err != nil {
		return val, err
	}

	if _, err := m.PutIfAbsent(ctx, key, val); err != nil {
		return val, err
	}
	return val, nil
}
