package sharedmap

// config.go defines the internal configuration object and the functional
// options New[K,V] accepts. A generic Option keeps callbacks type-safe with
// respect to the concrete K/V the caller picked, the same shape the teacher
// uses for its own Option[K,V].
//
// © 2025 sharedmap authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/sharedmap/internal/clock"
	"github.com/Voskan/sharedmap/internal/codec"
)

// Option is the functional option passed to New.
type Option[K comparable, V any] func(*mapConfig[K, V])

// mapConfig bundles every knob that influences Map behaviour. Immutable
// once the Map is constructed.
type mapConfig[K comparable, V any] struct {
	segments      int // power of two
	entryCapacity int // live entries per tier, before chaining
	entrySlotSize int // fixed bytes per arena slot; bounds max key+value size

	registry *prometheus.Registry
	logger   *zap.Logger
	clock    clock.Source

	nodeID             byte
	replicationEnabled bool

	keyCodec   codec.KeyCodec[K]
	valueCodec codec.ValueCodec[V]
}

func defaultConfig[K comparable, V any]() *mapConfig[K, V] {
	return &mapConfig[K, V]{
		segments:      16,
		entryCapacity: 1024,
		entrySlotSize: 256,
		logger:        zap.NewNop(),
		clock:         clock.SystemSource{},
	}
}

// WithSegments overrides the default segment count. Must be a power of two.
func WithSegments[K comparable, V any](n int) Option[K, V] {
	return func(c *mapConfig[K, V]) { c.segments = n }
}

// WithTierGeometry overrides the default per-tier entry capacity and the
// fixed byte size reserved for one entry-arena slot (key+value+header must
// fit within entrySlotSize, or Put returns tier.ErrEntryTooLarge).
func WithTierGeometry[K comparable, V any](entryCapacity, entrySlotSize int) Option[K, V] {
	return func(c *mapConfig[K, V]) {
		c.entryCapacity = entryCapacity
		c.entrySlotSize = entrySlotSize
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default): the no-op sink costs nothing on the hot path.
func WithMetrics[K comparable, V any](reg *prometheus.Registry) Option[K, V] {
	return func(c *mapConfig[K, V]) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The map never logs on the hot
// path; only slow events (tier-chain growth, replication discards, deadlock
// detection) are emitted.
func WithLogger[K comparable, V any](l *zap.Logger) Option[K, V] {
	return func(c *mapConfig[K, V]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the default wall-clock source used to stamp
// originTimestamp on writes. Tests should use clock.Fixed.
func WithClock[K comparable, V any](src clock.Source) Option[K, V] {
	return func(c *mapConfig[K, V]) {
		if src != nil {
			c.clock = src
		}
	}
}

// WithReplication enables last-write-wins replication acceptance for
// RemoteApply, identifying this node as nodeID for tie-break resolution
// (spec.md §4.6).
func WithReplication[K comparable, V any](nodeID byte) Option[K, V] {
	return func(c *mapConfig[K, V]) {
		c.replicationEnabled = true
		c.nodeID = nodeID
	}
}

// WithKeyCodec overrides key serialization. Required for key types other
// than string and int64, which have built-in defaults.
func WithKeyCodec[K comparable, V any](kc codec.KeyCodec[K]) Option[K, V] {
	return func(c *mapConfig[K, V]) { c.keyCodec = kc }
}

// WithValueCodec overrides value serialization. Required for value types
// other than string and []byte, which have built-in defaults.
func WithValueCodec[K comparable, V any](vc codec.ValueCodec[V]) Option[K, V] {
	return func(c *mapConfig[K, V]) { c.valueCodec = vc }
}

var (
	errInvalidSegments = errors.New("sharedmap: segments must be power-of-two and > 0")
	errInvalidCapacity = errors.New("sharedmap: entry capacity and entry slot size must be > 0")
	errNoKeyCodec      = errors.New("sharedmap: no default codec for this key type; supply WithKeyCodec")
	errNoValueCodec    = errors.New("sharedmap: no default codec for this value type; supply WithValueCodec")
)

func applyOptions[K comparable, V any](cfg *mapConfig[K, V], opts []Option[K, V]) error {
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.segments <= 0 || cfg.segments&(cfg.segments-1) != 0 {
		return errInvalidSegments
	}
	if cfg.entryCapacity <= 0 || cfg.entrySlotSize <= 0 {
		return errInvalidCapacity
	}

	if cfg.keyCodec == nil {
		kc, ok := defaultKeyCodec[K]()
		if !ok {
			return errNoKeyCodec
		}
		cfg.keyCodec = kc
	}
	if cfg.valueCodec == nil {
		vc, ok := defaultValueCodec[V]()
		if !ok {
			return errNoValueCodec
		}
		cfg.valueCodec = vc
	}
	return nil
}

// defaultKeyCodec resolves a built-in codec for K when the caller hasn't
// supplied one, the same "type switch over the any-converted zero value"
// trick the teacher's shard.hash uses to pick a hashing fast path per key
// type without reflection.
func defaultKeyCodec[K comparable]() (codec.KeyCodec[K], bool) {
	var zero K
	switch any(zero).(type) {
	case string:
		if kc, ok := any(codec.StringKeyCodec{}).(codec.KeyCodec[K]); ok {
			return kc, true
		}
	case []byte:
		if kc, ok := any(codec.BytesKeyCodec{}).(codec.KeyCodec[K]); ok {
			return kc, true
		}
	case int64:
		if kc, ok := any(codec.Int64KeyCodec{}).(codec.KeyCodec[K]); ok {
			return kc, true
		}
	}
	return nil, false
}

func defaultValueCodec[V any]() (codec.ValueCodec[V], bool) {
	var zero V
	switch any(zero).(type) {
	case string:
		if vc, ok := any(codec.StringValueCodec{}).(codec.ValueCodec[V]); ok {
			return vc, true
		}
	case []byte:
		if vc, ok := any(codec.BytesValueCodec{}).(codec.ValueCodec[V]); ok {
			return vc, true
		}
	}
	return nil, false
}
