// Package clock provides the clock-source collaborator spec.md §6 names as
// a consumed capability: "Clock source for originTimestamp ... consumed
// capability." originTimestamp is a replicable entry's wall-clock component
// used by internal/replicate's tie-break rule.
//
// © 2025 sharedmap authors. MIT License.
package clock

import (
	"time"

	timecache "github.com/agilira/go-timecache"
)

// Source returns the current wall-clock time in microseconds since the
// Unix epoch, for stamping a replicable entry's originTimestamp. A plain
// int64, not time.Time, since that is exactly what gets bit-packed into the
// entry record (see internal/tier.Record.OriginTimestamp) and compared by
// internal/replicate.Decide.
type Source interface {
	Now() int64
}

// SystemSource is the default Source, backed by go-timecache's
// low-overhead cached wall clock rather than a raw time.Now() syscall on
// every put — the same tradeoff a sibling off-heap cache design in the
// retrieval pack makes for its own per-entry timestamps.
type SystemSource struct{}

// Now returns the current time as microseconds since the Unix epoch.
func (SystemSource) Now() int64 {
	return timecache.Now().UnixMicro()
}

// Fixed is a test double returning a constant (or externally advanced)
// timestamp, for deterministic replication-decision tests.
type Fixed struct {
	At int64
}

// Now returns f.At.
func (f *Fixed) Now() int64 { return f.At }

// Advance moves the fixed clock forward by d and returns the new value.
func (f *Fixed) Advance(d time.Duration) int64 {
	f.At += d.Microseconds()
	return f.At
}
