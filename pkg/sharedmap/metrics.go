package sharedmap

// metrics.go is a thin abstraction over Prometheus, present with or without
// metrics enabled: when the caller passes WithMetrics(reg), labeled
// collectors are registered; otherwise a no-op sink is used and the hot
// path never pays for a metric update. Grounded directly on the teacher's
// pkg/metrics.go shape (metricsSink interface + noop/prom implementations),
// expanded with deadlock-detection and replication accept/discard counters
// and tier-chain-depth and live-entry gauges, which this domain's
// segment/tier/replicate components can exercise and the teacher's cache
// never had a reason to.
//
// © 2025 sharedmap authors. MIT License.

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsSink interface {
	incHit(segment int)
	incMiss(segment int)
	incPut(segment int)
	incRemove(segment int)
	incReplicationAccept(segment int)
	incReplicationDiscard(segment int)
	incDeadlockDetected(segment int)
	setTierChainDepth(segment int, depth int)
	setLiveEntries(segment int, n int64)
}

type noopMetrics struct{}

func (noopMetrics) incHit(int)                {}
func (noopMetrics) incMiss(int)               {}
func (noopMetrics) incPut(int)                {}
func (noopMetrics) incRemove(int)             {}
func (noopMetrics) incReplicationAccept(int)  {}
func (noopMetrics) incReplicationDiscard(int) {}
func (noopMetrics) incDeadlockDetected(int)   {}
func (noopMetrics) setTierChainDepth(int, int) {}
func (noopMetrics) setLiveEntries(int, int64)  {}

type promMetrics struct {
	hits                *prometheus.CounterVec
	misses              *prometheus.CounterVec
	puts                *prometheus.CounterVec
	removes             *prometheus.CounterVec
	replicationAccepts  *prometheus.CounterVec
	replicationDiscards *prometheus.CounterVec
	deadlocksDetected   *prometheus.CounterVec
	tierChainDepth      *prometheus.GaugeVec
	liveEntries         *prometheus.GaugeVec

	depthMirror []atomic.Int64
	liveMirror  []atomic.Int64
}

func newPromMetrics(segmentCount int, reg *prometheus.Registry) *promMetrics {
	label := []string{"segment"}
	pm := &promMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedmap", Name: "hits_total", Help: "Number of Get hits.",
		}, label),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedmap", Name: "misses_total", Help: "Number of Get misses.",
		}, label),
		puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedmap", Name: "puts_total", Help: "Number of successful Put/PutIfAbsent/Replace writes.",
		}, label),
		removes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedmap", Name: "removes_total", Help: "Number of Remove calls that removed an entry.",
		}, label),
		replicationAccepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedmap", Name: "replication_accepts_total", Help: "Remote writes accepted by the last-write-wins rule.",
		}, label),
		replicationDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedmap", Name: "replication_discards_total", Help: "Remote writes discarded by the last-write-wins rule.",
		}, label),
		deadlocksDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedmap", Name: "deadlocks_detected_total", Help: "Lock acquisitions that exhausted their spin/park backoff budget.",
		}, label),
		tierChainDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharedmap", Name: "tier_chain_depth", Help: "Current tier chain length per segment.",
		}, label),
		liveEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharedmap", Name: "live_entries", Help: "Live entry count per segment.",
		}, label),
		depthMirror: make([]atomic.Int64, segmentCount),
		liveMirror:  make([]atomic.Int64, segmentCount),
	}
	reg.MustRegister(pm.hits, pm.misses, pm.puts, pm.removes,
		pm.replicationAccepts, pm.replicationDiscards, pm.deadlocksDetected,
		pm.tierChainDepth, pm.liveEntries)
	return pm
}

func (m *promMetrics) incHit(s int)  { m.hits.WithLabelValues(strconv.Itoa(s)).Inc() }
func (m *promMetrics) incMiss(s int) { m.misses.WithLabelValues(strconv.Itoa(s)).Inc() }
func (m *promMetrics) incPut(s int)  { m.puts.WithLabelValues(strconv.Itoa(s)).Inc() }
func (m *promMetrics) incRemove(s int) {
	m.removes.WithLabelValues(strconv.Itoa(s)).Inc()
}
func (m *promMetrics) incReplicationAccept(s int) {
	m.replicationAccepts.WithLabelValues(strconv.Itoa(s)).Inc()
}
func (m *promMetrics) incReplicationDiscard(s int) {
	m.replicationDiscards.WithLabelValues(strconv.Itoa(s)).Inc()
}
func (m *promMetrics) incDeadlockDetected(s int) {
	m.deadlocksDetected.WithLabelValues(strconv.Itoa(s)).Inc()
}
func (m *promMetrics) setTierChainDepth(s int, depth int) {
	m.depthMirror[s].Store(int64(depth))
	m.tierChainDepth.WithLabelValues(strconv.Itoa(s)).Set(float64(depth))
}
func (m *promMetrics) setLiveEntries(s int, n int64) {
	m.liveMirror[s].Store(n)
	m.liveEntries.WithLabelValues(strconv.Itoa(s)).Set(float64(n))
}

func newMetricsSink(segmentCount int, reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(segmentCount, reg)
}
