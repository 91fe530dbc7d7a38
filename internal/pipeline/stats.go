package pipeline

import (
	"sort"
	"sync"
	"time"
)

// latencySampleCap bounds the latency ring buffer percentiles are computed
// over.
const latencySampleCap = 1024

type (
	// Stats aggregates pipeline counters for the /stats endpoint.
	Stats struct {
		mu          sync.RWMutex
		byFramework map[string]uint64
		byType      map[string]uint64
		processed   uint64
		failed      uint64
		latencies   []time.Duration
		next        int
	}

	// Snapshot is a point-in-time view of the pipeline counters.
	Snapshot struct {
		Processed   uint64            `json:"processed"`
		Failed      uint64            `json:"failed"`
		ByFramework map[string]uint64 `json:"by_framework"`
		ByType      map[string]uint64 `json:"by_event_type"`
		QueueDepth  int               `json:"queue_depth"`
		QueueCap    int               `json:"queue_capacity"`
		LatencyP50  float64           `json:"latency_p50_ms"`
		LatencyP95  float64           `json:"latency_p95_ms"`
		LatencyP99  float64           `json:"latency_p99_ms"`
	}
)

// NewStats creates an empty stats aggregate.
func NewStats() *Stats {
	return &Stats{
		byFramework: make(map[string]uint64),
		byType:      make(map[string]uint64),
		latencies:   make([]time.Duration, 0, latencySampleCap),
	}
}

// RecordEvent counts one fully processed event and its end-to-end latency.
func (s *Stats) RecordEvent(framework, eventType string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	s.byFramework[framework]++
	s.byType[eventType]++

	if len(s.latencies) < latencySampleCap {
		s.latencies = append(s.latencies, latency)
	} else {
		s.latencies[s.next] = latency
		s.next = (s.next + 1) % latencySampleCap
	}
}

// RecordFailure counts one event whose processing hit a stage error.
func (s *Stats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed++
}

// Snapshot returns current counters with latency percentiles.
func (s *Stats) Snapshot(queueDepth, queueCap int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Processed:   s.processed,
		Failed:      s.failed,
		ByFramework: make(map[string]uint64, len(s.byFramework)),
		ByType:      make(map[string]uint64, len(s.byType)),
		QueueDepth:  queueDepth,
		QueueCap:    queueCap,
	}

	for k, v := range s.byFramework {
		snap.ByFramework[k] = v
	}

	for k, v := range s.byType {
		snap.ByType[k] = v
	}

	if len(s.latencies) > 0 {
		sorted := make([]time.Duration, len(s.latencies))
		copy(sorted, s.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		snap.LatencyP50 = percentileMs(sorted, 0.50)
		snap.LatencyP95 = percentileMs(sorted, 0.95)
		snap.LatencyP99 = percentileMs(sorted, 0.99)
	}

	return snap
}

// percentileMs reads the nearest-rank percentile from a sorted sample.
func percentileMs(sorted []time.Duration, p float64) float64 {
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return float64(sorted[idx].Microseconds()) / 1000.0
}
