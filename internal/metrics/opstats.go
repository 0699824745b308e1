package metrics

import (
	"sort"
	"sync"
	"time"
)

// latencyBuckets are the histogram upper bounds used for percentile
// estimation, from 1ms to 30s.
var latencyBuckets = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// OperationStats is the aggregate for one operation kind.
type OperationStats struct {
	Count      int64         `json:"count"`
	Errors     int64         `json:"errors"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	AvgLatency time.Duration `json:"avg_latency"`
	P50Latency time.Duration `json:"p50_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`

	total   time.Duration
	buckets []int64
}

// OpStatsTracker accumulates per-operation latency statistics for the
// end-of-run summary. It complements the Prometheus collector: the
// collector serves live scrapes, the tracker survives to be logged once
// the run finishes.
type OpStatsTracker struct {
	mu    sync.Mutex
	ops   map[string]*OperationStats
	start time.Time
}

// NewOpStatsTracker creates an empty tracker.
func NewOpStatsTracker() *OpStatsTracker {
	return &OpStatsTracker{
		ops:   make(map[string]*OperationStats),
		start: time.Now(),
	}
}

// Record adds one observation for the named operation.
func (t *OpStatsTracker) Record(operation string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.ops[operation]
	if !ok {
		s = &OperationStats{buckets: make([]int64, len(latencyBuckets)+1)}
		t.ops[operation] = s
	}

	s.Count++
	if !success {
		s.Errors++
	}
	s.total += latency
	if s.MinLatency == 0 || latency < s.MinLatency {
		s.MinLatency = latency
	}
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}

	idx := sort.Search(len(latencyBuckets), func(i int) bool {
		return latency <= latencyBuckets[i]
	})
	s.buckets[idx]++
}

// Summary returns a copy of the accumulated stats with derived fields
// filled in, keyed by operation name.
func (t *OpStatsTracker) Summary() map[string]OperationStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]OperationStats, len(t.ops))
	for op, s := range t.ops {
		snapshot := *s
		snapshot.buckets = nil
		if s.Count > 0 {
			snapshot.AvgLatency = s.total / time.Duration(s.Count)
		}
		snapshot.P50Latency = percentile(s, 0.50)
		snapshot.P95Latency = percentile(s, 0.95)
		snapshot.P99Latency = percentile(s, 0.99)
		out[op] = snapshot
	}
	return out
}

// Totals returns the overall operation and error counts.
func (t *OpStatsTracker) Totals() (count, errors int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.ops {
		count += s.Count
		errors += s.Errors
	}
	return count, errors
}

// percentile estimates a latency percentile from the histogram. The upper
// bound of the bucket containing the target rank is returned; observations
// beyond the last bound report the recorded maximum.
func percentile(s *OperationStats, p float64) time.Duration {
	if s.Count == 0 {
		return 0
	}
	target := int64(float64(s.Count) * p)
	if target < 1 {
		target = 1
	}

	var seen int64
	for i, n := range s.buckets {
		seen += n
		if seen >= target {
			if i < len(latencyBuckets) {
				return latencyBuckets[i]
			}
			return s.MaxLatency
		}
	}
	return s.MaxLatency
}
