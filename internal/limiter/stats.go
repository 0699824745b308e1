package limiter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TypeStats is a read-only snapshot of one object type's counters.
type TypeStats struct {
	Running          int           `json:"running"`
	Completed        int64         `json:"completed"`
	Failed           int64         `json:"failed"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	RecentErrorRate  float64       `json:"recent_error_rate"`
	RecentAvgLatency time.Duration `json:"recent_avg_latency"`
}

// GlobalStats is the derived aggregate across all object types.
type GlobalStats struct {
	TotalOperations       int64         `json:"total_operations"`
	TotalErrors           int64         `json:"total_errors"`
	ErrorRate             float64       `json:"error_rate"`
	AvgDuration           time.Duration `json:"avg_duration"`
	OperationsPerSecond   float64       `json:"operations_per_second"`
	ActiveOperations      int           `json:"active_operations"`
	HeaderUpdateFrequency float64       `json:"header_update_frequency"`
}

// sample records one finished operation for the rolling window.
type sample struct {
	duration time.Duration
	failed   bool
	at       time.Time
}

// typeState holds the mutable per-type counters. Created lazily on first use
// of a type; mutated on every start/finish; reset only by ResetStats.
type typeState struct {
	mu        sync.Mutex
	running   int
	completed int64
	failed    int64

	window  int
	samples []sample
	next    int
	filled  bool

	totalDuration time.Duration
}

func newTypeState(window int) *typeState {
	if window <= 0 {
		window = 50
	}
	return &typeState{
		window:  window,
		samples: make([]sample, window),
	}
}

func (s *typeState) recordStart() {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
}

func (s *typeState) recordFinish(d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running--
	if failed {
		s.failed++
	} else {
		s.completed++
	}
	s.totalDuration += d

	s.samples[s.next] = sample{duration: d, failed: failed, at: time.Now()}
	s.next++
	if s.next == s.window {
		s.next = 0
		s.filled = true
	}
}

// recentWindow returns the valid rolling samples.
func (s *typeState) recentWindow() []sample {
	n := s.next
	if s.filled {
		n = s.window
	}
	out := make([]sample, n)
	copy(out, s.samples[:n])
	return out
}

// recentErrorRate computes the failure fraction over the rolling window.
// Callers must hold s.mu.
func (s *typeState) recentErrorRate() float64 {
	window := s.recentWindow()
	if len(window) == 0 {
		return 0
	}
	failures := 0
	for _, sm := range window {
		if sm.failed {
			failures++
		}
	}
	return float64(failures) / float64(len(window))
}

// recentAvgLatency computes the mean duration over the rolling window.
// Callers must hold s.mu.
func (s *typeState) recentAvgLatency() time.Duration {
	window := s.recentWindow()
	if len(window) == 0 {
		return 0
	}
	var total time.Duration
	for _, sm := range window {
		total += sm.duration
	}
	return total / time.Duration(len(window))
}

func (s *typeState) snapshot(limit int) TypeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return TypeStats{
		Running:          s.running,
		Completed:        s.completed,
		Failed:           s.failed,
		ConcurrencyLimit: limit,
		RecentErrorRate:  s.recentErrorRate(),
		RecentAvgLatency: s.recentAvgLatency(),
	}
}

// headerState tracks how often live rate-limit header data arrives.
type headerState struct {
	mu            sync.Mutex
	updates       int64
	errorSignals  int64
	firstUpdate   time.Time
	lastUpdate    time.Time
	lastLatency   time.Duration
	lastRemaining int
}

// GetTypeStats returns a snapshot of one type's counters
func (l *Limiter) GetTypeStats(t ObjectType) TypeStats {
	resolved := l.resolve(t)
	slot, state := l.slotFor(resolved)
	return state.snapshot(slot.currentLimit())
}

// GetGlobalStats returns the aggregate across all active types
func (l *Limiter) GetGlobalStats() GlobalStats {
	l.mu.Lock()
	states := make(map[ObjectType]*typeState, len(l.stats))
	for t, s := range l.stats {
		states[t] = s
	}
	started := l.started
	l.mu.Unlock()

	var out GlobalStats
	var totalDuration time.Duration
	for _, s := range states {
		s.mu.Lock()
		out.TotalOperations += s.completed + s.failed
		out.TotalErrors += s.failed
		out.ActiveOperations += s.running
		totalDuration += s.totalDuration
		s.mu.Unlock()
	}

	if out.TotalOperations > 0 {
		out.ErrorRate = float64(out.TotalErrors) / float64(out.TotalOperations)
		out.AvgDuration = totalDuration / time.Duration(out.TotalOperations)
	}

	elapsed := time.Since(started).Seconds()
	if elapsed > 0 {
		out.OperationsPerSecond = float64(out.TotalOperations) / elapsed
	}

	l.headers.mu.Lock()
	if l.headers.updates > 0 && !l.headers.firstUpdate.IsZero() {
		span := l.headers.lastUpdate.Sub(l.headers.firstUpdate).Seconds()
		if span > 0 {
			out.HeaderUpdateFrequency = float64(l.headers.updates) / span
		} else {
			out.HeaderUpdateFrequency = float64(l.headers.updates)
		}
	}
	l.headers.mu.Unlock()

	return out
}

// GetPerformanceSummary renders a human-readable snapshot of every active
// type, suitable for progress logging.
func (l *Limiter) GetPerformanceSummary() string {
	l.mu.Lock()
	types := make([]ObjectType, 0, len(l.stats))
	for t := range l.stats {
		types = append(types, t)
	}
	l.mu.Unlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var sb strings.Builder
	global := l.GetGlobalStats()
	fmt.Fprintf(&sb, "operations=%d errors=%d error_rate=%.2f ops_per_sec=%.1f active=%d",
		global.TotalOperations, global.TotalErrors, global.ErrorRate,
		global.OperationsPerSecond, global.ActiveOperations)

	for _, t := range types {
		stats := l.GetTypeStats(t)
		fmt.Fprintf(&sb, "\n  %-10s limit=%d running=%d completed=%d failed=%d err_rate=%.2f avg=%s",
			t, stats.ConcurrencyLimit, stats.Running, stats.Completed,
			stats.Failed, stats.RecentErrorRate, stats.RecentAvgLatency.Round(time.Millisecond))
	}

	return sb.String()
}
