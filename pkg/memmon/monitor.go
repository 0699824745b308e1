// Package memmon samples process memory during an export run and raises a
// callback when usage crosses a configured ceiling, so the crawl can shed
// concurrency instead of being OOM-killed mid-run.
package memmon

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config configures the memory watcher.
type Config struct {
	// Limit is the heap ceiling in bytes. Zero disables limit checks.
	Limit uint64

	// SampleInterval is how often to collect memory stats.
	SampleInterval time.Duration

	// GrowthAlertPct logs a warning when heap usage grows by this many
	// percent over the first sample. Zero disables growth alerts.
	GrowthAlertPct float64

	// MaxSamples is the number of samples kept in history.
	MaxSamples int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval: 15 * time.Second,
		GrowthAlertPct: 100.0,
		MaxSamples:     64,
	}
}

// Sample is one point-in-time memory reading.
type Sample struct {
	Timestamp     time.Time
	HeapAlloc     uint64
	Sys           uint64
	NumGC         uint32
	NumGoroutine  int
	GCCPUFraction float64
}

// Watcher periodically samples runtime memory statistics.
type Watcher struct {
	config      Config
	logger      *slog.Logger
	onOverLimit func(Sample)

	mu        sync.RWMutex
	samples   []Sample
	baseline  Sample
	hasBase   bool
	overLimit bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher. onOverLimit fires once per transition from
// under-limit to over-limit; it is called from the sampling goroutine.
func NewWatcher(config Config, onOverLimit func(Sample)) *Watcher {
	if config.SampleInterval <= 0 {
		config.SampleInterval = DefaultConfig().SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultConfig().MaxSamples
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		config:      config,
		logger:      logger,
		onOverLimit: onOverLimit,
		stopCh:      make(chan struct{}),
	}
}

// Start begins background sampling. Stop with Stop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.SampleInterval)
		defer ticker.Stop()

		w.observe(take())
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.observe(take())
			}
		}
	}()
}

// Stop halts sampling and waits for the goroutine to exit. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Current returns the most recent sample.
func (w *Watcher) Current() Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.samples) == 0 {
		return Sample{}
	}
	return w.samples[len(w.samples)-1]
}

// OverLimit reports whether the latest sample exceeded the ceiling.
func (w *Watcher) OverLimit() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.overLimit
}

// History returns a copy of the retained samples, oldest first.
func (w *Watcher) History() []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

func take() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		Timestamp:     time.Now(),
		HeapAlloc:     ms.HeapAlloc,
		Sys:           ms.Sys,
		NumGC:         ms.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		GCCPUFraction: ms.GCCPUFraction,
	}
}

func (w *Watcher) observe(s Sample) {
	w.mu.Lock()
	if !w.hasBase {
		w.baseline = s
		w.hasBase = true
	}
	w.samples = append(w.samples, s)
	if len(w.samples) > w.config.MaxSamples {
		w.samples = w.samples[len(w.samples)-w.config.MaxSamples:]
	}

	crossed := false
	if w.config.Limit > 0 {
		over := s.HeapAlloc > w.config.Limit
		crossed = over && !w.overLimit
		w.overLimit = over
	}

	var growthPct float64
	if w.config.GrowthAlertPct > 0 && w.baseline.HeapAlloc > 0 {
		growthPct = (float64(s.HeapAlloc) - float64(w.baseline.HeapAlloc)) /
			float64(w.baseline.HeapAlloc) * 100
	}
	w.mu.Unlock()

	if crossed {
		w.logger.Warn("memory limit exceeded",
			"heap_alloc", s.HeapAlloc, "limit", w.config.Limit, "goroutines", s.NumGoroutine)
		if w.onOverLimit != nil {
			w.onOverLimit(s)
		}
	}
	if w.config.GrowthAlertPct > 0 && growthPct >= w.config.GrowthAlertPct {
		w.logger.Warn("heap growth since start of run",
			"growth_pct", fmt.Sprintf("%.1f", growthPct), "heap_alloc", s.HeapAlloc)
	}
}

// ParseLimit converts a human-readable size such as "512MB", "2GiB" or a
// plain byte count into bytes. An empty string means no limit.
func ParseLimit(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	upper := strings.ToUpper(s)
	multipliers := []struct {
		suffix string
		factor uint64
	}{
		{"GIB", 1 << 30},
		{"MIB", 1 << 20},
		{"KIB", 1 << 10},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"G", 1 << 30},
		{"M", 1 << 20},
		{"K", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(upper, m.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(upper, m.suffix))
			val, err := strconv.ParseFloat(num, 64)
			if err != nil || val < 0 {
				return 0, fmt.Errorf("invalid memory limit %q", s)
			}
			return uint64(val * float64(m.factor)), nil
		}
	}

	val, err := strconv.ParseUint(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	return val, nil
}
