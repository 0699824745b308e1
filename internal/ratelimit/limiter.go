// Package ratelimit provides per-bucket pacing of outbound API calls with an
// adaptive minimum inter-request interval.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config contains rate limiter configuration
type Config struct {
	// BaseInterval is the starting minimum delay between requests
	BaseInterval time.Duration `yaml:"base_interval"`

	// MinInterval is the floor the interval can shrink to under sustained success
	MinInterval time.Duration `yaml:"min_interval"`

	// MaxInterval is the ceiling the interval can grow to under sustained errors
	MaxInterval time.Duration `yaml:"max_interval"`

	// ShrinkFactor is applied to the interval on success (must be < 1)
	ShrinkFactor float64 `yaml:"shrink_factor"`

	// GrowFactor is applied to the interval on error (must be > 1)
	GrowFactor float64 `yaml:"grow_factor"`
}

// DefaultConfig returns a sensible default pacing configuration. The base
// interval of ~334ms matches a 3 requests/second budget.
func DefaultConfig() Config {
	return Config{
		BaseInterval: 334 * time.Millisecond,
		MinInterval:  100 * time.Millisecond,
		MaxInterval:  30 * time.Second,
		ShrinkFactor: 0.9,
		GrowFactor:   2.0,
	}
}

// Limiter paces outbound calls for one bucket. WaitForSlot blocks the caller
// until the next permitted send time; the interval between sends adapts to
// observed success and failure. Under sustained errors the wait grows without
// bound up to MaxInterval per slot; overall liveness is the caller's timeout
// concern.
type Limiter struct {
	config Config

	mu          sync.Mutex
	interval    time.Duration
	nextAllowed time.Time
}

// New creates a pacing limiter for one bucket
func New(config Config) *Limiter {
	if config.BaseInterval <= 0 {
		config.BaseInterval = DefaultConfig().BaseInterval
	}
	if config.MinInterval <= 0 {
		config.MinInterval = DefaultConfig().MinInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = DefaultConfig().MaxInterval
	}
	if config.ShrinkFactor <= 0 || config.ShrinkFactor >= 1 {
		config.ShrinkFactor = DefaultConfig().ShrinkFactor
	}
	if config.GrowFactor <= 1 {
		config.GrowFactor = DefaultConfig().GrowFactor
	}

	return &Limiter{
		config:   config,
		interval: config.BaseInterval,
	}
}

// WaitForSlot suspends the caller until the next permitted send time. The
// only failure mode is context cancellation.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	wait := l.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	// Reserve the slot before sleeping so concurrent waiters queue up
	// behind each other instead of stampeding.
	start := now.Add(wait)
	l.nextAllowed = start.Add(l.interval)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReportSuccess shrinks the inter-request interval toward MinInterval
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = time.Duration(float64(l.interval) * l.config.ShrinkFactor)
	if l.interval < l.config.MinInterval {
		l.interval = l.config.MinInterval
	}
}

// ReportError grows the inter-request interval toward MaxInterval
func (l *Limiter) ReportError() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = time.Duration(float64(l.interval) * l.config.GrowFactor)
	if l.interval > l.config.MaxInterval {
		l.interval = l.config.MaxInterval
	}
}

// ApplyRetryAfter honors a server-provided backoff hint: no request is sent
// before now+d, and the interval grows to at least the hint (capped).
func (l *Limiter) ApplyRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	resume := time.Now().Add(d)
	if resume.After(l.nextAllowed) {
		l.nextAllowed = resume
	}
	if d > l.interval {
		l.interval = d
	}
	if l.interval > l.config.MaxInterval {
		l.interval = l.config.MaxInterval
	}
}

// Interval returns the current minimum inter-request interval
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Registry hands out one pacing limiter per named bucket so object types are
// paced independently.
type Registry struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	config    Config
	overrides map[string]time.Duration
}

// NewRegistry creates a limiter registry with a shared base configuration
func NewRegistry(config Config) *Registry {
	return &Registry{
		limiters:  make(map[string]*Limiter),
		config:    config,
		overrides: make(map[string]time.Duration),
	}
}

// SetBaseInterval overrides the starting interval for one bucket. It only
// affects buckets not yet created.
func (r *Registry) SetBaseInterval(bucket string, base time.Duration) {
	if base <= 0 {
		return
	}
	r.mu.Lock()
	r.overrides[bucket] = base
	r.mu.Unlock()
}

// Get returns the limiter for a bucket, creating it on first use
func (r *Registry) Get(bucket string) *Limiter {
	r.mu.RLock()
	if limiter, exists := r.limiters[bucket]; exists {
		r.mu.RUnlock()
		return limiter
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := r.limiters[bucket]; exists {
		return limiter
	}

	config := r.config
	if base, ok := r.overrides[bucket]; ok {
		config.BaseInterval = base
	}
	limiter := New(config)
	r.limiters[bucket] = limiter
	return limiter
}
