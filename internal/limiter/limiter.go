// Package limiter provides operation-type-aware concurrency limiting for
// remote export operations. Each object type gets its own ceiling, live
// statistics, and auto-tuning driven by rate-limit headers, error rates, and
// observed latency.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagevault/pagevault/pkg/errors"
)

// ObjectType is the partition key for rate and concurrency accounting.
type ObjectType string

const (
	TypePages      ObjectType = "pages"
	TypeBlocks     ObjectType = "blocks"
	TypeDatabases  ObjectType = "databases"
	TypeComments   ObjectType = "comments"
	TypeUsers      ObjectType = "users"
	TypeProperties ObjectType = "properties"
)

// KnownTypes lists every accounting bucket in a stable order.
var KnownTypes = []ObjectType{
	TypePages, TypeBlocks, TypeDatabases, TypeComments, TypeUsers, TypeProperties,
}

// IsKnown reports whether t is one of the accounting buckets.
func (t ObjectType) IsKnown() bool {
	switch t {
	case TypePages, TypeBlocks, TypeDatabases, TypeComments, TypeUsers, TypeProperties:
		return true
	}
	return false
}

// OperationContext describes one unit of remote work submitted to Run.
type OperationContext struct {
	Type      ObjectType
	ObjectID  string
	Operation string
	Priority  int
	Timeout   time.Duration
}

// Config contains concurrency limiter configuration
type Config struct {
	// DefaultLimits are the starting ceilings per object type. Types not
	// listed start at DefaultLimit.
	DefaultLimits map[ObjectType]int `yaml:"default_limits"`

	// DefaultLimit is the ceiling for types without an explicit entry
	DefaultLimit int `yaml:"default_limit"`

	// MaxLimit caps how high auto-tuning may raise any ceiling
	MaxLimit int `yaml:"max_limit"`

	// ErrorRateThreshold is the recent error rate above which a type's
	// ceiling is reduced and never raised.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`

	// LatencyThreshold is the recent average duration below which a
	// healthy type's ceiling may be raised.
	LatencyThreshold time.Duration `yaml:"latency_threshold"`

	// SampleWindow is how many recent operations per type feed the
	// rolling statistics.
	SampleWindow int `yaml:"sample_window"`
}

// DefaultConfig returns sensible starting ceilings for a content API that
// throttles around 3 requests per second.
func DefaultConfig() Config {
	return Config{
		DefaultLimits: map[ObjectType]int{
			TypePages:      5,
			TypeBlocks:     8,
			TypeDatabases:  3,
			TypeComments:   3,
			TypeUsers:      2,
			TypeProperties: 4,
		},
		DefaultLimit:       3,
		MaxLimit:           20,
		ErrorRateThreshold: 0.1,
		LatencyThreshold:   2 * time.Second,
		SampleWindow:       50,
	}
}

// Limiter schedules operations under per-type concurrency ceilings. One
// instance is owned per export run; there is no process-wide singleton.
type Limiter struct {
	config Config

	mu    sync.Mutex
	slots map[ObjectType]*typeSlot
	stats map[ObjectType]*typeState

	started time.Time
	headers headerState
}

// typeSlot is a resizable counting semaphore for one object type.
//
// golang.org/x/sync/semaphore.Weighted has a fixed capacity, but auto-tuning
// resizes ceilings at runtime, so the slot keeps its own running count and
// wakes waiters by closing a broadcast channel.
type typeSlot struct {
	mu      sync.Mutex
	limit   int
	running int
	wake    chan struct{}
}

func newTypeSlot(limit int) *typeSlot {
	if limit < 1 {
		limit = 1
	}
	return &typeSlot{
		limit: limit,
		wake:  make(chan struct{}),
	}
}

// acquire blocks until a slot is free or the context ends. This is the
// primary backpressure point of the whole export pipeline.
func (s *typeSlot) acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.running < s.limit {
			s.running++
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (s *typeSlot) release() {
	s.mu.Lock()
	s.running--
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

func (s *typeSlot) setLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	s.limit = limit
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

func (s *typeSlot) currentLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *typeSlot) currentRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// New creates a concurrency limiter for one export run
func New(config Config) *Limiter {
	defaults := DefaultConfig()
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaults.DefaultLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = defaults.MaxLimit
	}
	if config.ErrorRateThreshold <= 0 {
		config.ErrorRateThreshold = defaults.ErrorRateThreshold
	}
	if config.LatencyThreshold <= 0 {
		config.LatencyThreshold = defaults.LatencyThreshold
	}
	if config.SampleWindow <= 0 {
		config.SampleWindow = defaults.SampleWindow
	}
	if config.DefaultLimits == nil {
		config.DefaultLimits = defaults.DefaultLimits
	}

	return &Limiter{
		config:  config,
		slots:   make(map[ObjectType]*typeSlot),
		stats:   make(map[ObjectType]*typeState),
		started: time.Now(),
	}
}

// resolve maps unknown types onto the pages bucket so stray operations are
// still accounted and limited.
func (l *Limiter) resolve(t ObjectType) ObjectType {
	if t.IsKnown() {
		return t
	}
	return TypePages
}

// slotFor returns the semaphore and stats for a type, lazily creating both
// with the configured default ceiling on first use.
func (l *Limiter) slotFor(t ObjectType) (*typeSlot, *typeState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[t]
	if !ok {
		limit, ok := l.config.DefaultLimits[t]
		if !ok {
			limit = l.config.DefaultLimit
		}
		slot = newTypeSlot(limit)
		l.slots[t] = slot
	}

	state, ok := l.stats[t]
	if !ok {
		state = newTypeState(l.config.SampleWindow)
		l.stats[t] = state
	}

	return slot, state
}

// Run executes fn under the per-type concurrency ceiling. It blocks on
// semaphore acquisition, then runs fn. If opCtx.Timeout elapses before fn
// settles, Run returns a timeout error and records the operation as failed;
// the underlying call is abandoned rather than forcibly cancelled, and its
// slot is released only when it eventually settles.
func (l *Limiter) Run(ctx context.Context, opCtx OperationContext, fn func(context.Context) error) error {
	t := l.resolve(opCtx.Type)
	slot, state := l.slotFor(t)

	if err := slot.acquire(ctx); err != nil {
		return err
	}

	state.recordStart()
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		defer slot.release()
		done <- fn(ctx)
	}()

	var timeout <-chan time.Time
	if opCtx.Timeout > 0 {
		timer := time.NewTimer(opCtx.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		state.recordFinish(time.Since(start), err != nil)
		return err
	case <-ctx.Done():
		state.recordFinish(time.Since(start), true)
		return ctx.Err()
	case <-timeout:
		state.recordFinish(time.Since(start), true)
		return errors.NewError(errors.ErrCodeOperationTimeout,
			fmt.Sprintf("operation %q timed out after %v", opCtx.Operation, opCtx.Timeout)).
			WithComponent("limiter").
			WithObject(string(t), opCtx.ObjectID)
	}
}

// GetLimit returns the current ceiling for a type
func (l *Limiter) GetLimit(t ObjectType) int {
	slot, _ := l.slotFor(l.resolve(t))
	return slot.currentLimit()
}

// Running returns the number of in-flight operations for a type
func (l *Limiter) Running(t ObjectType) int {
	slot, _ := l.slotFor(l.resolve(t))
	return slot.currentRunning()
}

// AdjustLimits scales every active ceiling uniformly, clamped to [1, MaxLimit].
// The reason is carried for observability only.
func (l *Limiter) AdjustLimits(factor float64, reason string) {
	if factor <= 0 {
		return
	}

	l.mu.Lock()
	slots := make(map[ObjectType]*typeSlot, len(l.slots))
	for t, slot := range l.slots {
		slots[t] = slot
	}
	l.mu.Unlock()

	for _, slot := range slots {
		scaled := int(float64(slot.currentLimit()) * factor)
		if scaled < 1 {
			scaled = 1
		}
		if scaled > l.config.MaxLimit {
			scaled = l.config.MaxLimit
		}
		slot.setLimit(scaled)
	}
}

// ResetStats restores default ceilings and zeroes all counters
func (l *Limiter) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for t, slot := range l.slots {
		limit, ok := l.config.DefaultLimits[t]
		if !ok {
			limit = l.config.DefaultLimit
		}
		slot.setLimit(limit)
	}
	for t := range l.stats {
		l.stats[t] = newTypeState(l.config.SampleWindow)
	}
	l.headers.mu.Lock()
	l.headers.updates = 0
	l.headers.errorSignals = 0
	l.headers.firstUpdate = time.Time{}
	l.headers.lastUpdate = time.Time{}
	l.headers.lastLatency = 0
	l.headers.lastRemaining = 0
	l.headers.mu.Unlock()
	l.started = time.Now()
}
