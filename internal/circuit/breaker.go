// Package circuit implements a failure-counting circuit breaker that gates
// calls to the remote content API while it is unhealthy and probes recovery.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/pagevault/pagevault/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit breaker allows a single trial request to test recovery
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from CLOSED to OPEN.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the breaker stays OPEN before allowing a
	// single HALF_OPEN trial request.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// OnStateChange is called when the state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// Breaker implements the circuit breaker pattern with a single-probe
// half-open phase. All transitions are driven by Allow/ReportSuccess/
// ReportFailure; out-of-turn reports are no-ops.
type Breaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool
}

// NewBreaker creates a new circuit breaker instance
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Allow reserves permission for one request. It returns nil when the request
// may proceed and a synthetic circuit-open error otherwise; no network
// attempt is made for rejected requests. In HALF_OPEN exactly one trial is
// admitted; concurrent probes are rejected as if the breaker were OPEN.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshState(time.Now())

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return b.openError()
		}
		b.probeInFlight = true
		return nil
	default:
		return b.openError()
	}
}

// CanProceed is a pure state read: it reports whether a request submitted now
// would be admitted, without reserving the half-open probe.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshState(time.Now())

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

// ReportSuccess records a successful request. A successful HALF_OPEN probe
// closes the breaker and resets counters; in CLOSED it clears the consecutive
// failure count; called out of turn it is a no-op.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.probeInFlight {
			b.probeInFlight = false
			b.setState(StateClosed, time.Now())
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// ReportFailure records a failed request. A failed HALF_OPEN probe reopens
// the breaker and restarts the reset timer; in CLOSED it counts toward the
// threshold; in OPEN it is a no-op.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateHalfOpen:
		if b.probeInFlight {
			b.probeInFlight = false
			b.lastFailureTime = now
			b.setState(StateOpen, now)
		}
	case StateClosed:
		b.failureCount++
		b.lastFailureTime = now
		if b.failureCount >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	}
}

// Execute runs the given function under the breaker's gate
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.ReportFailure()
		return err
	}
	b.ReportSuccess()
	return nil
}

// ExecuteWithContext runs the given function with context under the breaker's gate
func (b *Breaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.ReportFailure()
		return err
	}
	b.ReportSuccess()
	return nil
}

// refreshState applies the time-driven OPEN -> HALF_OPEN transition.
// Callers must hold b.mu.
func (b *Breaker) refreshState(now time.Time) {
	if b.state == StateOpen && now.Sub(b.lastFailureTime) >= b.config.ResetTimeout {
		b.probeInFlight = false
		b.setState(StateHalfOpen, now)
	}
}

// setState changes the state of the breaker. Callers must hold b.mu.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	if state == StateClosed {
		b.failureCount = 0
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// openError builds the synthetic rejection raised without a network attempt.
func (b *Breaker) openError() error {
	return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
		WithComponent("circuit").
		WithContext("breaker", b.name)
}

// GetState returns the current state of the circuit breaker
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshState(time.Now())
	return b.state
}

// FailureCount returns the current consecutive failure count
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset resets the circuit breaker to its initial state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probeInFlight = false
	b.setState(StateClosed, time.Now())
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}
