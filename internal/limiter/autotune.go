package limiter

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// UpdateFromHeaders folds live rate-limit header data and the observed call
// latency into the rolling statistics. It never blocks and never adjusts
// ceilings directly; AutoTune consumes the accumulated data.
func (l *Limiter) UpdateFromHeaders(headers map[string]string, duration time.Duration, t ObjectType, isError bool) {
	_, _ = l.slotFor(l.resolve(t))

	now := time.Now()
	l.headers.mu.Lock()
	l.headers.updates++
	if l.headers.firstUpdate.IsZero() {
		l.headers.firstUpdate = now
	}
	l.headers.lastUpdate = now
	l.headers.lastLatency = duration
	if isError {
		l.headers.errorSignals++
	}

	if remaining := headerInt(headers, "x-ratelimit-remaining"); remaining >= 0 {
		l.headers.lastRemaining = remaining
	} else {
		l.headers.lastRemaining = -1
	}
	l.headers.mu.Unlock()
}

// headerInt reads a non-negative integer header case-insensitively,
// returning -1 when absent or malformed.
func headerInt(headers map[string]string, key string) int {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 0 {
				return -1
			}
			return n
		}
	}
	return -1
}

// AutoTune adjusts every active type's ceiling from its rolling window:
// types erroring above the threshold are reduced toward the floor of 1;
// healthy, fast types are raised toward MaxLimit. A type above the error
// threshold is never raised.
func (l *Limiter) AutoTune() {
	// When the API reports near-exhausted quota, back everything off before
	// looking at per-type windows.
	l.headers.mu.Lock()
	remaining := l.headers.lastRemaining
	fresh := time.Since(l.headers.lastUpdate) < time.Minute
	if fresh && remaining >= 0 && remaining < 2 {
		// Consume the signal so one low-quota response triggers one backoff.
		l.headers.lastRemaining = -1
	} else {
		fresh = false
	}
	l.headers.mu.Unlock()
	if fresh {
		l.AdjustLimits(0.5, "rate-limit headers near exhaustion")
	}

	l.mu.Lock()
	slots := make(map[ObjectType]*typeSlot, len(l.slots))
	states := make(map[ObjectType]*typeState, len(l.stats))
	for t, slot := range l.slots {
		slots[t] = slot
	}
	for t, state := range l.stats {
		states[t] = state
	}
	l.mu.Unlock()

	for t, slot := range slots {
		state, ok := states[t]
		if !ok {
			continue
		}

		state.mu.Lock()
		sampleCount := len(state.recentWindow())
		errRate := state.recentErrorRate()
		avgLatency := state.recentAvgLatency()
		state.mu.Unlock()

		// Not enough signal yet.
		if sampleCount < 5 {
			continue
		}

		limit := slot.currentLimit()
		switch {
		case errRate > l.config.ErrorRateThreshold:
			if limit > 1 {
				slot.setLimit(limit - 1)
			}
		case errRate == 0 && avgLatency < l.config.LatencyThreshold:
			if limit < l.config.MaxLimit {
				slot.setLimit(limit + 1)
			}
		}
	}
}

// StartAutoTune runs AutoTune on a fixed interval until the context ends.
func (l *Limiter) StartAutoTune(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.AutoTune()
			}
		}
	}()
}
