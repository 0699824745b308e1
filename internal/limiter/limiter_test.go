package limiter

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault/pkg/errors"
)

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	l := New(Config{})

	assert.Equal(t, 5, l.GetLimit(TypePages))
	assert.Equal(t, 8, l.GetLimit(TypeBlocks))
	assert.Equal(t, 20, l.config.MaxLimit)
}

func TestLimiter_CeilingNeverExceeded(t *testing.T) {
	t.Parallel()

	// Pages limited to 5, submit 8 concurrent operations each
	// delaying 50ms. Observed max concurrency must stay at or below 5 and
	// all 8 must complete.
	l := New(Config{DefaultLimits: map[ObjectType]int{TypePages: 5}})

	var running, maxRunning, completed int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Run(context.Background(), OperationContext{Type: TypePages, Operation: "fetch"},
				func(ctx context.Context) error {
					cur := atomic.AddInt64(&running, 1)
					for {
						prev := atomic.LoadInt64(&maxRunning)
						if cur <= prev || atomic.CompareAndSwapInt64(&maxRunning, prev, cur) {
							break
						}
					}
					time.Sleep(50 * time.Millisecond)
					atomic.AddInt64(&running, -1)
					atomic.AddInt64(&completed, 1)
					return nil
				})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&maxRunning), int64(5))
	assert.Equal(t, int64(8), atomic.LoadInt64(&completed))
}

func TestLimiter_UnknownTypeFallsBackToPages(t *testing.T) {
	t.Parallel()

	l := New(Config{})

	err := l.Run(context.Background(), OperationContext{Type: ObjectType("widgets"), Operation: "fetch"},
		func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	stats := l.GetTypeStats(TypePages)
	assert.Equal(t, int64(1), stats.Completed, "unknown types must be accounted under pages")
}

func TestLimiter_Run_RecordsFailure(t *testing.T) {
	t.Parallel()

	l := New(Config{})

	boom := stderrors.New("remote exploded")
	err := l.Run(context.Background(), OperationContext{Type: TypeDatabases, Operation: "query"},
		func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	stats := l.GetTypeStats(TypeDatabases)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Completed)
}

func TestLimiter_Run_Timeout(t *testing.T) {
	t.Parallel()

	l := New(Config{})

	settled := make(chan struct{})
	start := time.Now()
	err := l.Run(context.Background(), OperationContext{
		Type:      TypePages,
		Operation: "fetch-slow",
		Timeout:   30 * time.Millisecond,
	}, func(ctx context.Context) error {
		// Simulates a hung remote call: it is abandoned, not cancelled.
		time.Sleep(150 * time.Millisecond)
		close(settled)
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationTimeout, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 120*time.Millisecond, "Run must return at the timeout, not at settle")

	stats := l.GetTypeStats(TypePages)
	assert.Equal(t, int64(1), stats.Failed, "timed-out operations count as failed")

	// The abandoned call still settles and releases its slot.
	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("abandoned operation never settled")
	}
}

func TestLimiter_Run_ContextCancellationWhileQueued(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultLimits: map[ObjectType]int{TypeUsers: 1}})

	block := make(chan struct{})
	go func() {
		_ = l.Run(context.Background(), OperationContext{Type: TypeUsers, Operation: "hold"},
			func(ctx context.Context) error {
				<-block
				return nil
			})
	}()

	// Wait until the holder occupies the only slot.
	require.Eventually(t, func() bool { return l.Running(TypeUsers) == 1 },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Run(ctx, OperationContext{Type: TypeUsers, Operation: "queued"},
		func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
}

func TestLimiter_AdjustLimits(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultLimits: map[ObjectType]int{TypePages: 8, TypeBlocks: 2}, MaxLimit: 10})

	// Touch both types so their slots exist.
	_ = l.GetLimit(TypePages)
	_ = l.GetLimit(TypeBlocks)

	l.AdjustLimits(0.25, "rate limited")

	assert.Equal(t, 2, l.GetLimit(TypePages))
	assert.Equal(t, 1, l.GetLimit(TypeBlocks), "scaling clamps at 1, never 0")

	l.AdjustLimits(100, "recovered")
	assert.Equal(t, 10, l.GetLimit(TypePages), "scaling clamps at MaxLimit")
}

func TestLimiter_ResetStats(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultLimits: map[ObjectType]int{TypePages: 5}})

	_ = l.Run(context.Background(), OperationContext{Type: TypePages, Operation: "fetch"},
		func(ctx context.Context) error { return nil })
	l.AdjustLimits(0.2, "test")
	require.Equal(t, 1, l.GetLimit(TypePages))

	l.ResetStats()

	assert.Equal(t, 5, l.GetLimit(TypePages), "default ceiling restored")
	assert.Equal(t, int64(0), l.GetTypeStats(TypePages).Completed, "counters zeroed")
}

func TestAutoTune_ReducesErroringType(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultLimits: map[ObjectType]int{TypeComments: 3}})

	for i := 0; i < 10; i++ {
		_ = l.Run(context.Background(), OperationContext{Type: TypeComments, Operation: "fetch"},
			func(ctx context.Context) error { return stderrors.New("boom") })
	}

	l.AutoTune()
	assert.Equal(t, 2, l.GetLimit(TypeComments))

	// Repeated tuning never drops below 1.
	for i := 0; i < 10; i++ {
		l.AutoTune()
	}
	assert.Equal(t, 1, l.GetLimit(TypeComments))
}

func TestAutoTune_RaisesHealthyType(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultLimits:    map[ObjectType]int{TypeUsers: 2},
		MaxLimit:         4,
		LatencyThreshold: time.Second,
	})

	for i := 0; i < 10; i++ {
		_ = l.Run(context.Background(), OperationContext{Type: TypeUsers, Operation: "list"},
			func(ctx context.Context) error { return nil })
	}

	l.AutoTune()
	assert.Equal(t, 3, l.GetLimit(TypeUsers))

	// Raising is capped at MaxLimit.
	for i := 0; i < 10; i++ {
		l.AutoTune()
	}
	assert.Equal(t, 4, l.GetLimit(TypeUsers))
}

func TestAutoTune_NeverRaisesErroringType(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultLimits: map[ObjectType]int{TypeBlocks: 2}, ErrorRateThreshold: 0.1})

	// 20% failures: above threshold, fast operations.
	for i := 0; i < 10; i++ {
		i := i
		_ = l.Run(context.Background(), OperationContext{Type: TypeBlocks, Operation: "children"},
			func(ctx context.Context) error {
				if i%5 == 0 {
					return stderrors.New("boom")
				}
				return nil
			})
	}

	l.AutoTune()
	assert.LessOrEqual(t, l.GetLimit(TypeBlocks), 2,
		"a type above the error threshold must never be raised")
}

func TestAutoTune_IgnoresThinSamples(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultLimits: map[ObjectType]int{TypeProperties: 4}})

	// Two failures are not enough signal to act on.
	for i := 0; i < 2; i++ {
		_ = l.Run(context.Background(), OperationContext{Type: TypeProperties, Operation: "extract"},
			func(ctx context.Context) error { return stderrors.New("boom") })
	}

	l.AutoTune()
	assert.Equal(t, 4, l.GetLimit(TypeProperties))
}

func TestAutoTune_HeaderExhaustionBacksOff(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultLimits: map[ObjectType]int{TypePages: 8}})
	_ = l.GetLimit(TypePages)

	l.UpdateFromHeaders(map[string]string{"X-RateLimit-Remaining": "1"},
		120*time.Millisecond, TypePages, false)
	l.AutoTune()

	assert.Equal(t, 4, l.GetLimit(TypePages), "near-exhausted quota halves ceilings")
}

func TestGetGlobalStats(t *testing.T) {
	t.Parallel()

	l := New(Config{})

	for i := 0; i < 4; i++ {
		i := i
		_ = l.Run(context.Background(), OperationContext{Type: TypePages, Operation: "fetch"},
			func(ctx context.Context) error {
				if i == 0 {
					return stderrors.New("boom")
				}
				return nil
			})
	}

	global := l.GetGlobalStats()
	assert.Equal(t, int64(4), global.TotalOperations)
	assert.Equal(t, int64(1), global.TotalErrors)
	assert.InDelta(t, 0.25, global.ErrorRate, 0.001)
	assert.Equal(t, 0, global.ActiveOperations)
}

func TestGetPerformanceSummary(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	_ = l.Run(context.Background(), OperationContext{Type: TypePages, Operation: "fetch"},
		func(ctx context.Context) error { return nil })

	summary := l.GetPerformanceSummary()
	assert.Contains(t, summary, "operations=1")
	assert.Contains(t, summary, "pages")
}
