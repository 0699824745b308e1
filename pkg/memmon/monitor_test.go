package memmon

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{"", 0, false},
		{"512MB", 512 << 20, false},
		{"2GB", 2 << 30, false},
		{"1GiB", 1 << 30, false},
		{"256KiB", 256 << 10, false},
		{"100", 100, false},
		{"1.5GB", uint64(1.5 * float64(1<<30)), false},
		{"  64mb ", 64 << 20, false},
		{"12XB", 0, true},
		{"-5MB", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLimit(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestWatcherSamples(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	cfg.MaxSamples = 3
	cfg.Logger = discardLogger()

	w := NewWatcher(cfg, nil)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(w.History()) >= 3
	}, time.Second, time.Millisecond)

	w.Stop()
	assert.LessOrEqual(t, len(w.History()), 3)
	assert.NotZero(t, w.Current().HeapAlloc)
	assert.False(t, w.OverLimit())
}

func TestWatcherOverLimitFiresOnce(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	cfg := DefaultConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	cfg.Limit = 1 // any live heap exceeds one byte
	cfg.GrowthAlertPct = 0
	cfg.Logger = discardLogger()

	w := NewWatcher(cfg, func(Sample) { fired.Add(1) })
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return w.OverLimit()
	}, time.Second, time.Millisecond)

	// Staying over the limit does not re-fire the callback.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	w := NewWatcher(DefaultConfig(), nil)
	w.Start()
	w.Stop()
	w.Stop()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
