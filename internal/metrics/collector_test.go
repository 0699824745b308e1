package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnabledCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "pagevault", Path: "/metrics"})
	require.NoError(t, err)
	return c
}

func TestRecordFetch(t *testing.T) {
	t.Parallel()

	c := newEnabledCollector(t)
	c.RecordFetch("pages", "get-page", 50*time.Millisecond, true)
	c.RecordFetch("pages", "get-page", 70*time.Millisecond, true)
	c.RecordFetch("pages", "get-page", 10*time.Millisecond, false)

	success := testutil.ToFloat64(c.fetchCounter.WithLabelValues("pages", "get-page", "success"))
	failure := testutil.ToFloat64(c.fetchCounter.WithLabelValues("pages", "get-page", "error"))
	assert.Equal(t, 2.0, success)
	assert.Equal(t, 1.0, failure)
}

func TestCountersAndGauges(t *testing.T) {
	t.Parallel()

	c := newEnabledCollector(t)

	c.RecordError("RATE_LIMITED")
	c.RecordError("RATE_LIMITED")
	c.RecordRetry("blocks")
	c.RecordExported("pages")
	c.SetConcurrencyLimit("blocks", 8)
	c.SetRateDelay("default", 334*time.Millisecond)
	c.SetInFlight("pages", 3)
	c.RecordCheckpointWrite()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("RATE_LIMITED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retryCounter.WithLabelValues("blocks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.exportedCounter.WithLabelValues("pages")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.limitGauge.WithLabelValues("blocks")))
	assert.InDelta(t, 0.334, testutil.ToFloat64(c.rateDelayGauge.WithLabelValues("default")), 0.001)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.inFlightGauge.WithLabelValues("pages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointWrites))
}

func TestCircuitStateMapping(t *testing.T) {
	t.Parallel()

	c := newEnabledCollector(t)

	c.SetCircuitState("CLOSED")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.circuitGauge))
	c.SetCircuitState("HALF_OPEN")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitGauge))
	c.SetCircuitState("OPEN")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.circuitGauge))
}

func TestDisabledCollectorIsNoOp(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(&Config{Enabled: false})
	require.NoError(t, err)

	// Every recording call must be safe on a disabled collector.
	c.RecordFetch("pages", "get-page", time.Millisecond, true)
	c.RecordError("NETWORK_ERROR")
	c.RecordRetry("pages")
	c.RecordExported("pages")
	c.SetConcurrencyLimit("pages", 5)
	c.SetRateDelay("default", time.Second)
	c.SetCircuitState("OPEN")
	c.SetInFlight("pages", 1)
	c.RecordCheckpointWrite()

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}
