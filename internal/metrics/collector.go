// Package metrics exposes export-run telemetry through Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector registers and serves the export engine's Prometheus metrics.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	fetchCounter     *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	errorCounter     *prometheus.CounterVec
	retryCounter     *prometheus.CounterVec
	exportedCounter  *prometheus.CounterVec
	limitGauge       *prometheus.GaugeVec
	rateDelayGauge   *prometheus.GaugeVec
	circuitGauge     prometheus.Gauge
	inFlightGauge    *prometheus.GaugeVec
	checkpointWrites prometheus.Counter

	startTime time.Time
	server    *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a metrics collector. A disabled collector accepts
// every recording call as a no-op so call sites stay unconditional.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "pagevault",
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.fetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fetch_operations_total",
			Help:      "Total remote fetch operations by object type and result",
		},
		[]string{"object_type", "operation", "status"},
	)

	c.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of remote fetch operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"object_type"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total errors by machine-readable code",
		},
		[]string{"code"},
	)

	c.retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_total",
			Help:      "Total retry attempts by object type",
		},
		[]string{"object_type"},
	)

	c.exportedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "objects_exported_total",
			Help:      "Total objects written to the local tree",
		},
		[]string{"object_type"},
	)

	c.limitGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "concurrency_limit",
			Help:      "Current per-type concurrency ceiling",
		},
		[]string{"object_type"},
	)

	c.rateDelayGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "rate_delay_seconds",
			Help:      "Current adaptive delay between requests per bucket",
		},
		[]string{"bucket"},
	)

	c.circuitGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	c.inFlightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "operations_in_flight",
			Help:      "Currently running operations per object type",
		},
		[]string{"object_type"},
	)

	c.checkpointWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "checkpoint_writes_total",
			Help:      "Total checkpoint persistence operations",
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.fetchCounter,
		c.fetchDuration,
		c.errorCounter,
		c.retryCounter,
		c.exportedCounter,
		c.limitGauge,
		c.rateDelayGauge,
		c.circuitGauge,
		c.inFlightGauge,
		c.checkpointWrites,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// Start serves the /metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordFetch records one remote fetch with its outcome.
func (c *Collector) RecordFetch(objectType, operation string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	c.fetchCounter.With(prometheus.Labels{
		"object_type": objectType,
		"operation":   operation,
		"status":      status,
	}).Inc()
	c.fetchDuration.With(prometheus.Labels{"object_type": objectType}).Observe(duration.Seconds())
}

// RecordError records one error by its machine-readable code.
func (c *Collector) RecordError(code string) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{"code": code}).Inc()
}

// RecordRetry records one retry attempt for an object type.
func (c *Collector) RecordRetry(objectType string) {
	if !c.config.Enabled {
		return
	}
	c.retryCounter.With(prometheus.Labels{"object_type": objectType}).Inc()
}

// RecordExported records one object written to the local tree.
func (c *Collector) RecordExported(objectType string) {
	if !c.config.Enabled {
		return
	}
	c.exportedCounter.With(prometheus.Labels{"object_type": objectType}).Inc()
}

// SetConcurrencyLimit publishes the current ceiling for an object type.
func (c *Collector) SetConcurrencyLimit(objectType string, limit int) {
	if !c.config.Enabled {
		return
	}
	c.limitGauge.With(prometheus.Labels{"object_type": objectType}).Set(float64(limit))
}

// SetRateDelay publishes the current adaptive delay for a rate bucket.
func (c *Collector) SetRateDelay(bucket string, delay time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.rateDelayGauge.With(prometheus.Labels{"bucket": bucket}).Set(delay.Seconds())
}

// SetCircuitState publishes the circuit breaker state.
func (c *Collector) SetCircuitState(state string) {
	if !c.config.Enabled {
		return
	}
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	c.circuitGauge.Set(v)
}

// SetInFlight publishes the number of running operations for a type.
func (c *Collector) SetInFlight(objectType string, n int) {
	if !c.config.Enabled {
		return
	}
	c.inFlightGauge.With(prometheus.Labels{"object_type": objectType}).Set(float64(n))
}

// RecordCheckpointWrite records one checkpoint flush.
func (c *Collector) RecordCheckpointWrite() {
	if !c.config.Enabled {
		return
	}
	c.checkpointWrites.Inc()
}

// Registry exposes the underlying registry for testing.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"pagevault-metrics"}`))
}
