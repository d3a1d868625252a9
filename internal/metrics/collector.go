// Package metrics exposes the performance layer's diagnostics: prometheus
// instruments behind a custom registry, an optional HTTP endpoint, and a
// read-only snapshot for in-process diagnostics display.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/perflayer/perflayer/pkg/types"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Snapshot is the read-only diagnostics view exposed to collaborators
type Snapshot struct {
	CacheStats        map[string]types.CacheStats `json:"cache_stats"`
	PressureTier      types.PressureTier          `json:"pressure_tier"`
	RequestsPerMinute float64                     `json:"requests_per_minute"`
	RequestsTotal     uint64                      `json:"requests_total"`
	BatchesDispatched uint64                      `json:"batches_dispatched"`
	PreloadsIssued    uint64                      `json:"preloads_issued"`
	BytesSent         uint64                      `json:"bytes_sent"`
	BytesReceived     uint64                      `json:"bytes_received"`
	ErrorRate         float64                     `json:"error_rate"`
	AvgLatency        time.Duration               `json:"avg_latency"`
	Timestamp         time.Time                   `json:"timestamp"`
}

// Collector gathers layer-wide metrics. All record methods are safe for
// concurrent use and are no-ops when collection is disabled.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheSizeBytes *prometheus.GaugeVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	batchDispatches prometheus.Counter
	batchSize       prometheus.Histogram
	queueDepth      prometheus.Gauge
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter

	preloadsIssued   prometheus.Counter
	preloadsCanceled prometheus.Counter

	pressureTier    prometheus.Gauge
	memoryUsedBytes prometheus.Gauge

	// Window of request completion times for the requests/minute figure.
	mu             sync.Mutex
	requestTimes   []time.Time
	totalRequests  uint64
	totalErrors    uint64
	totalBatches   uint64
	totalPreloads  uint64
	totalBytesOut  uint64
	totalBytes     uint64
	totalLatency   time.Duration
	lastCacheStats map[string]types.CacheStats
	lastTier       types.PressureTier

	server *http.Server
}

// NewCollector creates a metrics collector. A nil config enables collection
// with defaults; Enabled=false yields a collector whose methods are no-ops.
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "perflayer",
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config:         config,
		logger:         logger.Named("metrics"),
		lastCacheStats: make(map[string]types.CacheStats),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	ns := config.Namespace

	c.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_hits_total", Help: "Cache hits by cache name",
	}, []string{"cache"})
	c.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_misses_total", Help: "Cache misses by cache name",
	}, []string{"cache"})
	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_evictions_total", Help: "Cache evictions by cache name",
	}, []string{"cache"})
	c.cacheSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "cache_size_bytes", Help: "Tracked cache size by cache name",
	}, []string{"cache"})

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "requests_total", Help: "Dispatched requests by outcome",
	}, []string{"outcome"})
	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "request_duration_seconds", Help: "Request execution latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	c.batchDispatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "batch_dispatches_total", Help: "Dispatched batches",
	})
	c.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "batch_size", Help: "Requests per dispatched batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})
	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "queue_depth", Help: "Pending requests awaiting dispatch",
	})
	c.bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "bytes_sent_total", Help: "Estimated request bytes sent",
	})
	c.bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "bytes_received_total", Help: "Response payload bytes received",
	})

	c.preloadsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "preloads_issued_total", Help: "Predictive preload requests issued",
	})
	c.preloadsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "preloads_canceled_total", Help: "Preload requests canceled before dispatch",
	})

	c.pressureTier = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "memory_pressure_tier", Help: "Memory pressure tier (0 normal through 3 critical)",
	})
	c.memoryUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "memory_used_bytes", Help: "Sampled app-specific memory usage",
	})

	for _, col := range []prometheus.Collector{
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheSizeBytes,
		c.requestsTotal, c.requestDuration, c.batchDispatches, c.batchSize, c.queueDepth, c.bytesSent, c.bytesReceived,
		c.preloadsIssued, c.preloadsCanceled, c.pressureTier, c.memoryUsedBytes,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return c, nil
}

// Start serves the metrics endpoint if enabled
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts down the metrics endpoint
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordRequest records one dispatched request completion
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	c.mu.Lock()
	c.totalRequests++
	if outcome != "success" {
		c.totalErrors++
	}
	c.totalLatency += duration
	c.requestTimes = append(c.requestTimes, time.Now())
	c.pruneRequestWindowLocked(time.Now())
	c.mu.Unlock()
}

// RecordBytesSent records the estimated request bytes of a dispatched fetch.
// The fetch primitive is opaque, so the estimate covers the endpoint and
// parameters, not transport framing.
func (c *Collector) RecordBytesSent(n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.bytesSent.Add(float64(n))

	c.mu.Lock()
	c.totalBytesOut += uint64(n)
	c.mu.Unlock()
}

// RecordBytesReceived records response payload bytes from a completed fetch
func (c *Collector) RecordBytesReceived(n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.bytesReceived.Add(float64(n))

	c.mu.Lock()
	c.totalBytes += uint64(n)
	c.mu.Unlock()
}

// RecordBatchDispatch records one dispatched batch and its size
func (c *Collector) RecordBatchDispatch(size int) {
	if !c.config.Enabled {
		return
	}
	c.batchDispatches.Inc()
	c.batchSize.Observe(float64(size))

	c.mu.Lock()
	c.totalBatches++
	c.mu.Unlock()
}

// SetQueueDepth records the current pending-queue depth
func (c *Collector) SetQueueDepth(depth int) {
	if !c.config.Enabled {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// RecordPreloadIssued records one predictive preload request
func (c *Collector) RecordPreloadIssued() {
	if !c.config.Enabled {
		return
	}
	c.preloadsIssued.Inc()

	c.mu.Lock()
	c.totalPreloads++
	c.mu.Unlock()
}

// RecordPreloadsCanceled records preloads canceled before dispatch
func (c *Collector) RecordPreloadsCanceled(n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.preloadsCanceled.Add(float64(n))
}

// ObserveCacheStats publishes a cache's statistics snapshot. Counters are
// advanced by the delta from the previous observation.
func (c *Collector) ObserveCacheStats(name string, stats types.CacheStats) {
	c.mu.Lock()
	prev := c.lastCacheStats[name]
	c.lastCacheStats[name] = stats
	c.mu.Unlock()

	if !c.config.Enabled {
		return
	}

	c.cacheHits.WithLabelValues(name).Add(float64(stats.Hits - prev.Hits))
	c.cacheMisses.WithLabelValues(name).Add(float64(stats.Misses - prev.Misses))
	c.cacheEvictions.WithLabelValues(name).Add(float64(stats.Evictions - prev.Evictions))
	c.cacheSizeBytes.WithLabelValues(name).Set(float64(stats.Size))
}

// ObserveMemory publishes the sampled memory usage and pressure tier
func (c *Collector) ObserveMemory(stats types.MemoryStats) {
	c.mu.Lock()
	c.lastTier = stats.Tier
	c.mu.Unlock()

	if !c.config.Enabled {
		return
	}
	c.pressureTier.Set(float64(stats.Tier))
	c.memoryUsedBytes.Set(float64(stats.AppSpecific))
}

// Snapshot returns the read-only diagnostics view
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneRequestWindowLocked(now)

	cacheStats := make(map[string]types.CacheStats, len(c.lastCacheStats))
	for name, stats := range c.lastCacheStats {
		cacheStats[name] = stats
	}

	var errorRate float64
	var avgLatency time.Duration
	if c.totalRequests > 0 {
		errorRate = float64(c.totalErrors) / float64(c.totalRequests)
		avgLatency = c.totalLatency / time.Duration(c.totalRequests)
	}

	return Snapshot{
		CacheStats:        cacheStats,
		PressureTier:      c.lastTier,
		RequestsPerMinute: float64(len(c.requestTimes)),
		RequestsTotal:     c.totalRequests,
		BatchesDispatched: c.totalBatches,
		PreloadsIssued:    c.totalPreloads,
		BytesSent:         c.totalBytesOut,
		BytesReceived:     c.totalBytes,
		ErrorRate:         errorRate,
		AvgLatency:        avgLatency,
		Timestamp:         now,
	}
}

// pruneRequestWindowLocked drops completions older than one minute.
// Caller holds the lock.
func (c *Collector) pruneRequestWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(c.requestTimes) && c.requestTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.requestTimes = c.requestTimes[i:]
	}
}
