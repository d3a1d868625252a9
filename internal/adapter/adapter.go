// Package adapter assembles the performance layer: it constructs the caches,
// batcher, monitors, virtualizer, and preloader from one configuration and
// wires their collaborations.
package adapter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/perflayer/perflayer/internal/batch"
	"github.com/perflayer/perflayer/internal/buffer"
	"github.com/perflayer/perflayer/internal/cache"
	"github.com/perflayer/perflayer/internal/config"
	"github.com/perflayer/perflayer/internal/memory"
	"github.com/perflayer/perflayer/internal/metrics"
	"github.com/perflayer/perflayer/internal/network"
	"github.com/perflayer/perflayer/internal/preload"
	"github.com/perflayer/perflayer/internal/viewport"
	"github.com/perflayer/perflayer/pkg/types"
)

// statsInterval is how often cache statistics are pushed to the collector.
const statsInterval = 30 * time.Second

// Layer is the assembled performance layer. Construct it once per process
// and pass it down explicitly; every component behind it is a singleton
// with a single mutator context.
type Layer struct {
	config *config.Configuration
	logger *zap.Logger

	responseCache *cache.ResponseCache
	imageCache    *cache.ImageCache
	batcher       *batch.Batcher
	monitor       *network.Monitor
	virtualizer   *viewport.Virtualizer
	preloader     *preload.Preloader
	controller    *memory.Controller
	collector     *metrics.Collector
	pool          *buffer.Pool

	stopCh chan struct{}
}

// New assembles the layer over the given fetch primitive. The configuration
// is validated first; construction fails rather than running half-tuned.
func New(cfg *config.Configuration, fetcher types.Fetcher, logger *zap.Logger) (*Layer, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Enabled,
		Port:      cfg.Monitoring.Port,
		Path:      cfg.Monitoring.Path,
		Namespace: cfg.Monitoring.Namespace,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	// Connectivity starts unknown, so the initial profile is aggressive.
	monitor := network.NewMonitor(cfg.Profiles, logger)
	initialLevel := monitor.Level()

	responseCache := cache.NewResponseCache(&cache.ResponseCacheConfig{
		MaxBytes:         cfg.Cache.ResponseBudget,
		SweepInterval:    cfg.Cache.SweepInterval,
		EvictionHeadroom: cfg.Cache.EvictionHeadroom,
	}, initialLevel, logger)

	imageCache := cache.NewImageCache(&cache.ImageCacheConfig{
		MaxBytes:         cfg.Cache.ImageBudget,
		SweepInterval:    cfg.Cache.SweepInterval,
		EvictionHeadroom: cfg.Cache.EvictionHeadroom,
		GracePeriod:      cfg.Cache.ImageGracePeriod,
		MinAccessCount:   cfg.Cache.ImageMinAccessCount,
		WarningRetention: cfg.Cache.WarningRetention,
	}, logger)

	batcher := batch.New(batch.Config{
		QueueLimit:       cfg.Batch.QueueLimit,
		FetchTimeout:     cfg.Batch.FetchTimeout,
		BreakerEnabled:   cfg.Batch.Breaker.Enabled,
		FailureThreshold: cfg.Batch.Breaker.FailureThreshold,
		BreakerTimeout:   cfg.Batch.Breaker.Timeout,
	}, fetcher, initialLevel, collector, logger)

	preloader := preload.New(preload.Config{
		HistorySize:   cfg.Preload.HistorySize,
		TopEntities:   cfg.Preload.TopEntities,
		RatePerSecond: cfg.Preload.RatePerSecond,
		Burst:         cfg.Preload.Burst,
	}, batcher, func(dest string, data []byte) {
		responseCache.Put(dest, data, types.ImportanceNormal)
	}, nil, collector, logger)

	pool := buffer.NewPool()

	l := &Layer{
		config:        cfg,
		logger:        logger.Named("perflayer"),
		responseCache: responseCache,
		imageCache:    imageCache,
		batcher:       batcher,
		monitor:       monitor,
		preloader:     preloader,
		collector:     collector,
		pool:          pool,
		stopCh:        make(chan struct{}),
	}

	l.virtualizer = viewport.New(viewport.Config{
		BufferSize:           cfg.Virtualizer.BufferSize,
		EvictDelay:           cfg.Virtualizer.EvictDelay,
		OptimizeEvery:        cfg.Virtualizer.OptimizeEvery,
		CleanupAge:           cfg.Virtualizer.CleanupAge,
		AggressiveCleanupAge: cfg.Virtualizer.AggressiveCleanupAge,
		PlaceholderSize:      cfg.Virtualizer.PlaceholderSize,
	}, viewport.Hooks{
		Preload:    l.preloadImage,
		EvictImage: imageCache.EvictIfNotRecentlyUsed,
		Optimize:   func() { l.controller.SampleNow() },
	}, logger)

	l.controller = memory.NewController(memory.Config{
		Budget:         cfg.Memory.Budget,
		SampleInterval: cfg.Memory.SampleInterval,
	}, nil, memory.CleanupTargets{
		ImageWarning:       imageCache.OnMemoryWarning,
		InvalidateStale:    responseCache.InvalidatePastStale,
		CancelPreloads:     preloader.CancelAll,
		VirtualizerCleanup: l.virtualizer.Cleanup,
		Compactors:         []func(){pool.Reset, preloader.Compact},
	}, collector, logger)

	// Profile fan-out: the monitor owns every optimization level swap.
	monitor.Register(batcher)
	monitor.Register(responseCache)
	monitor.OnOffline(responseCache.SetOffline)

	return l, nil
}

// Start brings the layer up: batcher accepting submissions, memory sampler
// running, metrics endpoint serving if enabled.
func (l *Layer) Start(ctx context.Context) error {
	if err := l.batcher.Start(); err != nil {
		return err
	}
	if err := l.collector.Start(ctx); err != nil {
		return err
	}
	l.controller.Start(ctx)

	go l.statsLoop()

	l.logger.Info("performance layer started",
		zap.String("profile", string(l.monitor.Level().Mode)))
	return nil
}

// Stop shuts the layer down. Pending batched requests resolve with
// CANCELED; in-flight work completes first.
func (l *Layer) Stop(ctx context.Context) error {
	close(l.stopCh)

	l.controller.Stop()
	l.batcher.Stop()
	l.preloader.Close()
	l.virtualizer.Close()
	l.responseCache.Close()
	l.imageCache.Close()

	err := l.collector.Stop(ctx)
	l.logger.Info("performance layer stopped")
	return err
}

// Get serves a response through the stale-while-revalidate protocol: cache
// hit first, batched fetch on miss.
func (l *Layer) Get(ctx context.Context, key, endpoint string, params map[string]string, priority types.Priority) ([]byte, error) {
	l.preloader.RecordAccess(key)

	return l.responseCache.GetOrFetch(ctx, key, types.ImportanceNormal,
		func(ctx context.Context) ([]byte, error) {
			future, err := l.batcher.Submit(endpoint, params, priority)
			if err != nil {
				return nil, err
			}
			return future.Wait(ctx)
		})
}

// Submit queues a raw fetch through the batcher, bypassing caches
func (l *Layer) Submit(endpoint string, params map[string]string, priority types.Priority) (*batch.Future, error) {
	return l.batcher.Submit(endpoint, params, priority)
}

// ObserveConnectivity feeds a connectivity observation to the monitor
func (l *Layer) ObserveConnectivity(state types.NetworkState) {
	l.monitor.ObserveConnectivity(state)
}

// OnLowMemory forwards an OS low-memory signal to the pressure controller
func (l *Layer) OnLowMemory() {
	l.controller.OnLowMemory()
}

// OnNavigate records a navigation event for predictive preloading
func (l *Layer) OnNavigate(dest string) {
	l.preloader.OnNavigate(dest)
}

// OnScreenActive opportunistically preloads the top frequency-ranked
// entities. Call when the list or screen that displays them becomes active.
func (l *Layer) OnScreenActive() {
	l.preloader.PreloadTopEntities()
}

// Snapshot returns the read-only diagnostics view with fresh cache figures
func (l *Layer) Snapshot() metrics.Snapshot {
	l.publishCacheStats()
	return l.collector.Snapshot()
}

// ResponseCache returns the response cache
func (l *Layer) ResponseCache() *cache.ResponseCache { return l.responseCache }

// ImageCache returns the image cache
func (l *Layer) ImageCache() *cache.ImageCache { return l.imageCache }

// Virtualizer returns the viewport virtualizer
func (l *Layer) Virtualizer() *viewport.Virtualizer { return l.virtualizer }

// Preloader returns the predictive preloader
func (l *Layer) Preloader() *preload.Preloader { return l.preloader }

// Monitor returns the network condition monitor
func (l *Layer) Monitor() *network.Monitor { return l.monitor }

// MemoryController returns the memory pressure controller
func (l *Layer) MemoryController() *memory.Controller { return l.controller }

// Pool returns the payload buffer pool
func (l *Layer) Pool() *buffer.Pool { return l.pool }

// preloadImage fetches an image ahead of need and caches it. Already cached
// images are skipped without counting an access.
func (l *Layer) preloadImage(imageKey string, priority types.Priority) {
	if l.imageCache.Contains(imageKey) {
		return
	}

	future, err := l.batcher.Submit(imageKey, nil, priority)
	if err != nil {
		l.logger.Debug("image preload rejected",
			zap.String("key", imageKey),
			zap.Error(err))
		return
	}

	go func() {
		data, err := future.Wait(context.Background())
		if err != nil {
			return
		}
		l.imageCache.StoreImage(imageKey, types.Blob{Data: data},
			l.monitor.Level().DefaultTTL, types.ImportanceNormal)
	}()
}

func (l *Layer) statsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.publishCacheStats()
		}
	}
}

func (l *Layer) publishCacheStats() {
	l.collector.ObserveCacheStats("response", l.responseCache.Stats())
	l.collector.ObserveCacheStats("image", l.imageCache.Stats())
}

// newLogger builds a production zap logger at the configured level
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
