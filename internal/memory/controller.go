// Package memory implements pressure monitoring: periodic usage sampling,
// tier classification against a byte budget, and the fixed-order cleanup
// cascade fanned out across the layer's caches and trackers.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perflayer/perflayer/internal/metrics"
	"github.com/perflayer/perflayer/pkg/types"
)

// Config represents memory pressure controller tuning
type Config struct {
	// Budget is the app-specific memory budget pressure is measured
	// against.
	Budget uint64 `yaml:"budget"`

	// SampleInterval is how often usage is sampled.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// CleanupTargets are the cascade's downstream actions, in escalation order.
// Cheapest and least visible first; later steps can cause refetch stalls.
// Nil members are skipped.
type CleanupTargets struct {
	// ImageWarning drops images not accessed recently.
	ImageWarning func() int

	// InvalidateStale forces misses for responses already past their
	// stale threshold.
	InvalidateStale func() int

	// CancelPreloads cancels not-yet-dispatched preload requests.
	CancelPreloads func() int

	// VirtualizerCleanup unregisters aged invisible item records.
	VirtualizerCleanup func(aggressive bool) int

	// Compactors truncate bulk in-memory collections.
	Compactors []func()
}

// Controller samples memory usage, classifies the pressure tier, and drives
// the fixed-order cleanup cascade on tier changes and low-memory signals.
type Controller struct {
	config  Config
	probe   Probe
	targets CleanupTargets
	metrics *metrics.Collector
	logger  *zap.Logger

	mu          sync.Mutex
	stats       types.MemoryStats
	subscribers []chan types.MemoryStats

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	// clock is swapped in tests.
	clock func() time.Time
}

// NewController creates a memory pressure controller
func NewController(config Config, probe Probe, targets CleanupTargets, collector *metrics.Collector, logger *zap.Logger) *Controller {
	if config.Budget == 0 {
		config.Budget = 256 * 1024 * 1024
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = 10 * time.Second
	}
	if probe == nil {
		probe = RuntimeProbe{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		config:  config,
		probe:   probe,
		targets: targets,
		metrics: collector,
		logger:  logger.Named("memory_controller"),
		stopCh:  make(chan struct{}),
		clock:   time.Now,
	}
}

// Start launches the periodic sampler
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.config.SampleInterval)
		defer ticker.Stop()

		c.SampleNow()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.SampleNow()
			}
		}
	}()
}

// Stop halts the sampler
func (c *Controller) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// SampleNow takes one sample immediately, outside the periodic schedule.
// The viewport virtualizer calls this during natural scroll pauses so
// pressure reacts faster than the sampling interval.
func (c *Controller) SampleNow() types.MemoryStats {
	totalUsed, appSpecific := c.probe.Sample()

	stats := types.MemoryStats{
		TotalUsed:   totalUsed,
		AppSpecific: appSpecific,
		Budget:      c.config.Budget,
		Tier:        classifyTier(float64(appSpecific) / float64(c.config.Budget)),
		Timestamp:   c.clock(),
	}

	c.mu.Lock()
	prev := c.stats.Tier
	first := c.stats.Timestamp.IsZero()
	c.stats = stats
	subscribers := append([]chan types.MemoryStats(nil), c.subscribers...)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveMemory(stats)
	}

	if !first && stats.Tier != prev {
		c.logger.Info("memory pressure tier change",
			zap.String("from", prev.String()),
			zap.String("to", stats.Tier.String()),
			zap.Float64("used_fraction", stats.UsedFraction()))
		c.runCascade(stats.Tier)
	}

	for _, ch := range subscribers {
		select {
		case ch <- stats:
		default:
		}
	}
	return stats
}

// OnLowMemory handles an external low-memory signal: resample and run the
// full cascade unconditionally.
func (c *Controller) OnLowMemory() {
	stats := c.SampleNow()
	c.logger.Warn("external low-memory signal",
		zap.String("tier", stats.Tier.String()),
		zap.Float64("used_fraction", stats.UsedFraction()))
	c.runCascade(stats.Tier)
}

// Tier returns the last classified pressure tier
func (c *Controller) Tier() types.PressureTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Tier
}

// Stats returns the last sampled memory statistics
func (c *Controller) Stats() types.MemoryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Subscribe returns a channel receiving every sample. Slow subscribers drop
// samples rather than stalling the controller.
func (c *Controller) Subscribe() <-chan types.MemoryStats {
	ch := make(chan types.MemoryStats, 8)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// runCascade executes the cleanup steps in fixed escalation order
func (c *Controller) runCascade(tier types.PressureTier) {
	aggressive := tier >= types.TierHigh

	if c.targets.ImageWarning != nil {
		removed := c.targets.ImageWarning()
		c.logger.Debug("cascade: image cache trimmed", zap.Int("removed", removed))
	}
	if c.targets.InvalidateStale != nil {
		removed := c.targets.InvalidateStale()
		c.logger.Debug("cascade: stale responses invalidated", zap.Int("removed", removed))
	}
	if c.targets.CancelPreloads != nil {
		canceled := c.targets.CancelPreloads()
		c.logger.Debug("cascade: preloads cancelled", zap.Int("canceled", canceled))
	}
	if c.targets.VirtualizerCleanup != nil {
		removed := c.targets.VirtualizerCleanup(aggressive)
		c.logger.Debug("cascade: item records cleaned",
			zap.Int("removed", removed),
			zap.Bool("aggressive", aggressive))
	}
	for _, compact := range c.targets.Compactors {
		compact()
	}
}

// classifyTier maps a used-budget fraction to its pressure tier
func classifyTier(fraction float64) types.PressureTier {
	switch {
	case fraction < 0.70:
		return types.TierNormal
	case fraction <= 0.85:
		return types.TierModerate
	case fraction <= 0.95:
		return types.TierHigh
	default:
		return types.TierCritical
	}
}
