package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/perflayer/perflayer/pkg/errors"
	"github.com/perflayer/perflayer/pkg/retry"
	"github.com/perflayer/perflayer/pkg/types"
)

// ResponseCacheConfig configures a ResponseCache
type ResponseCacheConfig struct {
	// MaxBytes is the byte budget across all cached responses.
	MaxBytes int64 `yaml:"max_bytes"`

	// SweepInterval is how often expired entries are proactively removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EvictionHeadroom overrides the default trim target.
	EvictionHeadroom float64 `yaml:"eviction_headroom"`
}

// ResponseCache wraps the base store with a stale-while-revalidate protocol.
// TTL and stale window come from the active optimization profile, which the
// network condition monitor swaps wholesale. Entries already stored keep the
// TTL they were written with; a profile swap is forward-looking only.
type ResponseCache struct {
	store *Store[[]byte]

	// level is the active optimization profile. Swapped atomically so a
	// reader never observes a torn profile.
	level atomic.Pointer[types.OptimizationLevel]

	// offline short-circuits synchronous fetches and suppresses background
	// revalidation. Set by the network condition monitor.
	offline atomic.Bool

	// inflight dedupes background revalidations per key.
	mu       sync.Mutex
	inflight map[string]struct{}

	retryer *retry.Retryer
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewResponseCache creates a response cache with the given budget and an
// initial optimization profile.
func NewResponseCache(config *ResponseCacheConfig, level types.OptimizationLevel, logger *zap.Logger) *ResponseCache {
	if config == nil {
		config = &ResponseCacheConfig{
			MaxBytes:      64 * 1024 * 1024,
			SweepInterval: 60 * time.Second,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store := NewStore[[]byte](&StoreConfig{
		MaxSize:          config.MaxBytes,
		SweepInterval:    config.SweepInterval,
		EvictionHeadroom: config.EvictionHeadroom,
	}, func(b []byte) int64 { return int64(len(b)) }, logger.Named("response_cache"))

	c := &ResponseCache{
		store:    store,
		inflight: make(map[string]struct{}),
		retryer:  retry.New(retry.DefaultConfig()),
		logger:   logger.Named("response_cache"),
	}
	c.level.Store(&level)
	return c
}

// Reconfigure swaps the active optimization profile. Existing entries keep
// their original TTL; only future inserts pick up the new strategy.
func (c *ResponseCache) Reconfigure(level types.OptimizationLevel) {
	c.level.Store(&level)
	c.logger.Debug("cache strategy reconfigured",
		zap.String("mode", string(level.Mode)),
		zap.Duration("default_ttl", level.DefaultTTL),
		zap.Duration("stale_window", level.StaleWindow))
}

// SetOffline records the connectivity state for fetch short-circuiting
func (c *ResponseCache) SetOffline(offline bool) {
	c.offline.Store(offline)
}

// Level returns the active optimization profile
func (c *ResponseCache) Level() types.OptimizationLevel {
	return *c.level.Load()
}

// Put caches a response under key with the active profile's default TTL
func (c *ResponseCache) Put(key string, data []byte, importance types.Importance) {
	c.store.Store(key, data, c.level.Load().DefaultTTL, importance)
}

// PutWithTTL caches a response with an explicit TTL
func (c *ResponseCache) PutWithTTL(key string, data []byte, ttl time.Duration, importance types.Importance) {
	c.store.Store(key, data, ttl, importance)
}

// GetCached returns the cached response unless expired. Expired entries are
// misses; staleness alone never hides a value.
func (c *ResponseCache) GetCached(key string) ([]byte, bool) {
	return c.store.Retrieve(key)
}

// ShouldRevalidate reports whether the entry for key is past its stale
// threshold. The entry's own TTL defines the threshold so a profile swap
// never retroactively re-ages stored entries.
func (c *ResponseCache) ShouldRevalidate(key string) bool {
	createdAt, _, ttl, _, ok := c.store.peek(key)
	if !ok {
		return false
	}
	return c.store.clock().Sub(createdAt) > staleThreshold(ttl)
}

// GetOrFetch is the stale-while-revalidate entry point.
//
// Fresh hit: returns the cached value. Stale hit: returns the cached value
// immediately and refreshes it in the background, so caller latency is
// bounded by the lookup, never by a network round trip. Miss or expired:
// fetches synchronously, unless offline, in which case the caller gets an
// OFFLINE error and is expected to render an explicit offline state.
func (c *ResponseCache) GetOrFetch(ctx context.Context, key string, importance types.Importance, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.store.Retrieve(key); ok {
		if c.ShouldRevalidate(key) && !c.offline.Load() {
			c.revalidate(key, importance, fetch)
		}
		return data, nil
	}

	if c.offline.Load() {
		return nil, errors.Offline("no cached response for key").
			WithComponent("response_cache").
			WithOperation("get_or_fetch").
			WithContext("key", key)
	}

	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(key, data, importance)
	return data, nil
}

// revalidate refreshes key in the background, at most once per key at a
// time. Failures are swallowed and logged; the caller already has a valid
// value and must never see a revalidation error.
func (c *ResponseCache) revalidate(key string, importance types.Importance, fetch func(context.Context) ([]byte, error)) {
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()

		err := c.retryer.DoWithContext(context.Background(), func(ctx context.Context) error {
			data, err := fetch(ctx)
			if err != nil {
				return err
			}
			c.Put(key, data, importance)
			return nil
		})
		if err != nil {
			c.logger.Warn("background revalidation failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}()
}

// InvalidatePastStale removes every entry past its stale threshold, forcing
// a miss on next read. Driven by the memory pressure controller.
func (c *ResponseCache) InvalidatePastStale() int {
	now := c.store.clock()
	removed := c.store.removeWhere(func(key string, createdAt, lastAccessed time.Time, ttl time.Duration, accessCount int64) bool {
		return now.Sub(createdAt) > staleThreshold(ttl)
	})
	if removed > 0 {
		c.logger.Info("invalidated stale responses", zap.Int("removed", removed))
	}
	return removed
}

// Remove deletes the response for key if present
func (c *ResponseCache) Remove(key string) {
	c.store.Remove(key)
}

// ClearAll drops every cached response
func (c *ResponseCache) ClearAll() {
	c.store.Clear()
}

// Stats returns a snapshot of cache statistics
func (c *ResponseCache) Stats() types.CacheStats {
	return c.store.Stats()
}

// Close waits out background revalidations and stops the sweeper
func (c *ResponseCache) Close() {
	c.wg.Wait()
	c.store.Close()
}

// staleThreshold is half the TTL. Entries past it are served while a
// background refresh runs; entries past the full TTL are misses.
func staleThreshold(ttl time.Duration) time.Duration {
	return ttl / 2
}
