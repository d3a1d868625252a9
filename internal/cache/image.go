package cache

import (
	"time"

	"go.uber.org/zap"

	"github.com/perflayer/perflayer/pkg/types"
)

// ImageCacheConfig configures an ImageCache
type ImageCacheConfig struct {
	// MaxBytes is the byte budget across all cached images.
	MaxBytes int64 `yaml:"max_bytes"`

	// SweepInterval is how often expired images are proactively removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EvictionHeadroom overrides the default trim target.
	EvictionHeadroom float64 `yaml:"eviction_headroom"`

	// GracePeriod protects freshly stored images from opportunistic
	// eviction during fast scrolling.
	GracePeriod time.Duration `yaml:"grace_period"`

	// MinAccessCount is the access threshold below which an off-screen
	// image past its grace period is considered evictable.
	MinAccessCount int64 `yaml:"min_access_count"`

	// WarningRetention is the recent-access window kept on a memory
	// warning. Everything accessed earlier is dropped.
	WarningRetention time.Duration `yaml:"warning_retention"`
}

// ImageCache is a byte-budgeted cache for decoded image payloads. It extends
// the base store with the opportunistic eviction paths the viewport
// virtualizer and the memory pressure controller drive.
type ImageCache struct {
	store *Store[types.Blob]

	gracePeriod      time.Duration
	minAccessCount   int64
	warningRetention time.Duration

	logger *zap.Logger
}

// NewImageCache creates an image cache with the given budget and tuning
func NewImageCache(config *ImageCacheConfig, logger *zap.Logger) *ImageCache {
	if config == nil {
		config = &ImageCacheConfig{
			MaxBytes:         128 * 1024 * 1024,
			SweepInterval:    60 * time.Second,
			GracePeriod:      30 * time.Second,
			MinAccessCount:   3,
			WarningRetention: 10 * time.Second,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store := NewStore[types.Blob](&StoreConfig{
		MaxSize:          config.MaxBytes,
		SweepInterval:    config.SweepInterval,
		EvictionHeadroom: config.EvictionHeadroom,
	}, func(b types.Blob) int64 { return b.SizeEstimate() }, logger.Named("image_cache"))

	return &ImageCache{
		store:            store,
		gracePeriod:      config.GracePeriod,
		minAccessCount:   config.MinAccessCount,
		warningRetention: config.WarningRetention,
		logger:           logger.Named("image_cache"),
	}
}

// StoreImage caches an image under key. Dimensions on the blob refine the
// size charge; a zero-dimension blob is charged its encoded length.
func (c *ImageCache) StoreImage(key string, blob types.Blob, ttl time.Duration, importance types.Importance) {
	c.store.Store(key, blob, ttl, importance)
}

// RetrieveImage returns the cached image for key, counting the access
func (c *ImageCache) RetrieveImage(key string) (types.Blob, bool) {
	return c.store.Retrieve(key)
}

// Remove deletes the image for key if present
func (c *ImageCache) Remove(key string) {
	c.store.Remove(key)
}

// Contains reports whether key is cached without counting an access
func (c *ImageCache) Contains(key string) bool {
	_, _, _, _, ok := c.store.peek(key)
	return ok
}

// EvictIfNotRecentlyUsed drops the image for key when it is past its grace
// period and was rarely accessed. The virtualizer calls this for items that
// scrolled out of the buffered window; the grace period tolerates fast
// back-and-forth scrolling.
func (c *ImageCache) EvictIfNotRecentlyUsed(key string) bool {
	_, lastAccessed, _, accessCount, ok := c.store.peek(key)
	if !ok {
		return false
	}

	now := c.store.clock()
	if now.Sub(lastAccessed) <= c.gracePeriod {
		return false
	}
	if accessCount >= c.minAccessCount {
		return false
	}

	c.store.Remove(key)
	c.logger.Debug("evicted cold off-screen image",
		zap.String("key", key),
		zap.Int64("access_count", accessCount))
	return true
}

// OnMemoryWarning drops every image not accessed within the retention
// window. First step of the memory pressure controller's cleanup cascade.
func (c *ImageCache) OnMemoryWarning() int {
	cutoff := c.store.clock().Add(-c.warningRetention)

	removed := c.store.removeWhere(func(key string, createdAt, lastAccessed time.Time, ttl time.Duration, accessCount int64) bool {
		return lastAccessed.Before(cutoff)
	})

	if removed > 0 {
		c.logger.Info("trimmed image cache on memory warning",
			zap.Int("removed", removed),
			zap.Int64("remaining_bytes", c.store.Size()))
	}
	return removed
}

// ClearAll drops every cached image
func (c *ImageCache) ClearAll() {
	c.store.Clear()
}

// Size returns the current tracked byte total
func (c *ImageCache) Size() int64 {
	return c.store.Size()
}

// Stats returns a snapshot of cache statistics
func (c *ImageCache) Stats() types.CacheStats {
	return c.store.Stats()
}

// Close stops the background sweeper
func (c *ImageCache) Close() {
	c.store.Close()
}
