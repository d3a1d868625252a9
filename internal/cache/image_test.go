package cache

import (
	"testing"
	"time"

	"github.com/perflayer/perflayer/pkg/types"
)

func newTestImageCache(maxBytes int64) (*ImageCache, *fakeClock) {
	c := NewImageCache(&ImageCacheConfig{
		MaxBytes:         maxBytes,
		GracePeriod:      30 * time.Second,
		MinAccessCount:   3,
		WarningRetention: 10 * time.Second,
	}, nil)
	clock := newFakeClock()
	c.store.setClock(clock.Now)
	return c, clock
}

func blobOf(n int) types.Blob {
	return types.Blob{Data: make([]byte, n)}
}

func TestImageCacheSizeCharge(t *testing.T) {
	c, _ := newTestImageCache(1 << 20)
	defer c.Close()

	// Dimensioned blobs are charged width x height x bytes-per-pixel,
	// not encoded length.
	c.StoreImage("decoded", types.Blob{
		Data: make([]byte, 10), Width: 100, Height: 50, BytesPerPixel: 4,
	}, time.Minute, types.ImportanceNormal)

	if size := c.Size(); size != 100*50*4 {
		t.Errorf("expected decoded size charge 20000, got %d", size)
	}

	c.ClearAll()
	c.StoreImage("encoded", blobOf(512), time.Minute, types.ImportanceNormal)
	if size := c.Size(); size != 512 {
		t.Errorf("expected encoded length charge 512, got %d", size)
	}
}

func TestImageCacheEvictIfNotRecentlyUsed(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		accesses  int
		wantEvict bool
	}{
		{"within grace period", 10 * time.Second, 0, false},
		{"past grace, rarely accessed", time.Minute, 1, true},
		{"past grace, frequently accessed", time.Minute, 5, false},
		{"exactly at grace boundary", 30 * time.Second, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clock := newTestImageCache(1 << 20)
			defer c.Close()

			c.StoreImage("img", blobOf(100), time.Hour, types.ImportanceNormal)
			for i := 0; i < tt.accesses; i++ {
				c.RetrieveImage("img")
			}
			clock.Advance(tt.age)

			if got := c.EvictIfNotRecentlyUsed("img"); got != tt.wantEvict {
				t.Errorf("EvictIfNotRecentlyUsed = %v, want %v", got, tt.wantEvict)
			}
			if c.Contains("img") == tt.wantEvict {
				t.Errorf("presence after eviction call = %v", c.Contains("img"))
			}
		})
	}
}

func TestImageCacheGracePeriodFollowsLastAccess(t *testing.T) {
	c, clock := newTestImageCache(1 << 20)
	defer c.Close()

	c.StoreImage("img", blobOf(100), time.Hour, types.ImportanceNormal)

	// Old entry, but accessed a moment ago: still inside the grace window.
	clock.Advance(time.Minute)
	c.RetrieveImage("img")
	clock.Advance(time.Second)

	if c.EvictIfNotRecentlyUsed("img") {
		t.Error("image accessed within the grace period should survive scrolling out of view")
	}
	if !c.Contains("img") {
		t.Error("image should still be cached")
	}

	// Once the last access ages past the grace period the rarely-accessed
	// image becomes evictable.
	clock.Advance(time.Minute)
	if !c.EvictIfNotRecentlyUsed("img") {
		t.Error("image idle past the grace period with few accesses should be evicted")
	}
}

func TestImageCacheEvictMissingKey(t *testing.T) {
	c, _ := newTestImageCache(1 << 20)
	defer c.Close()

	if c.EvictIfNotRecentlyUsed("absent") {
		t.Error("evicting an absent key should report false")
	}
}

func TestImageCacheOnMemoryWarning(t *testing.T) {
	c, clock := newTestImageCache(1 << 20)
	defer c.Close()

	c.StoreImage("old", blobOf(100), time.Hour, types.ImportanceCritical)
	clock.Advance(time.Minute)

	c.StoreImage("recent", blobOf(100), time.Hour, types.ImportanceLow)

	// Importance does not protect entries on a memory warning; only the
	// recent-access window does.
	if removed := c.OnMemoryWarning(); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if c.Contains("old") {
		t.Error("old entry should be dropped on memory warning")
	}
	if !c.Contains("recent") {
		t.Error("recently stored entry should be retained")
	}
}

func TestImageCacheBudgetEviction(t *testing.T) {
	c, _ := newTestImageCache(1000)
	defer c.Close()

	c.StoreImage("a", blobOf(400), time.Minute, types.ImportanceNormal)
	c.StoreImage("b", blobOf(400), time.Minute, types.ImportanceNormal)
	c.StoreImage("c", blobOf(400), time.Minute, types.ImportanceNormal)

	if size := c.Size(); size > 1000 {
		t.Errorf("budget exceeded: %d", size)
	}
}
