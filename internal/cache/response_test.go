package cache

import (
	"context"
	stderr "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perflayer/perflayer/pkg/errors"
	"github.com/perflayer/perflayer/pkg/types"
)

func balancedLevel() types.OptimizationLevel {
	return types.OptimizationLevel{
		Mode:                  types.ModeBalanced,
		MaxConcurrentRequests: 6,
		BatchingDelay:         100 * time.Millisecond,
		DefaultTTL:            5 * time.Minute,
		StaleWindow:           150 * time.Second,
	}
}

func newTestResponseCache() (*ResponseCache, *fakeClock) {
	c := NewResponseCache(&ResponseCacheConfig{MaxBytes: 1 << 20}, balancedLevel(), nil)
	clock := newFakeClock()
	c.store.setClock(clock.Now)
	return c, clock
}

func TestResponseCacheFreshHit(t *testing.T) {
	c, _ := newTestResponseCache()
	defer c.Close()

	c.Put("key1", []byte("payload"), types.ImportanceNormal)

	got, ok := c.GetCached("key1")
	if !ok || string(got) != "payload" {
		t.Fatalf("expected fresh hit, got %q ok=%v", got, ok)
	}
	if c.ShouldRevalidate("key1") {
		t.Error("fresh entry should not need revalidation")
	}
}

func TestResponseCacheStaleThreshold(t *testing.T) {
	c, clock := newTestResponseCache()
	defer c.Close()

	// Balanced TTL is 5m, so the stale threshold is 2m30s.
	c.Put("key1", []byte("payload"), types.ImportanceNormal)

	clock.Advance(2 * time.Minute)
	if c.ShouldRevalidate("key1") {
		t.Error("entry under half TTL should not be stale")
	}

	clock.Advance(time.Minute)
	if !c.ShouldRevalidate("key1") {
		t.Error("entry past half TTL should be stale")
	}
	if _, ok := c.GetCached("key1"); !ok {
		t.Error("stale entry must still serve")
	}

	clock.Advance(3 * time.Minute)
	if _, ok := c.GetCached("key1"); ok {
		t.Error("expired entry must miss")
	}
}

func TestResponseCacheStaleServesAndRevalidates(t *testing.T) {
	c, clock := newTestResponseCache()
	defer c.Close()

	c.Put("key1", []byte("old"), types.ImportanceNormal)
	clock.Advance(3 * time.Minute)

	fetched := make(chan struct{})
	data, err := c.GetOrFetch(context.Background(), "key1", types.ImportanceNormal,
		func(ctx context.Context) ([]byte, error) {
			close(fetched)
			return []byte("new"), nil
		})
	if err != nil {
		t.Fatalf("stale hit returned error: %v", err)
	}
	if string(data) != "old" {
		t.Errorf("stale hit must serve the cached value, got %q", data)
	}

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("background revalidation never fired")
	}

	c.wg.Wait()
	if got, ok := c.GetCached("key1"); !ok || string(got) != "new" {
		t.Errorf("revalidation should refresh the entry, got %q ok=%v", got, ok)
	}
}

func TestResponseCacheRevalidationFailureIsSwallowed(t *testing.T) {
	c, clock := newTestResponseCache()
	defer c.Close()

	c.Put("key1", []byte("old"), types.ImportanceNormal)
	clock.Advance(3 * time.Minute)

	data, err := c.GetOrFetch(context.Background(), "key1", types.ImportanceNormal,
		func(ctx context.Context) ([]byte, error) {
			return nil, errors.ServerError(503, "upstream down")
		})
	if err != nil {
		t.Fatalf("caller must never see a revalidation error, got %v", err)
	}
	if string(data) != "old" {
		t.Errorf("expected the stale value, got %q", data)
	}

	c.wg.Wait()
	if got, ok := c.GetCached("key1"); !ok || string(got) != "old" {
		t.Error("failed revalidation must not disturb the cached value")
	}
}

func TestResponseCacheRevalidationDeduped(t *testing.T) {
	c, clock := newTestResponseCache()
	defer c.Close()

	c.Put("key1", []byte("old"), types.ImportanceNormal)
	clock.Advance(3 * time.Minute)

	var fetches atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches.Add(1)
		<-release
		return []byte("new"), nil
	}

	for i := 0; i < 5; i++ {
		if _, err := c.GetOrFetch(context.Background(), "key1", types.ImportanceNormal, fetch); err != nil {
			t.Fatal(err)
		}
	}
	close(release)
	c.wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("expected a single deduped revalidation, got %d", n)
	}
}

func TestResponseCacheOfflineMiss(t *testing.T) {
	c, _ := newTestResponseCache()
	defer c.Close()

	c.SetOffline(true)

	_, err := c.GetOrFetch(context.Background(), "absent", types.ImportanceNormal,
		func(ctx context.Context) ([]byte, error) {
			t.Fatal("fetch must not run while offline")
			return nil, nil
		})

	var layerErr *errors.LayerError
	if !stderr.As(err, &layerErr) || layerErr.Code != errors.ErrCodeOffline {
		t.Fatalf("expected OFFLINE error, got %v", err)
	}
}

func TestResponseCacheOfflineServesCache(t *testing.T) {
	c, clock := newTestResponseCache()
	defer c.Close()

	c.Put("key1", []byte("payload"), types.ImportanceNormal)
	c.SetOffline(true)
	clock.Advance(3 * time.Minute)

	// Stale but cached while offline: serve without error, no refresh.
	data, err := c.GetOrFetch(context.Background(), "key1", types.ImportanceNormal,
		func(ctx context.Context) ([]byte, error) {
			t.Error("fetch must not run while offline")
			return nil, nil
		})
	if err != nil {
		t.Fatalf("cached value must serve without error offline, got %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("expected cached payload, got %q", data)
	}
}

func TestResponseCacheMissFetchesSynchronously(t *testing.T) {
	c, _ := newTestResponseCache()
	defer c.Close()

	data, err := c.GetOrFetch(context.Background(), "key1", types.ImportanceNormal,
		func(ctx context.Context) ([]byte, error) {
			return []byte("fetched"), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fetched" {
		t.Errorf("expected fetched payload, got %q", data)
	}
	if got, ok := c.GetCached("key1"); !ok || string(got) != "fetched" {
		t.Error("synchronous fetch result should be cached")
	}
}

func TestResponseCacheInvalidatePastStale(t *testing.T) {
	c, clock := newTestResponseCache()
	defer c.Close()

	c.Put("stale", []byte("a"), types.ImportanceNormal)
	clock.Advance(3 * time.Minute)
	c.Put("fresh", []byte("b"), types.ImportanceNormal)

	if removed := c.InvalidatePastStale(); removed != 1 {
		t.Errorf("expected 1 invalidated entry, got %d", removed)
	}
	if _, ok := c.GetCached("stale"); ok {
		t.Error("stale entry should be invalidated")
	}
	if _, ok := c.GetCached("fresh"); !ok {
		t.Error("fresh entry should survive")
	}
}

func TestResponseCacheReconfigureForwardLooking(t *testing.T) {
	c, clock := newTestResponseCache()
	defer c.Close()

	c.Put("before", []byte("a"), types.ImportanceNormal)

	c.Reconfigure(types.OptimizationLevel{
		Mode:                  types.ModeConservative,
		MaxConcurrentRequests: 3,
		BatchingDelay:         250 * time.Millisecond,
		DefaultTTL:            time.Minute,
		StaleWindow:           30 * time.Second,
	})
	c.Put("after", []byte("b"), types.ImportanceNormal)

	// Past the new TTL but within the old one: the earlier entry keeps
	// its original lifetime, the later one expires.
	clock.Advance(2 * time.Minute)

	if _, ok := c.GetCached("before"); !ok {
		t.Error("entry stored under old profile keeps its original TTL")
	}
	if _, ok := c.GetCached("after"); ok {
		t.Error("entry stored under new profile should be expired")
	}
}
