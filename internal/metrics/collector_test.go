package metrics

import (
	"testing"
	"time"

	"github.com/perflayer/perflayer/pkg/types"
)

func newTestCollector(t *testing.T, enabled bool) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: enabled, Namespace: "test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSnapshotAggregates(t *testing.T) {
	c := newTestCollector(t, true)

	c.RecordRequest("success", 20*time.Millisecond)
	c.RecordRequest("TIMEOUT", 50*time.Millisecond)
	c.RecordBytesSent(96)
	c.RecordBytesReceived(2048)
	c.RecordBatchDispatch(2)
	c.RecordPreloadIssued()
	c.ObserveCacheStats("response", types.CacheStats{Hits: 3, Misses: 1, Size: 512})
	c.ObserveMemory(types.MemoryStats{Tier: types.TierModerate, AppSpecific: 1024})

	snapshot := c.Snapshot()

	if snapshot.RequestsTotal != 2 {
		t.Errorf("requests total = %d", snapshot.RequestsTotal)
	}
	if snapshot.BatchesDispatched != 1 {
		t.Errorf("batches = %d", snapshot.BatchesDispatched)
	}
	if snapshot.PreloadsIssued != 1 {
		t.Errorf("preloads = %d", snapshot.PreloadsIssued)
	}
	if snapshot.PressureTier != types.TierModerate {
		t.Errorf("tier = %s", snapshot.PressureTier)
	}
	if got := snapshot.CacheStats["response"]; got.Hits != 3 || got.Size != 512 {
		t.Errorf("cache stats = %+v", got)
	}
	if snapshot.RequestsPerMinute != 2 {
		t.Errorf("requests/minute = %f", snapshot.RequestsPerMinute)
	}
	if snapshot.BytesSent != 96 {
		t.Errorf("bytes sent = %d", snapshot.BytesSent)
	}
	if snapshot.BytesReceived != 2048 {
		t.Errorf("bytes received = %d", snapshot.BytesReceived)
	}
	if snapshot.ErrorRate != 0.5 {
		t.Errorf("error rate = %f", snapshot.ErrorRate)
	}
	if snapshot.AvgLatency != 35*time.Millisecond {
		t.Errorf("avg latency = %s", snapshot.AvgLatency)
	}
}

func TestCacheStatsDeltaAdvancesCounters(t *testing.T) {
	c := newTestCollector(t, true)

	c.ObserveCacheStats("image", types.CacheStats{Hits: 5})
	// Second observation with a higher cumulative figure must not panic on
	// the counter delta and must retain the latest snapshot.
	c.ObserveCacheStats("image", types.CacheStats{Hits: 9})

	if got := c.Snapshot().CacheStats["image"].Hits; got != 9 {
		t.Errorf("latest hits = %d", got)
	}
}

func TestDisabledCollectorStillSnapshots(t *testing.T) {
	c := newTestCollector(t, false)

	c.RecordRequest("success", time.Millisecond)
	c.ObserveCacheStats("response", types.CacheStats{Hits: 1})
	c.ObserveMemory(types.MemoryStats{Tier: types.TierHigh})

	snapshot := c.Snapshot()
	if snapshot.RequestsTotal != 0 {
		t.Errorf("disabled collector should not count requests, got %d", snapshot.RequestsTotal)
	}
	if snapshot.PressureTier != types.TierHigh {
		t.Errorf("tier should still be tracked, got %s", snapshot.PressureTier)
	}
	if _, ok := snapshot.CacheStats["response"]; !ok {
		t.Error("cache snapshot should still be tracked when export is disabled")
	}
}

func TestRequestWindowPrunes(t *testing.T) {
	c := newTestCollector(t, true)

	c.mu.Lock()
	c.requestTimes = []time.Time{
		time.Now().Add(-2 * time.Minute),
		time.Now().Add(-30 * time.Second),
		time.Now(),
	}
	c.mu.Unlock()

	if got := c.Snapshot().RequestsPerMinute; got != 2 {
		t.Errorf("requests/minute = %f, want 2", got)
	}
}
