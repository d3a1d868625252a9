package viewport

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/perflayer/perflayer/pkg/types"
)

type recordingHooks struct {
	mu        sync.Mutex
	preloads  []string
	evictions []string
	optimizes int
}

func (h *recordingHooks) hooks() Hooks {
	return Hooks{
		Preload: func(key string, priority types.Priority) {
			h.mu.Lock()
			h.preloads = append(h.preloads, key)
			h.mu.Unlock()
		},
		EvictImage: func(key string) bool {
			h.mu.Lock()
			h.evictions = append(h.evictions, key)
			h.mu.Unlock()
			return true
		},
		Optimize: func() {
			h.mu.Lock()
			h.optimizes++
			h.mu.Unlock()
		},
	}
}

func (h *recordingHooks) preloaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.preloads...)
}

func (h *recordingHooks) evicted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.evictions...)
}

func testConfig() Config {
	return Config{
		BufferSize:           2,
		EvictDelay:           20 * time.Millisecond,
		OptimizeEvery:        20,
		CleanupAge:           5 * time.Minute,
		AggressiveCleanupAge: time.Minute,
		PlaceholderSize:      256,
	}
}

func registerRange(v *Virtualizer, n int) {
	for i := 0; i < n; i++ {
		v.RegisterView(i, fmt.Sprintf("item-%d", i), fmt.Sprintf("img-%d", i))
	}
}

func TestVirtualizerPreloadsBufferWindow(t *testing.T) {
	h := &recordingHooks{}
	v := New(testConfig(), h.hooks(), nil)
	defer v.Close()

	registerRange(v, 20)
	v.SetVisibleRange(5, 7)

	// Buffer of 2 around [5,7] covers indexes 3 through 9.
	want := map[string]bool{}
	for i := 3; i <= 9; i++ {
		want[fmt.Sprintf("img-%d", i)] = true
	}

	got := h.preloaded()
	if len(got) != len(want) {
		t.Fatalf("expected %d preloads, got %v", len(want), got)
	}
	for _, key := range got {
		if !want[key] {
			t.Errorf("unexpected preload %s", key)
		}
	}
}

func TestVirtualizerDelayedEviction(t *testing.T) {
	h := &recordingHooks{}
	v := New(testConfig(), h.hooks(), nil)
	defer v.Close()

	registerRange(v, 10)
	v.SetVisibleRange(0, 2)
	v.SetVisibleRange(5, 7)

	if n := len(h.evicted()); n != 0 {
		t.Fatalf("eviction must wait out the delay, got %d immediate evictions", n)
	}

	time.Sleep(60 * time.Millisecond)

	got := h.evicted()
	want := map[string]bool{"img-0": true, "img-1": true, "img-2": true}
	if len(got) != len(want) {
		t.Fatalf("expected evictions for items 0-2, got %v", got)
	}
	for _, key := range got {
		if !want[key] {
			t.Errorf("unexpected eviction %s", key)
		}
	}
}

func TestVirtualizerReappearanceCancelsEviction(t *testing.T) {
	h := &recordingHooks{}
	v := New(testConfig(), h.hooks(), nil)
	defer v.Close()

	registerRange(v, 10)
	v.SetVisibleRange(0, 2)
	v.SetVisibleRange(5, 7)
	// Scroll back before the eviction delay elapses.
	v.SetVisibleRange(0, 2)

	time.Sleep(60 * time.Millisecond)

	for _, key := range h.evicted() {
		if key == "img-0" || key == "img-1" || key == "img-2" {
			t.Errorf("reappeared item %s must not be evicted", key)
		}
	}
}

func TestVirtualizerConcurrentRangeUpdates(t *testing.T) {
	h := &recordingHooks{}
	config := testConfig()
	config.EvictDelay = time.Millisecond
	v := New(config, h.hooks(), nil)
	defer v.Close()

	registerRange(v, 50)

	// Scroll from many goroutines at once; eviction scheduling must see a
	// consistent epoch for each departure.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				start := (g*7 + i) % 40
				v.SetVisibleRange(start, start+5)
			}
		}(g)
	}
	wg.Wait()

	time.Sleep(20 * time.Millisecond)

	if v.TrackedCount() != 50 {
		t.Errorf("tracked records lost during concurrent scrolling: %d", v.TrackedCount())
	}
}

func TestVirtualizerOptimizeEveryNth(t *testing.T) {
	h := &recordingHooks{}
	config := testConfig()
	config.OptimizeEvery = 3
	v := New(config, h.hooks(), nil)
	defer v.Close()

	registerRange(v, 30)
	// Each range change makes exactly one new item visible.
	v.SetVisibleRange(0, 0)
	v.SetVisibleRange(1, 1)

	h.mu.Lock()
	n := h.optimizes
	h.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no optimization pass before the 3rd transition, got %d", n)
	}

	v.SetVisibleRange(2, 2)

	h.mu.Lock()
	n = h.optimizes
	h.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 optimization pass after the 3rd transition, got %d", n)
	}
}

func TestVirtualizerShouldConstruct(t *testing.T) {
	v := New(testConfig(), Hooks{}, nil)
	defer v.Close()

	if v.ShouldConstruct(0) {
		t.Error("nothing is live before the first range")
	}

	v.SetVisibleRange(10, 12)

	tests := []struct {
		index int
		want  bool
	}{
		{7, false},
		{8, true},
		{10, true},
		{12, true},
		{14, true},
		{15, false},
	}
	for _, tt := range tests {
		if got := v.ShouldConstruct(tt.index); got != tt.want {
			t.Errorf("ShouldConstruct(%d) = %v, want %v", tt.index, got, tt.want)
		}
	}

	if size := v.SizeEstimate(100); size != 256 {
		t.Errorf("expected placeholder size for dead index, got %d", size)
	}
	if size := v.SizeEstimate(11); size != 0 {
		t.Errorf("expected zero estimate for live index, got %d", size)
	}
}

func TestVirtualizerCleanup(t *testing.T) {
	h := &recordingHooks{}
	v := New(testConfig(), h.hooks(), nil)
	defer v.Close()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	v.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	registerRange(v, 10)
	v.SetVisibleRange(0, 1)

	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()

	// Standard threshold is 5 minutes: nothing old enough yet.
	if removed := v.Cleanup(false); removed != 0 {
		t.Fatalf("expected no standard cleanup at 2m, removed %d", removed)
	}

	// Aggressive threshold is 1 minute: invisible records go, visible stay.
	removed := v.Cleanup(true)
	if removed != 8 {
		t.Fatalf("expected 8 aggressively cleaned records, removed %d", removed)
	}
	if v.TrackedCount() != 2 {
		t.Errorf("expected the 2 visible items to survive, got %d", v.TrackedCount())
	}
}

func TestVirtualizerUnregister(t *testing.T) {
	v := New(testConfig(), Hooks{}, nil)
	defer v.Close()

	v.RegisterView(3, "item-3", "img-3")
	v.UnregisterView(3)

	if v.TrackedCount() != 0 {
		t.Errorf("expected no tracked items, got %d", v.TrackedCount())
	}
}
