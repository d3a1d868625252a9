// Package viewport implements list virtualization: only a visible index
// window plus a symmetric buffer is treated as live, driving image preload
// on appearance and delayed eviction on disappearance.
package viewport

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perflayer/perflayer/pkg/types"
)

// Config represents virtualizer tuning
type Config struct {
	// BufferSize is the symmetric preload window around the visible range.
	BufferSize int `yaml:"buffer_size"`

	// EvictDelay tolerates fast back-and-forth scrolling before an
	// off-screen item's image is considered for eviction.
	EvictDelay time.Duration `yaml:"evict_delay"`

	// OptimizeEvery triggers an opportunistic memory pass every Nth
	// visible transition.
	OptimizeEvery int `yaml:"optimize_every"`

	// CleanupAge and AggressiveCleanupAge bound how long invisible item
	// records survive a cleanup pass.
	CleanupAge           time.Duration `yaml:"cleanup_age"`
	AggressiveCleanupAge time.Duration `yaml:"aggressive_cleanup_age"`

	// PlaceholderSize is the fixed size estimate substituted for items
	// outside the live window, keeping scroll geometry stable.
	PlaceholderSize int64 `yaml:"placeholder_size"`
}

// Hooks are the virtualizer's outbound effects. All are optional.
type Hooks struct {
	// Preload requests an image ahead of need.
	Preload func(imageKey string, priority types.Priority)

	// EvictImage opportunistically drops an off-screen image. The image
	// cache applies its own grace period and access threshold.
	EvictImage func(imageKey string) bool

	// Optimize runs an opportunistic memory pass during scroll pauses.
	Optimize func()
}

// item is a tracked list entry
type item struct {
	id       string
	index    int
	imageKey string
	visible  bool

	registeredAt  time.Time
	lastVisibleAt time.Time

	// epoch increments on every visibility flip so a delayed eviction
	// fires only if the item never reappeared.
	epoch uint64
}

// Virtualizer tracks the visible window of a large list. Items inside
// visibleRange plus buffer are live; everything else is represented by a
// fixed-size placeholder and its image is a candidate for eviction.
type Virtualizer struct {
	config Config
	hooks  Hooks
	logger *zap.Logger

	mu          sync.Mutex
	items       map[int]*item
	rangeStart  int
	rangeEnd    int
	hasRange    bool
	transitions uint64

	clock func() time.Time
	wg    sync.WaitGroup
}

// New creates a virtualizer
func New(config Config, hooks Hooks, logger *zap.Logger) *Virtualizer {
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}
	if config.OptimizeEvery <= 0 {
		config.OptimizeEvery = 20
	}
	if config.PlaceholderSize <= 0 {
		config.PlaceholderSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Virtualizer{
		config: config,
		hooks:  hooks,
		logger: logger.Named("virtualizer"),
		items:  make(map[int]*item),
		clock:  time.Now,
	}
}

// RegisterView starts tracking a list item at index with its associated
// image resource. Re-registering an index replaces the record.
func (v *Virtualizer) RegisterView(index int, id, imageKey string) {
	now := v.clock()

	v.mu.Lock()
	v.items[index] = &item{
		id:           id,
		index:        index,
		imageKey:     imageKey,
		registeredAt: now,
	}
	v.mu.Unlock()
}

// UnregisterView stops tracking the item at index
func (v *Virtualizer) UnregisterView(index int) {
	v.mu.Lock()
	delete(v.items, index)
	v.mu.Unlock()
}

// SetVisibleRange recomputes visibility from a scroll or layout event.
// Items entering the range are marked visible and the buffer window around
// the range is preloaded; items leaving it are scheduled for delayed image
// eviction unless they reappear first.
func (v *Virtualizer) SetVisibleRange(start, end int) {
	if end < start {
		start, end = end, start
	}
	now := v.clock()

	type departure struct {
		it    *item
		epoch uint64
	}

	var appeared []*item
	var disappeared []departure
	var preloadKeys []string
	var optimize bool

	v.mu.Lock()
	v.rangeStart, v.rangeEnd, v.hasRange = start, end, true

	for idx, it := range v.items {
		inRange := idx >= start && idx <= end
		switch {
		case inRange && !it.visible:
			it.visible = true
			it.lastVisibleAt = now
			it.epoch++
			appeared = append(appeared, it)
		case !inRange && it.visible:
			it.visible = false
			it.epoch++
			disappeared = append(disappeared, departure{it: it, epoch: it.epoch})
		case inRange:
			it.lastVisibleAt = now
		}
	}

	// Preload the buffered window around the visible range.
	if len(appeared) > 0 {
		for idx := start - v.config.BufferSize; idx <= end+v.config.BufferSize; idx++ {
			if it, ok := v.items[idx]; ok && it.imageKey != "" {
				preloadKeys = append(preloadKeys, it.imageKey)
			}
		}
	}

	for range appeared {
		v.transitions++
		if v.transitions%uint64(v.config.OptimizeEvery) == 0 {
			optimize = true
		}
	}
	transitions := v.transitions
	v.mu.Unlock()

	if v.hooks.Preload != nil {
		for _, key := range preloadKeys {
			v.hooks.Preload(key, types.PriorityNormal)
		}
	}
	for _, d := range disappeared {
		v.scheduleEviction(d.it, d.epoch)
	}
	if optimize && v.hooks.Optimize != nil {
		v.logger.Debug("opportunistic optimization pass",
			zap.Uint64("transitions", transitions))
		v.hooks.Optimize()
	}
}

// scheduleEviction arms the delayed image eviction for a disappeared item
func (v *Virtualizer) scheduleEviction(it *item, epoch uint64) {
	if v.hooks.EvictImage == nil || it.imageKey == "" {
		return
	}

	v.wg.Add(1)
	time.AfterFunc(v.config.EvictDelay, func() {
		defer v.wg.Done()

		v.mu.Lock()
		current, ok := v.items[it.index]
		stale := !ok || current != it || it.visible || it.epoch != epoch
		v.mu.Unlock()

		if stale {
			return
		}
		v.hooks.EvictImage(it.imageKey)
	})
}

// ShouldConstruct reports whether the item at index is inside the live
// window. Callers substitute a placeholder for everything else.
func (v *Virtualizer) ShouldConstruct(index int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.hasRange {
		return false
	}
	return index >= v.rangeStart-v.config.BufferSize && index <= v.rangeEnd+v.config.BufferSize
}

// SizeEstimate returns the placeholder size for items outside the live
// window, zero for live items whose real size the caller knows.
func (v *Virtualizer) SizeEstimate(index int) int64 {
	if v.ShouldConstruct(index) {
		return 0
	}
	return v.config.PlaceholderSize
}

// Cleanup unregisters invisible item records older than the cleanup
// threshold. Aggressive mode uses the shorter threshold; driven by the
// memory pressure controller.
func (v *Virtualizer) Cleanup(aggressive bool) int {
	age := v.config.CleanupAge
	if aggressive {
		age = v.config.AggressiveCleanupAge
	}
	cutoff := v.clock().Add(-age)

	v.mu.Lock()
	defer v.mu.Unlock()

	removed := 0
	for idx, it := range v.items {
		if it.visible {
			continue
		}
		last := it.lastVisibleAt
		if last.IsZero() {
			last = it.registeredAt
		}
		if last.Before(cutoff) {
			delete(v.items, idx)
			removed++
		}
	}

	if removed > 0 {
		v.logger.Debug("cleaned up invisible item records",
			zap.Int("removed", removed),
			zap.Bool("aggressive", aggressive))
	}
	return removed
}

// TrackedCount returns the number of tracked item records
func (v *Virtualizer) TrackedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

// VisibleCount returns the number of currently visible items
func (v *Virtualizer) VisibleCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, it := range v.items {
		if it.visible {
			n++
		}
	}
	return n
}

// Close waits for scheduled evictions to settle
func (v *Virtualizer) Close() {
	v.wg.Wait()
}
