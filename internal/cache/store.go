package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perflayer/perflayer/pkg/types"
)

// Default eviction tuning. Overridable through StoreConfig; the defaults are
// what the rest of the layer assumes.
const (
	// defaultEvictionHeadroom is the fraction of the budget eviction trims
	// down to, so the next insert does not immediately re-evict.
	defaultEvictionHeadroom = 0.8

	// recencyDecayWindow is the window over which the recency factor decays
	// linearly to its floor.
	recencyDecayWindow = time.Hour

	// recencyFloor is the minimum recency factor. Entries older than the
	// decay window still rank by frequency and importance.
	recencyFloor = 0.1
)

// StoreConfig configures a Store
type StoreConfig struct {
	// MaxSize is the byte budget. Inserts that would exceed it trigger
	// synchronous eviction before the insert is acknowledged.
	MaxSize int64 `yaml:"max_size"`

	// SweepInterval is how often expired entries are proactively removed.
	// Zero disables the background sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EvictionHeadroom overrides the default 0.8 trim target.
	EvictionHeadroom float64 `yaml:"eviction_headroom"`
}

// entry is a cached value with its bookkeeping. Owned exclusively by the
// store; payloads are copied out on retrieve by value semantics of V.
type entry[V any] struct {
	key          string
	value        V
	createdAt    time.Time
	ttl          time.Duration
	size         int64
	accessCount  int64
	lastAccessed time.Time
	importance   types.Importance

	// seq orders entries by insertion for deterministic tie-breaking.
	seq uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.Sub(e.createdAt) > e.ttl
}

// Store is a size-bounded key/value store with TTL expiry and
// frequency x recency x importance eviction scoring. All mutation happens
// under one lock, so readers always observe a consistent snapshot.
type Store[V any] struct {
	mu          sync.RWMutex
	items       map[string]*entry[V]
	currentSize int64
	maxSize     int64
	nextSeq     uint64
	headroom    float64
	sizeOf      func(V) int64

	logger *zap.Logger
	stats  types.CacheStats

	// clock is swapped in tests to exercise time-dependent behavior
	// without sleeping.
	clock func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore creates a store. sizeOf reports the byte charge for a value; nil
// charges every entry one byte, which degrades the budget to an entry count.
func NewStore[V any](config *StoreConfig, sizeOf func(V) int64, logger *zap.Logger) *Store[V] {
	if config == nil {
		config = &StoreConfig{
			MaxSize:       64 * 1024 * 1024,
			SweepInterval: 60 * time.Second,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sizeOf == nil {
		sizeOf = func(V) int64 { return 1 }
	}
	headroom := config.EvictionHeadroom
	if headroom <= 0 || headroom > 1 {
		headroom = defaultEvictionHeadroom
	}

	s := &Store[V]{
		items:    make(map[string]*entry[V]),
		maxSize:  config.MaxSize,
		headroom: headroom,
		sizeOf:   sizeOf,
		logger:   logger,
		clock:    time.Now,
		stats:    types.CacheStats{Capacity: config.MaxSize},
		stopCh:   make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(config.SweepInterval)
	}

	return s
}

// Store inserts or overwrites the entry for key. Eviction runs synchronously
// before the insert is acknowledged, so the budget invariant holds on return.
func (s *Store[V]) Store(key string, value V, ttl time.Duration, importance types.Importance) {
	size := s.sizeOf(value)
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok {
		s.currentSize -= existing.size
	}

	s.nextSeq++
	s.items[key] = &entry[V]{
		key:          key,
		value:        value,
		createdAt:    now,
		ttl:          ttl,
		size:         size,
		accessCount:  0,
		lastAccessed: now,
		importance:   importance,
		seq:          s.nextSeq,
	}
	s.currentSize += size

	if s.currentSize > s.maxSize {
		s.evictToHeadroom(now)
	}
}

// Retrieve returns the value for key, or a miss if absent or expired.
// Expired entries are removed as a side effect of the touch.
func (s *Store[V]) Retrieve(key string) (V, bool) {
	var zero V
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		s.stats.Misses++
		return zero, false
	}

	if e.expired(now) {
		s.removeLocked(key)
		s.stats.Expirations++
		s.stats.Misses++
		return zero, false
	}

	e.accessCount++
	e.lastAccessed = now
	s.stats.Hits++

	return e.value, true
}

// Remove deletes the entry for key if present
func (s *Store[V]) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// Clear drops every entry. Best effort by contract; an empty cache is a
// valid outcome, not an error.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Evictions += uint64(len(s.items))
	s.items = make(map[string]*entry[V])
	s.currentSize = 0
}

// SweepExpired removes every lapsed entry regardless of whether it was ever
// re-touched, bounding memory for cold entries. Returns the count removed.
func (s *Store[V]) SweepExpired() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.items {
		if e.expired(now) {
			s.removeLocked(key)
			s.stats.Expirations++
			removed++
		}
	}
	return removed
}

// Size returns the current tracked byte total
func (s *Store[V]) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// Len returns the number of live entries
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Stats returns a snapshot of cache statistics
func (s *Store[V]) Stats() types.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.Size = s.currentSize
	stats.Capacity = s.maxSize
	stats.Entries = len(s.items)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if s.maxSize > 0 {
		stats.Utilization = float64(s.currentSize) / float64(s.maxSize)
	}
	return stats
}

// Close stops the background sweeper
func (s *Store[V]) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// removeWhere deletes entries matching pred and returns the count removed.
// Used by the specializations for grace-period eviction, memory-warning
// trims, and stale invalidation.
func (s *Store[V]) removeWhere(pred func(key string, createdAt, lastAccessed time.Time, ttl time.Duration, accessCount int64) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.items {
		if pred(key, e.createdAt, e.lastAccessed, e.ttl, e.accessCount) {
			s.removeLocked(key)
			s.stats.Evictions++
			removed++
		}
	}
	return removed
}

// peek returns entry bookkeeping without counting an access
func (s *Store[V]) peek(key string) (createdAt, lastAccessed time.Time, ttl time.Duration, accessCount int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.items[key]
	if !found {
		return time.Time{}, time.Time{}, 0, 0, false
	}
	return e.createdAt, e.lastAccessed, e.ttl, e.accessCount, true
}

// evictionScore ranks an entry for removal. Lowest score goes first.
// frequency x recency x importance: recency decays linearly to a floor over
// the decay window, so a burst of old accesses cannot pin an entry forever.
func (s *Store[V]) evictionScore(e *entry[V], now time.Time) float64 {
	frequency := float64(e.accessCount)
	if frequency < 1 {
		frequency = 1
	}

	age := now.Sub(e.lastAccessed)
	recency := 1.0 - (float64(age)/float64(recencyDecayWindow))*(1.0-recencyFloor)
	if recency < recencyFloor {
		recency = recencyFloor
	}

	return frequency * recency * e.importance.Multiplier()
}

// evictToHeadroom removes lowest-scoring entries until the tracked total is
// at or below headroom x budget. Caller must hold the write lock.
func (s *Store[V]) evictToHeadroom(now time.Time) {
	target := int64(float64(s.maxSize) * s.headroom)

	type scored struct {
		key   string
		score float64
		seq   uint64
	}
	candidates := make([]scored, 0, len(s.items))
	for key, e := range s.items {
		candidates = append(candidates, scored{key: key, score: s.evictionScore(e, now), seq: e.seq})
	}

	// Equal scores evict oldest insertion first.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].seq < candidates[j].seq
	})

	for _, c := range candidates {
		if s.currentSize <= target {
			break
		}
		s.removeLocked(c.key)
		s.stats.Evictions++
	}

	s.logger.Debug("evicted to headroom",
		zap.Int64("size", s.currentSize),
		zap.Int64("target", target),
		zap.Int("entries", len(s.items)))
}

// removeLocked deletes an entry. Caller must hold the write lock.
func (s *Store[V]) removeLocked(key string) {
	e, ok := s.items[key]
	if !ok {
		return
	}
	delete(s.items, key)
	s.currentSize -= e.size
}

func (s *Store[V]) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if removed := s.SweepExpired(); removed > 0 {
				s.logger.Debug("swept expired entries", zap.Int("removed", removed))
			}
		}
	}
}

// setClock swaps the time source. Test hook only.
func (s *Store[V]) setClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}
