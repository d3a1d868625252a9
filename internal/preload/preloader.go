// Package preload implements predictive preloading: first-order Markov
// prediction over recent navigation transitions plus opportunistic preload
// of the most frequently accessed entities.
package preload

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/perflayer/perflayer/internal/batch"
	"github.com/perflayer/perflayer/internal/metrics"
	"github.com/perflayer/perflayer/pkg/errors"
	"github.com/perflayer/perflayer/pkg/types"
)

// Config represents preloader tuning
type Config struct {
	// HistorySize bounds the recorded navigation sequence.
	HistorySize int `yaml:"history_size"`

	// TopEntities is how many frequency-ranked entities are retained and
	// opportunistically preloaded.
	TopEntities int `yaml:"top_entities"`

	// RatePerSecond and Burst bound preload issue rate so prediction
	// traffic never crowds out user-initiated requests.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Sink receives the payload of a completed preload, keyed by destination
type Sink func(dest string, data []byte)

// EndpointFunc maps a destination identifier to its fetch endpoint
type EndpointFunc func(dest string) (endpoint string, params map[string]string)

// pending tracks one issued preload until it resolves
type pending struct {
	future   *batch.Future
	canceled bool
}

// Preloader predicts likely next destinations from navigation history and
// preloads their data at low priority through the request batcher. Only
// not-yet-dispatched preloads are cancellable, and a cancelled preload
// never writes into any cache.
type Preloader struct {
	config   Config
	batcher  *batch.Batcher
	sink     Sink
	endpoint EndpointFunc
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu      sync.Mutex
	history []string
	counts  map[string]int64
	pending map[string]*pending

	wg sync.WaitGroup
}

// New creates a preloader issuing requests through the given batcher
func New(config Config, batcher *batch.Batcher, sink Sink, endpoint EndpointFunc, collector *metrics.Collector, logger *zap.Logger) *Preloader {
	if config.HistorySize <= 0 {
		config.HistorySize = 50
	}
	if config.TopEntities <= 0 {
		config.TopEntities = 10
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 5
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if endpoint == nil {
		endpoint = func(dest string) (string, map[string]string) { return dest, nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Preloader{
		config:   config,
		batcher:  batcher,
		sink:     sink,
		endpoint: endpoint,
		limiter:  rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		metrics:  collector,
		logger:   logger.Named("preloader"),
		counts:   make(map[string]int64),
		pending:  make(map[string]*pending),
	}
}

// RecordAccess counts one access to an entity for frequency ranking
func (p *Preloader) RecordAccess(entity string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counts[entity]++

	// Bound the table: when it grows well past the retained set, compact
	// down to the top entities.
	if len(p.counts) > p.config.TopEntities*10 {
		p.compactCountsLocked()
	}
}

// OnNavigate records a navigation to dest and preloads the predicted next
// destination, if any, at low priority.
func (p *Preloader) OnNavigate(dest string) {
	p.mu.Lock()
	p.history = append(p.history, dest)
	if len(p.history) > p.config.HistorySize {
		p.history = p.history[len(p.history)-p.config.HistorySize:]
	}
	p.counts[dest]++
	predicted := p.predictLocked()
	p.mu.Unlock()

	if predicted != "" && predicted != dest {
		p.preload(predicted)
	}
}

// PredictNextDestination returns the most frequent historical successor of
// the current destination, ties resolved by most recently seen. Empty when
// history holds no precedent.
func (p *Preloader) PredictNextDestination() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictLocked()
}

// predictLocked runs the first-order Markov lookup. Caller holds the lock.
func (p *Preloader) predictLocked() string {
	if len(p.history) < 2 {
		return ""
	}
	current := p.history[len(p.history)-1]

	successorCounts := make(map[string]int)
	successorLast := make(map[string]int)
	for i := 0; i < len(p.history)-1; i++ {
		if p.history[i] == current {
			succ := p.history[i+1]
			successorCounts[succ]++
			successorLast[succ] = i + 1
		}
	}

	best := ""
	for succ, count := range successorCounts {
		if best == "" ||
			count > successorCounts[best] ||
			(count == successorCounts[best] && successorLast[succ] > successorLast[best]) {
			best = succ
		}
	}
	return best
}

// TopEntities returns up to TopEntities identifiers ranked by access count
func (p *Preloader) TopEntities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rankedLocked(p.config.TopEntities)
}

// PreloadTopEntities opportunistically preloads the frequency-ranked
// entities. Called when the screen displaying them becomes active.
func (p *Preloader) PreloadTopEntities() {
	for _, entity := range p.TopEntities() {
		p.preload(entity)
	}
}

// CancelAll cancels every not-yet-dispatched preload. Work already handed
// to the fetcher runs to completion but its result is discarded before any
// cache write. Returns the number of preloads cancelled.
func (p *Preloader) CancelAll() int {
	p.mu.Lock()
	entries := make(map[string]*pending, len(p.pending))
	for dest, entry := range p.pending {
		entry.canceled = true
		entries[dest] = entry
	}
	p.mu.Unlock()

	canceled := 0
	for _, entry := range entries {
		// A nil future means submission is still in flight; the canceled
		// flag set above keeps its result out of the cache.
		if entry.future != nil && p.batcher.Cancel(entry.future) {
			canceled++
		}
	}

	if p.metrics != nil {
		p.metrics.RecordPreloadsCanceled(canceled)
	}
	if canceled > 0 {
		p.logger.Debug("cancelled pending preloads", zap.Int("count", canceled))
	}
	return canceled
}

// Cancel cancels the not-yet-dispatched preload for dest, if any
func (p *Preloader) Cancel(dest string) bool {
	p.mu.Lock()
	entry, ok := p.pending[dest]
	if ok {
		entry.canceled = true
	}
	p.mu.Unlock()

	if !ok || entry.future == nil {
		return false
	}
	ok = p.batcher.Cancel(entry.future)
	if ok && p.metrics != nil {
		p.metrics.RecordPreloadsCanceled(1)
	}
	return ok
}

// Compact truncates the internal tracking structures to their retained
// cores. Driven by the memory pressure controller's cleanup cascade.
func (p *Preloader) Compact() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.compactCountsLocked()
	if len(p.history) > p.config.TopEntities {
		p.history = append([]string(nil),
			p.history[len(p.history)-p.config.TopEntities:]...)
	}
}

// PendingCount returns the number of unresolved preloads
func (p *Preloader) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close waits for issued preloads to resolve
func (p *Preloader) Close() {
	p.wg.Wait()
}

// rankedLocked returns up to n entities by descending access count, ties by
// identifier for stable output. Caller holds the lock.
func (p *Preloader) rankedLocked(n int) []string {
	entities := make([]string, 0, len(p.counts))
	for entity := range p.counts {
		entities = append(entities, entity)
	}
	sort.Slice(entities, func(i, j int) bool {
		ci, cj := p.counts[entities[i]], p.counts[entities[j]]
		if ci != cj {
			return ci > cj
		}
		return entities[i] < entities[j]
	})

	if len(entities) > n {
		entities = entities[:n]
	}
	return entities
}

// compactCountsLocked truncates the frequency table to the retained top
// entities. Caller holds the lock.
func (p *Preloader) compactCountsLocked() {
	keep := p.rankedLocked(p.config.TopEntities)
	counts := make(map[string]int64, len(keep))
	for _, entity := range keep {
		counts[entity] = p.counts[entity]
	}
	p.counts = counts
}

// preload issues one low-priority preload for dest, deduped against an
// unresolved preload for the same destination and bounded by the rate
// limiter.
func (p *Preloader) preload(dest string) {
	if !p.limiter.Allow() {
		return
	}

	p.mu.Lock()
	if _, busy := p.pending[dest]; busy {
		p.mu.Unlock()
		return
	}
	entry := &pending{}
	p.pending[dest] = entry
	p.mu.Unlock()

	endpoint, params := p.endpoint(dest)
	future, err := p.batcher.Submit(endpoint, params, types.PriorityLow)
	if err != nil {
		p.mu.Lock()
		delete(p.pending, dest)
		p.mu.Unlock()
		p.logger.Debug("preload submission rejected",
			zap.String("dest", dest),
			zap.Error(err))
		return
	}
	p.mu.Lock()
	entry.future = future
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordPreloadIssued()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		data, ferr := future.Wait(context.Background())

		p.mu.Lock()
		canceled := entry.canceled
		delete(p.pending, dest)
		p.mu.Unlock()

		// A cancelled preload never lands in the cache.
		if canceled || ferr != nil {
			if ferr != nil && errors.CodeOf(ferr) != errors.ErrCodeCanceled {
				p.logger.Debug("preload failed",
					zap.String("dest", dest),
					zap.Error(ferr))
			}
			return
		}
		if p.sink != nil {
			p.sink(dest, data)
		}
	}()
}
