// Package buffer provides pooled byte slices for response and image payload
// staging, with a reset hook the memory pressure cascade uses to drop pooled
// capacity outright.
package buffer

import (
	"sync"
	"sync/atomic"
)

// Payload size buckets. Responses cluster at the small end, decoded image
// blobs at the large end.
var bucketSizes = []int{
	1 << 10,  // 1KB
	4 << 10,  // 4KB
	16 << 10, // 16KB
	64 << 10, // 64KB
	256 << 10,
	1 << 20, // 1MB
	4 << 20,
	16 << 20,
}

// Pool hands out byte slices from size-bucketed free lists to cut allocation
// churn on the fetch and preload paths.
type Pool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool

	gets   atomic.Uint64
	puts   atomic.Uint64
	resets atomic.Uint64
}

// NewPool creates a payload pool with the standard size buckets
func NewPool() *Pool {
	p := &Pool{}
	p.initPools()
	return p
}

func (p *Pool) initPools() {
	pools := make(map[int]*sync.Pool, len(bucketSizes))
	for _, size := range bucketSizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() any { return make([]byte, size) },
		}
	}
	p.mu.Lock()
	p.pools = pools
	p.mu.Unlock()
}

// Get returns a slice of exactly the requested length, backed by the
// smallest bucket that fits. Oversized requests allocate directly.
func (p *Pool) Get(size int) []byte {
	p.gets.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, bucketSize := range bucketSizes {
		if bucketSize >= size {
			buf := p.pools[bucketSize].Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a slice to its bucket. Slices not sized to a bucket, such as
// direct allocations, are left to the garbage collector. Contents are
// cleared so a pooled payload never leaks into a later request.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.puts.Add(1)

	capacity := cap(buf)

	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, ok := p.pools[capacity]
	if !ok {
		return
	}
	buf = buf[:capacity]
	for i := range buf {
		buf[i] = 0
	}
	//nolint:staticcheck // SA6002: byte slices are the pooled type here
	pool.Put(buf)
}

// Reset discards all pooled capacity. Wired into the memory pressure
// cascade as a compaction step; subsequent Gets repopulate lazily.
func (p *Pool) Reset() {
	p.resets.Add(1)
	p.initPools()
}

// Stats describes pool activity
type Stats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Resets  uint64 `json:"resets"`
	Buckets int    `json:"buckets"`
}

// GetStats returns activity counters
func (p *Pool) GetStats() Stats {
	return Stats{
		Gets:    p.gets.Load(),
		Puts:    p.puts.Load(),
		Resets:  p.resets.Load(),
		Buckets: len(bucketSizes),
	}
}
