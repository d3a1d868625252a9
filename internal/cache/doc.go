/*
Package cache implements the caching core of the performance layer: a generic
size-bounded store plus the image and response specializations built on it.

# Architecture

	┌─────────────────────────────────────────────────┐
	│                  ResponseCache                  │
	│   stale-while-revalidate, profile-driven TTL    │
	├─────────────────────────────────────────────────┤
	│                   ImageCache                    │
	│  byte-budgeted blobs, off-screen eviction path  │
	├─────────────────────────────────────────────────┤
	│                    Store[V]                     │
	│  TTL expiry, budget enforcement, eviction score │
	└─────────────────────────────────────────────────┘

# Eviction scoring

When an insert pushes the tracked total past the budget, entries are ranked
by frequency x recency x importance and the lowest scores are removed until
the total is back under headroom (80% of the budget by default). Recency
decays linearly to a floor over one hour, so frequently accessed entries
eventually become evictable once they go cold.

# Stale-while-revalidate

ResponseCache treats an entry older than half its TTL as stale. A stale hit
still returns the cached value immediately; a background refresh runs with
retry, and its failure is logged, never surfaced. Only a fully expired entry
is a miss.

# Pressure hooks

Both specializations expose the trims the memory pressure controller drives:
ImageCache.OnMemoryWarning keeps only recently touched blobs, and
ResponseCache.InvalidatePastStale forces misses for anything already stale.
ClearAll on either is available for callers that need to empty a cache
outright; the cascade itself never goes that far.
*/
package cache
