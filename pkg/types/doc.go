/*
Package types defines the shared value types of the adaptive performance
layer: request priorities, cache importance tiers, network states,
optimization profiles, memory pressure tiers, and statistics snapshots.

Types here are pure data. They carry no behavior beyond derived accessors so
that every package in the layer can depend on them without import cycles.

# Optimization profiles

An OptimizationLevel bundles everything the network condition monitor tunes
at once: request concurrency, batching delay, and the TTL/stale-window cache
strategy. Profiles are always replaced wholesale:

	level := types.OptimizationLevel{
		Mode:                  types.ModeBalanced,
		MaxConcurrentRequests: 6,
		BatchingDelay:         50 * time.Millisecond,
		DefaultTTL:            5 * time.Minute,
		StaleWindow:           150 * time.Second,
	}
	batcher.Reconfigure(level)

# The fetch boundary

Fetcher is the only inbound dependency on the networking layer. Tests and
callers supply it; this layer decides when and how often to call it, never
how bytes move.
*/
package types
