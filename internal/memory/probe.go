package memory

import "runtime"

// Probe samples process memory usage. Implementations must be safe for
// repeated calls from the sampling loop.
type Probe interface {
	// Sample returns total process memory and the app-specific portion
	// the pressure budget is measured against, both in bytes.
	Sample() (totalUsed, appSpecific uint64)
}

// RuntimeProbe reads the Go runtime's memory statistics. Heap allocation
// stands in for app-specific usage; total reserved memory for the process
// figure.
type RuntimeProbe struct{}

// Sample implements Probe
func (RuntimeProbe) Sample() (uint64, uint64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Sys, stats.HeapAlloc
}

// ProbeFunc adapts a function to the Probe interface
type ProbeFunc func() (totalUsed, appSpecific uint64)

// Sample implements Probe
func (f ProbeFunc) Sample() (uint64, uint64) { return f() }
