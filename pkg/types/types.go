package types

import (
	"time"
)

// Priority orders batchable requests. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns string representation of a priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Importance is the caller-declared value tier of a cache entry. It feeds
// the eviction score as a fixed multiplier; it never exempts an entry from
// its TTL.
type Importance int

const (
	ImportanceLow Importance = iota
	ImportanceNormal
	ImportanceHigh
	ImportanceCritical
)

// Multiplier returns the eviction-score multiplier for the tier
func (i Importance) Multiplier() float64 {
	switch i {
	case ImportanceLow:
		return 0.5
	case ImportanceHigh:
		return 2.0
	case ImportanceCritical:
		return 4.0
	default:
		return 1.0
	}
}

// String returns string representation of an importance tier
func (i Importance) String() string {
	switch i {
	case ImportanceLow:
		return "low"
	case ImportanceNormal:
		return "normal"
	case ImportanceHigh:
		return "high"
	case ImportanceCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// NetworkState represents an observed connectivity type
type NetworkState int

const (
	NetworkUnknown NetworkState = iota
	NetworkOffline
	NetworkCellular
	NetworkWiFi
	NetworkEthernet
)

// String returns string representation of a network state
func (s NetworkState) String() string {
	switch s {
	case NetworkOffline:
		return "offline"
	case NetworkCellular:
		return "cellular"
	case NetworkWiFi:
		return "wifi"
	case NetworkEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// OptimizationMode names one of the three optimization profiles
type OptimizationMode string

const (
	// ModeAggressive maximizes reliance on cached data and minimizes new
	// network activity. Selected when offline or connectivity is unknown.
	ModeAggressive OptimizationMode = "aggressive"
	// ModeBalanced is the profile for wifi and ethernet connectivity.
	ModeBalanced OptimizationMode = "balanced"
	// ModeConservative keeps TTLs short and batches small for metered
	// cellular connections.
	ModeConservative OptimizationMode = "conservative"
)

// OptimizationLevel is a complete optimization profile. Consumers swap it as
// a single value, never field by field, so a reader can never observe a torn
// configuration.
type OptimizationLevel struct {
	Mode                  OptimizationMode `yaml:"mode" json:"mode"`
	MaxConcurrentRequests int              `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	BatchingDelay         time.Duration    `yaml:"batching_delay" json:"batching_delay"`
	DefaultTTL            time.Duration    `yaml:"default_ttl" json:"default_ttl"`
	StaleWindow           time.Duration    `yaml:"stale_window" json:"stale_window"`
}

// PressureTier classifies current memory usage
type PressureTier int

const (
	TierNormal PressureTier = iota
	TierModerate
	TierHigh
	TierCritical
)

// String returns string representation of a pressure tier
func (t PressureTier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierModerate:
		return "moderate"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MemoryStats is a point-in-time memory usage sample. Recomputed every
// sampling tick and never persisted across restarts.
type MemoryStats struct {
	TotalUsed   uint64       `json:"total_used"`
	AppSpecific uint64       `json:"app_specific"`
	Budget      uint64       `json:"budget"`
	Tier        PressureTier `json:"tier"`
	Timestamp   time.Time    `json:"timestamp"`
}

// UsedFraction returns app-specific usage as a fraction of the budget
func (m MemoryStats) UsedFraction() float64 {
	if m.Budget == 0 {
		return 0
	}
	return float64(m.AppSpecific) / float64(m.Budget)
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Blob is an opaque decoded-resource handle with an associated size
// estimate. Decoding is a collaborator's responsibility; this layer only
// accounts for the bytes.
type Blob struct {
	Data          []byte `json:"-"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	BytesPerPixel int    `json:"bytes_per_pixel,omitempty"`
}

// SizeEstimate returns the byte budget charged for the blob. Bitmap-shaped
// blobs are charged width x height x bytes-per-pixel; anything else is
// charged its raw length.
func (b Blob) SizeEstimate() int64 {
	if b.Width > 0 && b.Height > 0 && b.BytesPerPixel > 0 {
		return int64(b.Width) * int64(b.Height) * int64(b.BytesPerPixel)
	}
	return int64(len(b.Data))
}
