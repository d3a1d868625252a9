package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/perflayer/perflayer/pkg/types"
)

// Configuration represents the complete performance layer configuration.
// All values are process-wide, set once at startup; only the optimization
// profile selection changes at runtime, and only through the network
// condition monitor.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Profiles    ProfilesConfig    `yaml:"profiles"`
	Cache       CacheConfig       `yaml:"cache"`
	Batch       BatchConfig       `yaml:"batch"`
	Virtualizer VirtualizerConfig `yaml:"virtualizer"`
	Preload     PreloadConfig     `yaml:"preload"`
	Memory      MemoryConfig      `yaml:"memory"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ProfilesConfig holds the three named optimization profiles
type ProfilesConfig struct {
	Aggressive   types.OptimizationLevel `yaml:"aggressive"`
	Balanced     types.OptimizationLevel `yaml:"balanced"`
	Conservative types.OptimizationLevel `yaml:"conservative"`
}

// Level returns the profile for a mode, falling back to balanced
func (p ProfilesConfig) Level(mode types.OptimizationMode) types.OptimizationLevel {
	switch mode {
	case types.ModeAggressive:
		return p.Aggressive
	case types.ModeConservative:
		return p.Conservative
	default:
		return p.Balanced
	}
}

// CacheConfig represents cache budgets and eviction tuning
type CacheConfig struct {
	// ResponseBudget and ImageBudget are byte limits per cache.
	ResponseBudget int64 `yaml:"response_budget"`
	ImageBudget    int64 `yaml:"image_budget"`

	// SweepInterval is how often expired entries are proactively removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EvictionHeadroom is the fraction of the budget eviction trims down
	// to, leaving room so the next insert does not immediately re-evict.
	EvictionHeadroom float64 `yaml:"eviction_headroom"`

	// ImageGracePeriod and ImageMinAccessCount gate opportunistic eviction
	// of images that scrolled out of view.
	ImageGracePeriod    time.Duration `yaml:"image_grace_period"`
	ImageMinAccessCount int64         `yaml:"image_min_access_count"`

	// WarningRetention is the only-if-accessed-within window kept on a
	// memory warning.
	WarningRetention time.Duration `yaml:"warning_retention"`
}

// BatchConfig represents request batcher tuning
type BatchConfig struct {
	// QueueLimit bounds the number of pending requests.
	QueueLimit int `yaml:"queue_limit"`

	// FetchTimeout bounds a single fetch execution.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// Breaker tunes the circuit breaker guarding the fetch primitive.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig represents circuit breaker settings
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// VirtualizerConfig represents viewport virtualization tuning
type VirtualizerConfig struct {
	// BufferSize is the symmetric preload window around visible items.
	BufferSize int `yaml:"buffer_size"`

	// EvictDelay tolerates fast back-and-forth scrolling before an
	// off-screen item's image is considered for eviction.
	EvictDelay time.Duration `yaml:"evict_delay"`

	// OptimizeEvery triggers an opportunistic memory pass every Nth
	// visible transition.
	OptimizeEvery int `yaml:"optimize_every"`

	// CleanupAge and AggressiveCleanupAge bound how long invisible item
	// records are kept during cleanup passes.
	CleanupAge           time.Duration `yaml:"cleanup_age"`
	AggressiveCleanupAge time.Duration `yaml:"aggressive_cleanup_age"`

	// PlaceholderSize is the fixed size estimate substituted for items
	// outside the visible range plus buffer.
	PlaceholderSize int64 `yaml:"placeholder_size"`
}

// PreloadConfig represents predictive preloader tuning
type PreloadConfig struct {
	// HistorySize bounds the recorded navigation transition sequence.
	HistorySize int `yaml:"history_size"`

	// TopEntities is how many frequency-ranked entities are retained and
	// opportunistically preloaded.
	TopEntities int `yaml:"top_entities"`

	// RatePerSecond and Burst bound preload issue rate.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// MemoryConfig represents memory pressure controller tuning
type MemoryConfig struct {
	// Budget is the app-specific memory budget pressure is measured
	// against.
	Budget uint64 `yaml:"budget"`

	// SampleInterval is how often memory usage is sampled.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// MonitoringConfig represents metrics settings
type MonitoringConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "info",
		},
		Profiles: ProfilesConfig{
			Aggressive: types.OptimizationLevel{
				Mode:                  types.ModeAggressive,
				MaxConcurrentRequests: 2,
				BatchingDelay:         500 * time.Millisecond,
				DefaultTTL:            30 * time.Minute,
				StaleWindow:           15 * time.Minute,
			},
			Balanced: types.OptimizationLevel{
				Mode:                  types.ModeBalanced,
				MaxConcurrentRequests: 6,
				BatchingDelay:         100 * time.Millisecond,
				DefaultTTL:            5 * time.Minute,
				StaleWindow:           150 * time.Second,
			},
			Conservative: types.OptimizationLevel{
				Mode:                  types.ModeConservative,
				MaxConcurrentRequests: 3,
				BatchingDelay:         250 * time.Millisecond,
				DefaultTTL:            time.Minute,
				StaleWindow:           30 * time.Second,
			},
		},
		Cache: CacheConfig{
			ResponseBudget:      64 * 1024 * 1024,  // 64MB
			ImageBudget:         128 * 1024 * 1024, // 128MB
			SweepInterval:       60 * time.Second,
			EvictionHeadroom:    0.8,
			ImageGracePeriod:    30 * time.Second,
			ImageMinAccessCount: 3,
			WarningRetention:    10 * time.Second,
		},
		Batch: BatchConfig{
			QueueLimit:   1000,
			FetchTimeout: 15 * time.Second,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Virtualizer: VirtualizerConfig{
			BufferSize:           5,
			EvictDelay:           2 * time.Second,
			OptimizeEvery:        20,
			CleanupAge:           5 * time.Minute,
			AggressiveCleanupAge: time.Minute,
			PlaceholderSize:      256,
		},
		Preload: PreloadConfig{
			HistorySize:   50,
			TopEntities:   10,
			RatePerSecond: 5,
			Burst:         10,
		},
		Memory: MemoryConfig{
			Budget:         256 * 1024 * 1024, // 256MB
			SampleInterval: 10 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "perflayer",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PERFLAYER_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PERFLAYER_RESPONSE_BUDGET"); val != "" {
		if budget, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.ResponseBudget = budget
		}
	}
	if val := os.Getenv("PERFLAYER_IMAGE_BUDGET"); val != "" {
		if budget, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.ImageBudget = budget
		}
	}
	if val := os.Getenv("PERFLAYER_MEMORY_BUDGET"); val != "" {
		if budget, err := strconv.ParseUint(val, 10, 64); err == nil {
			c.Memory.Budget = budget
		}
	}
	if val := os.Getenv("PERFLAYER_SWEEP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.SweepInterval = d
		}
	}
	if val := os.Getenv("PERFLAYER_SAMPLE_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Memory.SampleInterval = d
		}
	}
	if val := os.Getenv("PERFLAYER_METRICS_ENABLED"); val != "" {
		c.Monitoring.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PERFLAYER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Port = port
		}
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	for _, level := range []types.OptimizationLevel{
		c.Profiles.Aggressive, c.Profiles.Balanced, c.Profiles.Conservative,
	} {
		if level.MaxConcurrentRequests <= 0 {
			return fmt.Errorf("profile %s: max_concurrent_requests must be greater than 0", level.Mode)
		}
		if level.BatchingDelay <= 0 {
			return fmt.Errorf("profile %s: batching_delay must be positive", level.Mode)
		}
		if level.DefaultTTL <= 0 {
			return fmt.Errorf("profile %s: default_ttl must be positive", level.Mode)
		}
		if level.StaleWindow <= 0 || level.StaleWindow > level.DefaultTTL {
			return fmt.Errorf("profile %s: stale_window must be in (0, default_ttl]", level.Mode)
		}
	}

	if c.Cache.ResponseBudget <= 0 || c.Cache.ImageBudget <= 0 {
		return fmt.Errorf("cache budgets must be positive")
	}
	if c.Cache.EvictionHeadroom <= 0 || c.Cache.EvictionHeadroom > 1 {
		return fmt.Errorf("eviction_headroom must be in (0, 1], got %f", c.Cache.EvictionHeadroom)
	}
	if c.Virtualizer.BufferSize < 0 {
		return fmt.Errorf("virtualizer buffer_size cannot be negative")
	}
	if c.Virtualizer.OptimizeEvery <= 0 {
		return fmt.Errorf("virtualizer optimize_every must be greater than 0")
	}
	if c.Preload.HistorySize <= 0 || c.Preload.TopEntities <= 0 {
		return fmt.Errorf("preload history_size and top_entities must be greater than 0")
	}
	if c.Memory.Budget == 0 {
		return fmt.Errorf("memory budget must be greater than 0")
	}
	if c.Memory.SampleInterval <= 0 {
		return fmt.Errorf("memory sample_interval must be positive")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
