/*
Package config provides configuration management for the performance layer
with multi-source support.

This package implements a layered configuration system that supports YAML
files, environment variables, and compiled-in defaults. Every tunable of the
layer lives here, so a deployment can be reshaped without touching code.

# Configuration Architecture

Source precedence, highest first:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│           (PERFLAYER_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Configuration Structure

Sections and what they tune:

Profiles:
- The three named optimization profiles (aggressive, balanced, conservative)
- Per-profile concurrency, batching delay, TTL, and stale window
- Profile selection happens at runtime through connectivity observations;
  the profile values themselves are fixed at startup

Cache:
- Byte budgets for the response and image caches
- Sweep interval and eviction headroom
- Image grace period, minimum access count, and warning retention

Batch:
- Pending queue limit and fetch timeout
- Circuit breaker threshold and cool-down

Virtualizer:
- Preload buffer size, eviction delay, cleanup ages, placeholder size

Preload:
- Navigation history depth, top-entity count, preload rate limit

Memory:
- App-specific memory budget and sampling interval

Monitoring:
- Metrics endpoint settings (enabled, port, path, namespace)

# Usage

Loading configuration:

	config := config.NewDefault()

	if err := config.LoadFromFile("/etc/perflayer/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := config.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := config.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: info

	profiles:
	  balanced:
	    mode: balanced
	    max_concurrent_requests: 6

	cache:
	  response_budget: 67108864
	  image_budget: 134217728

	memory:
	  budget: 268435456

Environment variable mapping:

	PERFLAYER_LOG_LEVEL="debug"
	PERFLAYER_RESPONSE_BUDGET="67108864"
	PERFLAYER_MEMORY_BUDGET="268435456"
	PERFLAYER_SAMPLE_INTERVAL="10s"
	PERFLAYER_METRICS_ENABLED="true"
	PERFLAYER_METRICS_PORT="9090"

# Validation

Validate checks every section before the layer starts: profile concurrency,
delays, and TTLs must be positive, the stale window must fit inside the TTL,
byte budgets must be positive, and the eviction headroom must sit in (0, 1].
A configuration that fails validation never reaches the components.
*/
package config
