// Package network implements the connectivity state machine that derives the
// active optimization profile and fans it out to the components it tunes.
package network

import (
	"sync"

	"go.uber.org/zap"

	"github.com/perflayer/perflayer/internal/config"
	"github.com/perflayer/perflayer/pkg/types"
)

// Event is published to subscribers on every state transition
type Event struct {
	State types.NetworkState
	Level types.OptimizationLevel
}

// Monitor observes connectivity changes and keeps the layer's optimization
// profile in sync. Connectivity maps to a profile: wifi and ethernet run
// balanced, cellular runs conservative, offline and unknown run aggressive
// to maximize reliance on cached data.
//
// Profile swaps are whole-profile replacements fanned out to every
// registered component; a consumer never observes a half-applied profile.
type Monitor struct {
	profiles config.ProfilesConfig
	logger   *zap.Logger

	mu          sync.Mutex
	state       types.NetworkState
	level       types.OptimizationLevel
	targets     []types.Reconfigurable
	offlineFns  []func(bool)
	subscribers []chan Event
}

// NewMonitor creates a monitor starting in the unknown state, which selects
// the aggressive profile until the first real observation arrives.
func NewMonitor(profiles config.ProfilesConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		profiles: profiles,
		logger:   logger.Named("network_monitor"),
		state:    types.NetworkUnknown,
		level:    profiles.Level(types.ModeAggressive),
	}
}

// Register adds a component whose profile the monitor manages. The component
// immediately receives the current profile so late registration cannot leave
// it running stale settings.
func (m *Monitor) Register(target types.Reconfigurable) {
	m.mu.Lock()
	m.targets = append(m.targets, target)
	level := m.level
	m.mu.Unlock()

	target.Reconfigure(level)
}

// OnOffline adds a callback invoked with the offline flag on every
// transition, and immediately with the current flag.
func (m *Monitor) OnOffline(fn func(bool)) {
	m.mu.Lock()
	m.offlineFns = append(m.offlineFns, fn)
	offline := isOffline(m.state)
	m.mu.Unlock()

	fn(offline)
}

// Subscribe returns a channel receiving state transition events. Slow
// subscribers drop events rather than stalling the monitor.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// ObserveConnectivity feeds one connectivity observation into the state
// machine. Repeated observations of the current state are no-ops; a
// transition swaps the profile and notifies every registered component and
// subscriber.
func (m *Monitor) ObserveConnectivity(state types.NetworkState) {
	m.mu.Lock()
	if state == m.state {
		m.mu.Unlock()
		return
	}

	prev := m.state
	m.state = state
	m.level = m.profiles.Level(modeFor(state))
	level := m.level
	targets := append([]types.Reconfigurable(nil), m.targets...)
	offlineFns := append(([]func(bool))(nil), m.offlineFns...)
	subscribers := append([]chan Event(nil), m.subscribers...)
	m.mu.Unlock()

	m.logger.Info("connectivity transition",
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.String("profile", string(level.Mode)))

	for _, target := range targets {
		target.Reconfigure(level)
	}
	offline := isOffline(state)
	for _, fn := range offlineFns {
		fn(offline)
	}

	event := Event{State: state, Level: level}
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// State returns the last observed connectivity state
func (m *Monitor) State() types.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Level returns the active optimization profile
func (m *Monitor) Level() types.OptimizationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// modeFor maps a connectivity state to its optimization mode
func modeFor(state types.NetworkState) types.OptimizationMode {
	switch state {
	case types.NetworkWiFi, types.NetworkEthernet:
		return types.ModeBalanced
	case types.NetworkCellular:
		return types.ModeConservative
	default:
		return types.ModeAggressive
	}
}

// isOffline is true only for a confirmed offline observation. Unknown runs
// the aggressive profile but still permits fetch attempts.
func isOffline(state types.NetworkState) bool {
	return state == types.NetworkOffline
}
