// Package degradation implements the per-venue health/degradation
// protocol: a decision layer that turns connector health signals into a
// boolean degraded switch per venue and a detection threshold
// multiplier, using a mutex-protected state map with transitions published
// on the event bus and a rolling-window eviction rule for protocol-resync
// auto-activation.
package degradation

import (
	"context"
	"sync"
	"time"

	"arbcore/internal/eventbus"
	"arbcore/pkg/types"
)

// Config tunes the protocol. ThresholdMultiplier widens the effective
// edge threshold for healthy venues when another venue is degraded
// (config.Load supplies 1.5 when unset). ProtocolResyncThreshold/Window resolve how many
// protocol resync failures are tolerated: N protocol-resync failures within Window
// auto-activate degradation with reason "protocol_resync".
// StalenessThreshold/Window apply the same rolling-window rule to
// repeated book-staleness drops, activating with reason "data_stale".
type Config struct {
	ThresholdMultiplier     float64
	ProtocolResyncThreshold int
	ProtocolResyncWindow    time.Duration
	StalenessThreshold      int
	StalenessWindow         time.Duration
}

type resyncFailure struct {
	at time.Time
}

// Manager owns the process-wide degradation state. Mutated only via
// ActivateProtocol/DeactivateProtocol/IncrementPollingCycle; reads see a
// consistent snapshot for the duration of one call.
type Manager struct {
	cfg Config
	bus *eventbus.Bus

	mu            sync.RWMutex
	states        map[types.VenueID]*types.DegradationState
	resyncWindows map[types.VenueID][]resyncFailure
	staleWindows  map[types.VenueID][]resyncFailure
}

// New constructs a Manager with no venue currently degraded.
func New(cfg Config, bus *eventbus.Bus) *Manager {
	return &Manager{
		cfg:           cfg,
		bus:           bus,
		states:        make(map[types.VenueID]*types.DegradationState),
		resyncWindows: make(map[types.VenueID][]resyncFailure),
		staleWindows:  make(map[types.VenueID][]resyncFailure),
	}
}

// IsDegraded reports whether venue currently has a degradation state,
// equivalently whether GetDegradationState(venue) != nil, matching the
// invariant: "venue v in degraded set <=> getDegradationState(v) != nil
// <=> isDegraded(v) = true".
func (m *Manager) IsDegraded(venue types.VenueID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[venue]
	return ok
}

// GetDegradationState returns the current degradation state for venue, or
// nil if it is healthy.
func (m *Manager) GetDegradationState(venue types.VenueID) *types.DegradationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[venue]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// ActivateProtocol activates degradation for venue with reason. Idempotent:
// a second call while already degraded is a no-op.
func (m *Manager) ActivateProtocol(ctx context.Context, venue types.VenueID, reason string) {
	m.mu.Lock()
	if _, already := m.states[venue]; already {
		m.mu.Unlock()
		return
	}
	m.states[venue] = &types.DegradationState{
		VenueID:    venue,
		DegradedAt: time.Now().UTC(),
		Reason:     reason,
	}
	stillHealthy := m.healthyVenuesLocked(venue)
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	correlationID, _ := eventbus.CorrelationID(ctx)
	m.bus.Publish(ctx, eventbus.Event{
		Type:          "degradation.protocol.activated",
		Module:        "degradation",
		CorrelationID: correlationID,
		Details: map[string]any{
			"venue":        string(venue),
			"reason":       reason,
			"stillHealthy": stillHealthy,
		},
	})
}

// DeactivateProtocol deactivates degradation for venue. No-op if venue is
// not currently degraded.
func (m *Manager) DeactivateProtocol(ctx context.Context, venue types.VenueID) {
	m.mu.Lock()
	state, ok := m.states[venue]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.states, venue)
	outage := time.Since(state.DegradedAt)
	cycles := state.PollingCycleCount
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	correlationID, _ := eventbus.CorrelationID(ctx)
	m.bus.Publish(ctx, eventbus.Event{
		Type:          "degradation.protocol.deactivated",
		Module:        "degradation",
		CorrelationID: correlationID,
		Details: map[string]any{
			"venue":             string(venue),
			"outageDuration":    outage.String(),
			"pollingCycleCount": cycles,
		},
	})
}

// IncrementPollingCycle increments the polling-cycle counter for venue,
// only if it is currently degraded.
func (m *Manager) IncrementPollingCycle(venue types.VenueID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[venue]; ok {
		s.PollingCycleCount++
	}
}

// GetEdgeThresholdMultiplier returns 1.0 if venue
// itself is degraded; the configured widening multiplier if venue is
// healthy but any other venue is degraded; 1.0 if all venues are healthy.
func (m *Manager) GetEdgeThresholdMultiplier(venue types.VenueID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, degraded := m.states[venue]; degraded {
		return 1.0
	}
	if len(m.states) > 0 {
		return m.cfg.ThresholdMultiplier
	}
	return 1.0
}

func (m *Manager) healthyVenuesLocked(excluding types.VenueID) []string {
	all := []types.VenueID{types.Kalshi, types.Polymarket}
	var healthy []string
	for _, v := range all {
		if v == excluding {
			continue
		}
		if _, degraded := m.states[v]; !degraded {
			healthy = append(healthy, string(v))
		}
	}
	return healthy
}

// RecordProtocolResyncFailure records a protocol-resync failure for venue
// at the current time, evicting entries outside the configured window,
// and auto-activates degradation with reason "protocol_resync" once the
// configured threshold is reached within the window.
func (m *Manager) RecordProtocolResyncFailure(ctx context.Context, venue types.VenueID) {
	m.recordWindowedFailure(ctx, venue, "protocol_resync", m.resyncWindows, m.cfg.ProtocolResyncWindow, m.cfg.ProtocolResyncThreshold)
}

// RecordStalenessFailure records a book-staleness failure for venue at the
// current time, evicting entries outside the configured window, and
// auto-activates degradation with reason "data_stale" once the configured
// threshold is reached within the window.
func (m *Manager) RecordStalenessFailure(ctx context.Context, venue types.VenueID) {
	m.recordWindowedFailure(ctx, venue, "data_stale", m.staleWindows, m.cfg.StalenessWindow, m.cfg.StalenessThreshold)
}

func (m *Manager) recordWindowedFailure(ctx context.Context, venue types.VenueID, reason string, windows map[types.VenueID][]resyncFailure, window time.Duration, threshold int) {
	m.mu.Lock()
	cutoff := time.Now().Add(-window)
	entries := windows[venue]

	validIdx := len(entries)
	for i, f := range entries {
		if f.at.After(cutoff) {
			validIdx = i
			break
		}
	}
	entries = append(entries[validIdx:], resyncFailure{at: time.Now()})
	windows[venue] = entries
	count := len(entries)
	m.mu.Unlock()

	if count >= threshold {
		m.ActivateProtocol(ctx, venue, reason)
	}
}
