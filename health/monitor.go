package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Check probes one component on demand. Implementations must respect the
// context deadline; the monitor imposes one per probe.
type Check func(ctx context.Context) Status

// Monitor tracks component statuses, both pushed updates and registered
// on-demand probes. Safe for concurrent use.
type Monitor struct {
	mu           sync.RWMutex
	statuses     map[string]Status
	checks       map[string]Check
	probeTimeout time.Duration
}

// NewMonitor creates a monitor. Probes run with the given per-check
// timeout (one second when zero).
func NewMonitor(probeTimeout time.Duration) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = time.Second
	}
	return &Monitor{
		statuses:     make(map[string]Status),
		checks:       make(map[string]Check),
		probeTimeout: probeTimeout,
	}
}

// RegisterCheck registers an on-demand probe for a component; it runs on
// every Snapshot call.
func (m *Monitor) RegisterCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update records a pushed status for a component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy records a healthy status for a component.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records an unhealthy status for a component.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records a degraded status for a component.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the last recorded status for a component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Snapshot runs every registered probe, merges the results with pushed
// statuses (probe results win), and returns the aggregate for systemName.
func (m *Monitor) Snapshot(ctx context.Context, systemName string) Status {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	pushed := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		pushed[name] = status
	}
	timeout := m.probeTimeout
	m.mu.RUnlock()

	merged := pushed
	for name, check := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		status := check(probeCtx)
		cancel()
		status.Component = name
		if status.Timestamp.IsZero() {
			status.Timestamp = time.Now()
		}
		merged[name] = status
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	subStatuses := make([]Status, 0, len(merged))
	for _, name := range names {
		subStatuses = append(subStatuses, merged[name])
	}

	// Record the probe results so Get reflects the latest snapshot.
	m.mu.Lock()
	for _, sub := range subStatuses {
		m.statuses[sub.Component] = sub
	}
	m.mu.Unlock()

	return Aggregate(systemName, subStatuses)
}

// Components returns the names of all tracked components.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses)+len(m.checks))
	seen := make(map[string]struct{})
	for name := range m.statuses {
		names = append(names, name)
		seen[name] = struct{}{}
	}
	for name := range m.checks {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Remove stops tracking a component.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}
