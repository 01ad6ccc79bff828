package main

import (
	"context"
	"sync"
	"time"

	"github.com/scanhub-os/scanhub/server/storage"
)

const (
	livenessSweepInterval = 30 * time.Second
	livenessTimeout       = 60 * time.Second
)

// LivenessMonitor tracks the last application-level ping per device and marks
// devices OFFLINE in the store when they go quiet. It never closes transports;
// half-open connections are the transport layer's problem.
type LivenessMonitor struct {
	store         storage.Store
	sweepInterval time.Duration
	timeout       time.Duration
	now           func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewLivenessMonitor creates a monitor with the default sweep cadence.
func NewLivenessMonitor(store storage.Store) *LivenessMonitor {
	return &LivenessMonitor{
		store:         store,
		sweepInterval: livenessSweepInterval,
		timeout:       livenessTimeout,
		now:           time.Now,
		lastSeen:      make(map[string]time.Time),
	}
}

// Touch records liveness contact for a device. Called on ping receipt only;
// other traffic does not count as liveness.
func (m *LivenessMonitor) Touch(deviceID string) {
	seen := m.now()

	m.mu.Lock()
	m.lastSeen[deviceID] = seen
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.TouchDevice(ctx, deviceID, seen); err != nil {
		logWarn("Failed to persist device liveness", "device_id", deviceID, "error", err)
	}
}

// Forget drops a device from liveness tracking, typically on disconnect when
// the device has already been marked OFFLINE.
func (m *LivenessMonitor) Forget(deviceID string) {
	m.mu.Lock()
	delete(m.lastSeen, deviceID)
	m.mu.Unlock()
}

// Run sweeps until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep marks every device whose last ping is older than the timeout OFFLINE
// and stops tracking it until it pings again.
func (m *LivenessMonitor) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.timeout)

	m.mu.Lock()
	var stale []string
	for id, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, id)
			delete(m.lastSeen, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		logWarn("Device missed liveness window, marking offline", "device_id", id)
		if err := m.store.UpdateDeviceStatus(ctx, id, "OFFLINE"); err != nil {
			logError("Failed to mark stale device offline", "device_id", id, "error", err)
		}
	}
}
