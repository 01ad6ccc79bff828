package main

import (
	"sync"

	"github.com/scanhub-os/scanhub/common/ws"
)

// SessionRegistry maps device IDs to their live websocket connections. One
// instance is created at startup and injected into the handlers that need it.
type SessionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*ws.Conn
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{conns: make(map[string]*ws.Conn)}
}

// Register stores the connection for a device. An existing connection for the
// same device is force-closed before being replaced, so its read loop
// terminates and cannot keep acting for the device.
func (r *SessionRegistry) Register(deviceID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[deviceID]; ok && existing != conn {
		logInfo("Closing superseded connection for device", "device_id", deviceID)
		existing.Close()
	}
	r.conns[deviceID] = conn
}

// Lookup returns the live connection for a device, if any.
func (r *SessionRegistry) Lookup(deviceID string) (*ws.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[deviceID]
	return conn, ok
}

// Remove deletes the registration only if it still belongs to conn. A late
// disconnect of a superseded connection must not evict its replacement.
func (r *SessionRegistry) Remove(deviceID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[deviceID]; ok && current == conn {
		delete(r.conns, deviceID)
	}
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DeviceIDs returns the IDs of all registered sessions.
func (r *SessionRegistry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
