package relaysrv

import "sync"

// Outbound is whatever a connection exposes to send a frame to its peer
// and to force-close the socket with a reason. *Connection implements
// this; tests use a fake.
type Outbound interface {
	Send(frame []byte)
	CloseWithReason(reason string)
}

// deviceEntry is one live connection's registry record.
type deviceEntry struct {
	UserID     string
	DeviceID   string
	Role       DeviceRole
	DeviceName string
	Outbound   Outbound
}

// DeviceRegistry tracks the single live connection per device id, across
// the whole server.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]deviceEntry
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]deviceEntry)}
}

// Attach installs a connection as the current one for deviceID. If a
// connection already existed it is closed with reason "replaced" before
// being overwritten, and displaced reports true.
func (r *DeviceRegistry) Attach(userID, deviceID string, role DeviceRole, deviceName string, out Outbound) (displaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, exists := r.devices[deviceID]
	if exists {
		prior.Outbound.CloseWithReason("replaced")
	}
	r.devices[deviceID] = deviceEntry{
		UserID:     userID,
		DeviceID:   deviceID,
		Role:       role,
		DeviceName: deviceName,
		Outbound:   out,
	}
	return exists
}

// Detach removes deviceID's entry, but only if the currently registered
// connection is the same one being detached — this guards against a
// replaced-then-old-close race where the old connection's close handler
// runs after a newer connection has already attached. removed reports
// whether the entry was actually deleted, so a caller can tell a no-op
// detach (a displaced connection closing after its replacement already
// took over) from a real one and skip emitting device-offline for a
// device that is still present under its newer connection.
func (r *DeviceRegistry) Detach(deviceID string, out Outbound) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.devices[deviceID]
	if !exists || current.Outbound != out {
		return false
	}
	delete(r.devices, deviceID)
	return true
}

// Get returns the live entry for a device id, if any.
func (r *DeviceRegistry) Get(deviceID string) (userID string, role DeviceRole, deviceName string, out Outbound, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.devices[deviceID]
	if !exists {
		return "", "", "", nil, false
	}
	return entry.UserID, entry.Role, entry.DeviceName, entry.Outbound, true
}

// Online reports whether deviceID currently has a live connection.
func (r *DeviceRegistry) Online(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[deviceID]
	return ok
}

// Len reports the number of live connections, for metrics.
func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
