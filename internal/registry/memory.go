package registry

import (
	"context"
	"sync"

	"procodus.dev/crowdwatch/internal/store"
)

// MemoryRegistry is an in-memory Registry used by tests and by the simulator
// before a database is available. Safe for concurrent use.
type MemoryRegistry struct {
	mu    sync.RWMutex
	byCam map[uint]*store.Device
	byIP  map[string]*store.Device
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byCam: make(map[uint]*store.Device),
		byIP:  make(map[string]*store.Device),
	}
}

// Add registers a device.
func (m *MemoryRegistry) Add(device *store.Device) {
	if device == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if device.CameraID != 0 {
		m.byCam[device.CameraID] = device
	}
	if device.IPAddress != "" {
		m.byIP[device.IPAddress] = device
	}
}

// FindByCameraID implements Registry.
func (m *MemoryRegistry) FindByCameraID(_ context.Context, cameraID uint) (*store.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.byCam[cameraID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

// FindByIP implements Registry.
func (m *MemoryRegistry) FindByIP(_ context.Context, ipAddress string) (*store.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.byIP[ipAddress]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}
