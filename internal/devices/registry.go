// Package devices is the boundary to the external device inventory.
// The coordination core only needs the enabled device list; CRUD on
// devices, brands and credentials lives in the inventory service.
package devices

import (
	"context"
	"sort"
	"sync"

	"github.com/oltfleet/coordinator/pkg/types"
)

// Registry exposes the enabled device fleet.
type Registry interface {
	GetEnabledDevices(ctx context.Context) ([]types.DeviceRef, error)
	GetDevice(ctx context.Context, id string) (*types.DeviceRef, bool)
}

// MemoryRegistry implements Registry with a static in-process set.
// Used by tests and standalone deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]types.DeviceRef
}

// NewMemoryRegistry creates a registry with the given devices.
func NewMemoryRegistry(devs ...types.DeviceRef) *MemoryRegistry {
	r := &MemoryRegistry{devices: make(map[string]types.DeviceRef)}
	for _, d := range devs {
		r.devices[d.ID] = d
	}
	return r
}

// Put adds or replaces a device.
func (r *MemoryRegistry) Put(d types.DeviceRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// SetEnabled flips a device's enabled flag.
func (r *MemoryRegistry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.Enabled = enabled
		r.devices[id] = d
	}
}

// GetEnabledDevices implements Registry.
func (r *MemoryRegistry) GetEnabledDevices(_ context.Context) ([]types.DeviceRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.DeviceRef
	for _, d := range r.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDevice implements Registry.
func (r *MemoryRegistry) GetDevice(_ context.Context, id string) (*types.DeviceRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return &d, true
}

var _ Registry = (*MemoryRegistry)(nil)
