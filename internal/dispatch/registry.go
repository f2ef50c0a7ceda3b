// Package dispatch runs the asynchronous execution backend: typed
// queues consumed by worker pools, decoupled from the coordinator's
// clock.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/oltfleet/coordinator/pkg/types"
)

// Handler performs the device-facing operation for one task class.
type Handler func(ctx context.Context, device types.DeviceRef, node types.Node) (types.ResultSummary, error)

// Registry resolves task handlers by class. The handler set is known at
// compile time and registered at startup; there is no late-bound name
// lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.TaskClass]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.TaskClass]Handler)}
}

// Register binds a handler to a task class, replacing any previous one.
func (r *Registry) Register(class types.TaskClass, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = h
}

// Resolve returns the handler for a class.
func (r *Registry) Resolve(class types.TaskClass) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task class %q", class)
	}
	return h, nil
}
