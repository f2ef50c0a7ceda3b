// Package mode holds the versioned process-wide execution mode.
//
// Consumers subscribe to transitions instead of polling a shared
// global; each change bumps a version so a late subscriber can tell
// whether it missed a flip.
package mode

import (
	"sync"
	"time"

	"github.com/oltfleet/coordinator/pkg/types"
)

// Change describes one mode transition.
type Change struct {
	From      types.Mode
	To        types.Mode
	Version   uint64
	ChangedAt time.Time
}

// Manager is the authoritative mode value.
type Manager struct {
	mu      sync.RWMutex
	current types.Mode
	version uint64
	subs    map[chan Change]struct{}
	now     func() time.Time
}

// NewManager creates a manager starting in the given mode at version 1.
func NewManager(initial types.Mode) *Manager {
	return &Manager{
		current: initial,
		version: 1,
		subs:    make(map[chan Change]struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = clock
}

// Get returns the current mode and its version.
func (m *Manager) Get() (types.Mode, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.version
}

// Set transitions to a new mode and notifies subscribers. Setting the
// current mode again is a no-op and returns false.
func (m *Manager) Set(to types.Mode) bool {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return false
	}
	change := Change{
		From:      m.current,
		To:        to,
		Version:   m.version + 1,
		ChangedAt: m.now().UTC(),
	}
	m.current = to
	m.version = change.Version

	subs := make([]chan Change, 0, len(m.subs))
	for ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			// Subscriber is behind; it will observe the version gap.
		}
	}
	return true
}

// Subscribe returns a channel receiving future changes and a cancel
// function.
func (m *Manager) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 4)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
	return ch, cancel
}
