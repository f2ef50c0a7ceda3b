package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type holder struct {
	token    string
	deadline time.Time
}

// MemoryLock implements Lock with an in-process map. Used by tests and
// single-node deployments without Redis.
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]holder
	clock func() time.Time
}

// NewMemoryLock creates an in-memory device lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		held:  make(map[string]holder),
		clock: time.Now,
	}
}

// SetClock replaces the time source, for tests exercising TTL expiry.
func (l *MemoryLock) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// TryAcquire implements Lock.
func (l *MemoryLock) TryAcquire(_ context.Context, deviceID string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[deviceID]; ok && now.Before(h.deadline) {
		return "", ErrLockBusy
	}

	token := uuid.NewString()
	l.held[deviceID] = holder{token: token, deadline: now.Add(ttl)}
	return token, nil
}

// Release implements Lock.
func (l *MemoryLock) Release(_ context.Context, deviceID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[deviceID]; ok && h.token == token {
		delete(l.held, deviceID)
	}
	return nil
}

// Refresh implements Lock.
func (l *MemoryLock) Refresh(_ context.Context, deviceID, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	h, ok := l.held[deviceID]
	if !ok || h.token != token || !now.Before(h.deadline) {
		return ErrNotHeld
	}
	l.held[deviceID] = holder{token: token, deadline: now.Add(ttl)}
	return nil
}

var _ Lock = (*MemoryLock)(nil)
