// Package lock provides per-device mutual exclusion with a TTL safety
// release.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockBusy is returned by TryAcquire when another holder owns the
// device. Contention is expected and not a fault; callers skip the
// device and retry on a later tick.
var ErrLockBusy = errors.New("device lock busy")

// ErrNotHeld is returned by Refresh when the caller's token no longer
// owns the lock (expired or taken over after expiry).
var ErrNotHeld = errors.New("device lock not held by token")

// Lock serializes operations against a single device. Acquisition is
// non-blocking; the TTL guarantees a crashed holder cannot wedge the
// device forever.
type Lock interface {
	// TryAcquire attempts to take the device lock, returning an opaque
	// ownership token on success or ErrLockBusy.
	TryAcquire(ctx context.Context, deviceID string, ttl time.Duration) (string, error)

	// Release frees the lock if token still owns it. Releasing a lock
	// that expired or was re-acquired by someone else is a no-op.
	Release(ctx context.Context, deviceID, token string) error

	// Refresh extends the TTL if token still owns the lock. Workers call
	// this to re-affirm ownership before device I/O.
	Refresh(ctx context.Context, deviceID, token string, ttl time.Duration) error
}
