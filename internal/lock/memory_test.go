package lock

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLock_MutualExclusion(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	t.Run("second acquire is busy", func(t *testing.T) {
		token, err := l.TryAcquire(ctx, "olt-1", time.Minute)
		if err != nil {
			t.Fatalf("TryAcquire failed: %v", err)
		}
		if token == "" {
			t.Fatal("expected non-empty token")
		}

		if _, err := l.TryAcquire(ctx, "olt-1", time.Minute); err != ErrLockBusy {
			t.Errorf("expected ErrLockBusy, got %v", err)
		}
	})

	t.Run("other device is independent", func(t *testing.T) {
		if _, err := l.TryAcquire(ctx, "olt-2", time.Minute); err != nil {
			t.Errorf("acquire on independent device failed: %v", err)
		}
	})
}

func TestMemoryLock_Release(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	token, err := l.TryAcquire(ctx, "olt-1", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	t.Run("release with wrong token is a no-op", func(t *testing.T) {
		if err := l.Release(ctx, "olt-1", "stale-token"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if _, err := l.TryAcquire(ctx, "olt-1", time.Minute); err != ErrLockBusy {
			t.Error("lock should still be held after stale release")
		}
	})

	t.Run("release with owner token frees the device", func(t *testing.T) {
		if err := l.Release(ctx, "olt-1", token); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if _, err := l.TryAcquire(ctx, "olt-1", time.Minute); err != nil {
			t.Errorf("acquire after release failed: %v", err)
		}
	})
}

func TestMemoryLock_TTLExpiry(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	token, err := l.TryAcquire(ctx, "olt-1", 30*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	// Before expiry: busy, refresh works.
	now = now.Add(20 * time.Second)
	if _, err := l.TryAcquire(ctx, "olt-1", 30*time.Second); err != ErrLockBusy {
		t.Errorf("expected ErrLockBusy before expiry, got %v", err)
	}
	if err := l.Refresh(ctx, "olt-1", token, 30*time.Second); err != nil {
		t.Errorf("Refresh before expiry failed: %v", err)
	}

	// After expiry: lock self-releases, refresh reports loss.
	now = now.Add(31 * time.Second)
	if err := l.Refresh(ctx, "olt-1", token, 30*time.Second); err != ErrNotHeld {
		t.Errorf("expected ErrNotHeld after expiry, got %v", err)
	}
	if _, err := l.TryAcquire(ctx, "olt-1", 30*time.Second); err != nil {
		t.Errorf("acquire after expiry failed: %v", err)
	}
}
