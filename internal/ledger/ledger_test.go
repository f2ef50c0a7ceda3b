package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(store, nil), store
}

func TestLedger_Lifecycle(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	ex, err := l.Create(ctx, "olt-1", "pon-read", types.TaskClassRead)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ex.Status != types.ExecutionPending {
		t.Fatalf("expected pending, got %s", ex.Status)
	}

	if err := l.MarkRunning(ctx, ex.ID, "worker-1"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	now = now.Add(5 * time.Second)
	out, applied, err := l.MarkSuccess(ctx, ex.ID, types.ResultSummary{"records": 42})
	if err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if !applied {
		t.Fatal("expected transition to apply")
	}
	if out.Status != types.ExecutionSuccess {
		t.Errorf("expected success, got %s", out.Status)
	}
	if out.DurationMS != 5000 {
		t.Errorf("expected duration 5000ms, got %d", out.DurationMS)
	}
	if out.WorkerID != "worker-1" {
		t.Errorf("expected worker-1, got %q", out.WorkerID)
	}
}

func TestLedger_TerminalIsImmutable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ex, _ := l.Create(ctx, "olt-1", "pon-read", types.TaskClassRead)
	l.MarkRunning(ctx, ex.ID, "worker-1")
	l.MarkSuccess(ctx, ex.ID, nil)

	t.Run("duplicate success callback is a no-op", func(t *testing.T) {
		_, applied, err := l.MarkSuccess(ctx, ex.ID, nil)
		if err != nil {
			t.Fatalf("duplicate MarkSuccess errored: %v", err)
		}
		if applied {
			t.Error("duplicate callback must not apply")
		}
	})

	t.Run("failure after success is a no-op", func(t *testing.T) {
		out, applied, err := l.MarkFailed(ctx, ex.ID, "late error")
		if err != nil {
			t.Fatalf("MarkFailed errored: %v", err)
		}
		if applied {
			t.Error("terminal state must not change")
		}
		if out.Status != types.ExecutionSuccess {
			t.Errorf("status changed to %s", out.Status)
		}
	})

	t.Run("running after terminal is rejected", func(t *testing.T) {
		err := l.MarkRunning(ctx, ex.ID, "worker-2")
		if !errors.Is(err, ErrBadTransition) {
			t.Errorf("expected ErrBadTransition, got %v", err)
		}
	})
}

func TestLedger_SuccessRequiresRunning(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ex, _ := l.Create(ctx, "olt-1", "pon-read", types.TaskClassRead)

	_, _, err := l.MarkSuccess(ctx, ex.ID, nil)
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition for pending -> success, got %v", err)
	}

	got, _ := l.Get(ctx, ex.ID)
	if got.Status != types.ExecutionPending {
		t.Errorf("status = %s, want pending untouched", got.Status)
	}
}

func TestLedger_Interrupt(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	pending, _ := l.Create(ctx, "olt-1", "pon-read", types.TaskClassRead)
	running, _ := l.Create(ctx, "olt-2", "pon-discovery", types.TaskClassDiscovery)
	l.MarkRunning(ctx, running.ID, "worker-1")
	done, _ := l.Create(ctx, "olt-3", "pon-read", types.TaskClassRead)
	l.MarkRunning(ctx, done.ID, "worker-2")
	l.MarkSuccess(ctx, done.ID, nil)

	var notified []string
	n, err := l.InterruptAllActive(ctx, "mode change: simulation -> production", func(ex *types.Execution) {
		notified = append(notified, ex.ID)
	})
	if err != nil {
		t.Fatalf("InterruptAllActive failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 interruptions, got %d", n)
	}
	if len(notified) != 2 {
		t.Errorf("expected a notification per transitioned row, got %d", len(notified))
	}

	for _, id := range []string{pending.ID, running.ID} {
		ex, _ := l.Get(ctx, id)
		if ex.Status != types.ExecutionInterrupted {
			t.Errorf("execution %s: expected interrupted, got %s", id, ex.Status)
		}
		if ex.ErrorMessage == "" {
			t.Error("interruption reason not recorded")
		}
	}

	ex, _ := l.Get(ctx, done.ID)
	if ex.Status != types.ExecutionSuccess {
		t.Errorf("terminal execution touched by interrupt: %s", ex.Status)
	}
}

func TestLedger_ReconcileStuck(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	stale, _ := l.Create(ctx, "olt-1", "pon-read", types.TaskClassRead)
	staleButLive, _ := l.Create(ctx, "olt-2", "pon-read", types.TaskClassRead)

	now = now.Add(10 * time.Minute)
	fresh, _ := l.Create(ctx, "olt-3", "pon-read", types.TaskClassRead)

	live := map[string]bool{staleButLive.ID: true}
	failed, err := l.ReconcileStuck(ctx, 5*time.Minute, func(id string) bool { return live[id] })
	if err != nil {
		t.Fatalf("ReconcileStuck failed: %v", err)
	}

	if len(failed) != 1 || failed[0].ID != stale.ID {
		t.Fatalf("expected only the stale dead execution to fail, got %d", len(failed))
	}

	ex, _ := l.Get(ctx, stale.ID)
	if ex.Status != types.ExecutionFailed {
		t.Errorf("expected failed, got %s", ex.Status)
	}
	if ex.ErrorMessage == "" {
		t.Error("expected synthesized error message")
	}

	for _, id := range []string{staleButLive.ID, fresh.ID} {
		ex, _ := l.Get(ctx, id)
		if ex.Status != types.ExecutionPending {
			t.Errorf("execution %s should remain pending, got %s", id, ex.Status)
		}
	}
}
