package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oltfleet/coordinator/pkg/types"
)

func seedExecution(t *testing.T, s *MemoryStore, id, deviceID, nodeKey string, status types.ExecutionStatus, createdAt time.Time) {
	t.Helper()
	err := s.CreateExecution(context.Background(), &types.Execution{
		ID:        id,
		DeviceID:  deviceID,
		NodeKey:   nodeKey,
		TaskClass: types.TaskClassRead,
		Status:    status,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("CreateExecution(%s): %v", id, err)
	}
}

func TestExecutionFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedExecution(t, s, "a", "olt-1", "read-optics", types.ExecutionSuccess, now.Add(-3*time.Minute))
	seedExecution(t, s, "b", "olt-1", "discover-onus", types.ExecutionPending, now.Add(-2*time.Minute))
	seedExecution(t, s, "c", "olt-2", "read-optics", types.ExecutionPending, now.Add(-time.Minute))

	t.Run("by device", func(t *testing.T) {
		out, err := s.ListExecutions(ctx, ExecutionFilter{DeviceID: "olt-1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 2 {
			t.Fatalf("len = %d, want 2", len(out))
		}
		// Newest first.
		if out[0].ID != "b" || out[1].ID != "a" {
			t.Errorf("order = %s,%s, want b,a", out[0].ID, out[1].ID)
		}
	})

	t.Run("by status", func(t *testing.T) {
		out, err := s.ListExecutions(ctx, ExecutionFilter{
			Statuses: []types.ExecutionStatus{types.ExecutionPending},
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 2 {
			t.Errorf("len = %d, want 2", len(out))
		}
	})

	t.Run("count fleet-wide", func(t *testing.T) {
		n, err := s.CountExecutions(ctx, "", types.ExecutionPending)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("count = %d, want 2", n)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		if _, err := s.GetExecution(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestMutateExecutionCopySemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedExecution(t, s, "a", "olt-1", "read-optics", types.ExecutionPending, now)

	got, err := s.GetExecution(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	got.Status = types.ExecutionFailed // must not leak into the store

	reread, err := s.GetExecution(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if reread.Status != types.ExecutionPending {
		t.Errorf("status = %s, caller mutation leaked into store", reread.Status)
	}

	err = s.MutateExecution(ctx, "a", func(ex *types.Execution) error {
		ex.Status = types.ExecutionRunning
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	reread, err = s.GetExecution(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if reread.Status != types.ExecutionRunning {
		t.Errorf("status = %s, want running", reread.Status)
	}

	// A failing mutate must not apply partial changes.
	boom := errors.New("boom")
	err = s.MutateExecution(ctx, "a", func(ex *types.Execution) error {
		ex.Status = types.ExecutionFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	reread, _ = s.GetExecution(ctx, "a")
	if reread.Status != types.ExecutionRunning {
		t.Errorf("status = %s, failed mutate applied changes", reread.Status)
	}
}

func TestTrackerKeying(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	period := time.Now().UTC().Truncate(time.Hour)

	tr, err := s.GetOrCreateTracker(ctx, "olt-1", types.TaskClassRead, period)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != types.QuotaInProgress {
		t.Errorf("new tracker status = %s, want in_progress", tr.Status)
	}

	err = s.MutateTracker(ctx, "olt-1", types.TaskClassRead, period, func(tr *types.QuotaTracker) error {
		tr.Completed = 3
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Same device, different class and different period are separate rows.
	other, err := s.GetOrCreateTracker(ctx, "olt-1", types.TaskClassDiscovery, period)
	if err != nil {
		t.Fatal(err)
	}
	if other.Completed != 0 {
		t.Errorf("different class shares a tracker row")
	}
	next, err := s.GetOrCreateTracker(ctx, "olt-1", types.TaskClassRead, period.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if next.Completed != 0 {
		t.Errorf("different period shares a tracker row")
	}

	listed, err := s.ListTrackers(ctx, period)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Errorf("trackers in period = %d, want 2", len(listed))
	}
}

func TestRetentionDeletesOnlyTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := time.Now().UTC().Add(-48 * time.Hour)

	seedExecution(t, s, "done", "olt-1", "read-optics", types.ExecutionSuccess, old)
	seedExecution(t, s, "stuck", "olt-1", "read-optics", types.ExecutionPending, old)

	n, err := s.DeleteExecutionsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := s.GetExecution(ctx, "stuck"); err != nil {
		t.Error("retention deleted a non-terminal execution")
	}
}

func TestLogQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	entries := []*types.LogEntry{
		{Type: types.EventDispatch, Level: types.LogLevelDebug, DeviceID: "olt-1", Timestamp: now.Add(-3 * time.Second)},
		{Type: types.EventQuotaViolation, Level: types.LogLevelWarning, DeviceID: "olt-1", Timestamp: now.Add(-2 * time.Second)},
		{Type: types.EventDispatch, Level: types.LogLevelDebug, DeviceID: "olt-2", Timestamp: now.Add(-time.Second)},
	}
	for _, e := range entries {
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.QueryLog(ctx, LogFilter{DeviceID: "olt-1", Type: types.EventDispatch})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}

	out, err = s.QueryLog(ctx, LogFilter{Level: types.LogLevelWarning})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Type != types.EventQuotaViolation {
		t.Errorf("warning filter returned %d entries", len(out))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetSnapshot(ctx, "olt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	snap := &types.DeviceSnapshot{DeviceID: "olt-1", Fingerprint: 0xdeadbeef, CapturedAt: time.Now().UTC()}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSnapshot(ctx, "olt-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fingerprint != 0xdeadbeef {
		t.Errorf("fingerprint = %x, want deadbeef", got.Fingerprint)
	}
}
