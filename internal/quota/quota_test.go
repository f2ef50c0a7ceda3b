package quota

import (
	"context"
	"testing"
	"time"

	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

func newTestService(t *testing.T, now time.Time) (*Service, *storage.MemoryStore, *time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := New(store, nil)
	current := now
	svc.SetClock(func() time.Time { return current })
	return svc, store, &current
}

func TestCompletionPercentage(t *testing.T) {
	tests := []struct {
		name      string
		required  int
		completed int
		want      float64
	}{
		{"no expected load reports full", 0, 0, 100},
		{"quarter done", 4, 1, 25},
		{"complete", 4, 4, 100},
		{"over quota", 4, 5, 125},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &types.QuotaTracker{Required: tt.required, Completed: tt.completed}
			if got := tr.CompletionPercentage(); got != tt.want {
				t.Errorf("CompletionPercentage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAtRisk(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := &types.QuotaTracker{
		PeriodStart: periodStart,
		Required:    4,
		Completed:   1,
	}

	// 80% of the hour elapsed, 25% complete: gap 55 > 20.
	at80 := periodStart.Add(48 * time.Minute)
	if !tr.IsAtRisk(at80, time.Hour, DefaultAtRiskMargin) {
		t.Error("expected at-risk at 80%% elapsed / 25%% complete")
	}

	// 30% elapsed, 25% complete: gap 5 <= 20.
	at30 := periodStart.Add(18 * time.Minute)
	if tr.IsAtRisk(at30, time.Hour, DefaultAtRiskMargin) {
		t.Error("not expected at-risk at 30%% elapsed / 25%% complete")
	}

	idle := &types.QuotaTracker{PeriodStart: periodStart}
	if idle.IsAtRisk(at80, time.Hour, DefaultAtRiskMargin) {
		t.Error("tracker with no expected load must never be at risk")
	}
}

func TestService_RecordCompletion(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _, clock := newTestService(t, periodStart.Add(5*time.Minute))
	ctx := context.Background()

	if err := svc.SetRequired(ctx, "olt-1", types.TaskClassRead, 12, false); err != nil {
		t.Fatalf("SetRequired failed: %v", err)
	}
	if err := svc.RecordDispatch(ctx, "olt-1", types.TaskClassRead); err != nil {
		t.Fatalf("RecordDispatch failed: %v", err)
	}
	if err := svc.RecordCompletion(ctx, "olt-1", types.TaskClassRead, types.ExecutionSuccess, 5000); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}
	if err := svc.RecordCompletion(ctx, "olt-1", types.TaskClassRead, types.ExecutionFailed, 2000); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}
	if err := svc.RecordCompletion(ctx, "olt-1", types.TaskClassRead, types.ExecutionInterrupted, 0); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}

	tr, err := svc.Tracker(ctx, "olt-1", types.TaskClassRead, periodStart)
	if err != nil {
		t.Fatalf("Tracker failed: %v", err)
	}
	if tr.Completed != 1 || tr.Failed != 1 || tr.Skipped != 1 {
		t.Errorf("counts = completed %d failed %d skipped %d", tr.Completed, tr.Failed, tr.Skipped)
	}
	if tr.TotalDurationMS != 7000 {
		t.Errorf("total duration = %d, want 7000", tr.TotalDurationMS)
	}
	if tr.Pending != 0 {
		t.Errorf("pending = %d, want 0", tr.Pending)
	}

	// Late in the period with only 1/12 complete, live status flips to at-risk.
	*clock = periodStart.Add(50 * time.Minute)
	if err := svc.RecordCompletion(ctx, "olt-1", types.TaskClassRead, types.ExecutionFailed, 100); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}
	tr, _ = svc.Tracker(ctx, "olt-1", types.TaskClassRead, periodStart)
	if tr.Status != types.QuotaAtRisk {
		t.Errorf("status = %s, want %s", tr.Status, types.QuotaAtRisk)
	}
}

func TestService_AuditPeriod(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, store, _ := newTestService(t, periodStart.Add(61*time.Minute))
	ctx := context.Background()

	seed := func(device string, required, completed, failed int) {
		t.Helper()
		err := store.MutateTracker(ctx, device, types.TaskClassRead, periodStart, func(tr *types.QuotaTracker) error {
			tr.Required = required
			tr.Completed = completed
			tr.Failed = failed
			return nil
		})
		if err != nil {
			t.Fatalf("seed tracker: %v", err)
		}
	}

	seed("olt-good", 10, 9, 1)      // 90% -> completed, no violation
	seed("olt-partial", 20, 9, 11)  // 45% -> partial, low severity
	seed("olt-bad", 10, 1, 9)       // 10% -> partial, critical severity
	seed("olt-dead", 10, 0, 5)      // 0%  -> quota_not_met, critical
	seed("olt-untouched", 10, 0, 0) // no observations -> skipped entirely

	violations, err := svc.AuditPeriod(ctx, periodStart)
	if err != nil {
		t.Fatalf("AuditPeriod failed: %v", err)
	}
	if len(violations) != 3 {
		t.Fatalf("expected 3 violations, got %d", len(violations))
	}

	bySeverity := make(map[string]types.Severity)
	for _, v := range violations {
		bySeverity[v.DeviceID] = v.Severity
	}
	if bySeverity["olt-partial"] != types.SeverityLow {
		t.Errorf("olt-partial severity = %s, want low", bySeverity["olt-partial"])
	}
	if bySeverity["olt-bad"] != types.SeverityCritical {
		t.Errorf("olt-bad severity = %s, want critical", bySeverity["olt-bad"])
	}
	if bySeverity["olt-dead"] != types.SeverityCritical {
		t.Errorf("olt-dead severity = %s, want critical", bySeverity["olt-dead"])
	}

	status := func(device string) types.QuotaStatus {
		tr, _ := svc.Tracker(ctx, device, types.TaskClassRead, periodStart)
		return tr.Status
	}
	if status("olt-good") != types.QuotaCompleted {
		t.Errorf("olt-good status = %s", status("olt-good"))
	}
	if status("olt-partial") != types.QuotaPartial {
		t.Errorf("olt-partial status = %s", status("olt-partial"))
	}
	if status("olt-dead") != types.QuotaNotMet {
		t.Errorf("olt-dead status = %s", status("olt-dead"))
	}
	if status("olt-untouched") != types.QuotaInProgress {
		t.Errorf("olt-untouched status = %s, audit should not touch it", status("olt-untouched"))
	}
}
