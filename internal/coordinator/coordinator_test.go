package coordinator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oltfleet/coordinator/internal/devices"
	"github.com/oltfleet/coordinator/internal/dispatch"
	"github.com/oltfleet/coordinator/internal/eventlog"
	"github.com/oltfleet/coordinator/internal/graph"
	"github.com/oltfleet/coordinator/internal/ledger"
	"github.com/oltfleet/coordinator/internal/lock"
	"github.com/oltfleet/coordinator/internal/mode"
	"github.com/oltfleet/coordinator/internal/quota"
	"github.com/oltfleet/coordinator/internal/scheduler"
	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

type fixture struct {
	store   *storage.MemoryStore
	graph   *graph.Manager
	ledger  *ledger.Ledger
	locks   *lock.MemoryLock
	quota   *quota.Service
	events  *eventlog.Logger
	modes   *mode.Manager
	devices *devices.MemoryRegistry
	coord   *Coordinator
}

// newFixture wires the full coordination stack with a handler that
// always succeeds, and starts the dispatcher workers.
func newFixture(t *testing.T, handler dispatch.Handler) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemoryStore()
	g := graph.NewManager()
	led := ledger.New(store, logger)
	locks := lock.NewMemoryLock()
	q := quota.New(store, logger)
	ev := eventlog.New(store, logger)
	modes := mode.NewManager(types.ModeSimulation)
	reg := devices.NewMemoryRegistry(types.DeviceRef{ID: "olt-1", Enabled: true})

	if handler == nil {
		handler = func(ctx context.Context, device types.DeviceRef, node types.Node) (types.ResultSummary, error) {
			return types.ResultSummary{"records": 5}, nil
		}
	}
	handlers := dispatch.NewRegistry()
	for _, class := range []types.TaskClass{
		types.TaskClassDiscovery, types.TaskClassRead,
		types.TaskClassManual, types.TaskClassCleanup,
	} {
		handlers.Register(class, handler)
	}

	f := &fixture{
		store:   store,
		graph:   g,
		ledger:  led,
		locks:   locks,
		quota:   q,
		events:  ev,
		modes:   modes,
		devices: reg,
	}

	d := dispatch.New(handlers, deferredCallbacks{f}, g, led, locks, reg, logger, nil)
	sched := scheduler.New(g, led, locks, d, q, ev, logger)
	f.coord = New(g, sched, led, q, ev, modes, store, reg, d, logger, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	return f
}

// deferredCallbacks forwards to the coordinator, which is constructed
// after the dispatcher.
type deferredCallbacks struct{ f *fixture }

func (d deferredCallbacks) OnNodeCompleted(ctx context.Context, deviceID, nodeKey, executionID string, durationMS int64, summary types.ResultSummary) {
	d.f.coord.OnNodeCompleted(ctx, deviceID, nodeKey, executionID, durationMS, summary)
}

func (d deferredCallbacks) OnNodeFailed(ctx context.Context, deviceID, nodeKey, executionID, errorMessage string) {
	d.f.coord.OnNodeFailed(ctx, deviceID, nodeKey, executionID, errorMessage)
}

func (d deferredCallbacks) OnNodeInterrupted(ctx context.Context, deviceID, nodeKey, executionID, reason string) {
	d.f.coord.OnNodeInterrupted(ctx, deviceID, nodeKey, executionID, reason)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func addMaster(t *testing.T, f *fixture, key string, class types.TaskClass, interval int, due time.Time) {
	t.Helper()
	err := f.graph.AddNode("olt-1", types.Node{
		Key:             key,
		Name:            key,
		TaskClass:       class,
		IntervalSeconds: interval,
		Enabled:         true,
		NextRunAt:       due,
	})
	if err != nil {
		t.Fatalf("AddNode(%s): %v", key, err)
	}
}

func TestTickDispatchesAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	now := time.Now().UTC()

	addMaster(t, f, "read-optics", types.TaskClassRead, 300, now.Add(-time.Second))

	f.coord.Tick(ctx)

	waitFor(t, "execution success", func() bool {
		execs, _ := f.store.ListExecutions(ctx, storage.ExecutionFilter{
			DeviceID: "olt-1",
			Statuses: []types.ExecutionStatus{types.ExecutionSuccess},
		})
		return len(execs) == 1
	})

	node, err := f.graph.GetNode("olt-1", "read-optics")
	if err != nil {
		t.Fatal(err)
	}
	if node.LastSuccessAt == nil {
		t.Error("last_success_at not stamped")
	}
	if !node.NextRunAt.After(now) {
		t.Errorf("next_run_at = %v, want after completion", node.NextRunAt)
	}

	tr, err := f.quota.Tracker(ctx, "olt-1", types.TaskClassRead, f.quota.PeriodStart(now))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Completed != 1 || tr.Pending != 0 {
		t.Errorf("tracker completed=%d pending=%d, want 1/0", tr.Completed, tr.Pending)
	}
}

func TestMasterSuccessTriggersChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	now := time.Now().UTC()

	addMaster(t, f, "discover-onus", types.TaskClassDiscovery, 600, now.Add(-time.Second))
	err := f.graph.AddNode("olt-1", types.Node{
		Key:             "read-after-discover",
		Name:            "read-after-discover",
		TaskClass:       types.TaskClassRead,
		IntervalSeconds: 600,
		Enabled:         true,
		IsChainNode:     true,
		MasterKey:       "discover-onus",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.coord.Tick(ctx)

	waitFor(t, "master and chain success", func() bool {
		execs, _ := f.store.ListExecutions(ctx, storage.ExecutionFilter{
			DeviceID: "olt-1",
			Statuses: []types.ExecutionStatus{types.ExecutionSuccess},
		})
		return len(execs) == 2
	})

	execs, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{
		DeviceID: "olt-1", NodeKey: "read-after-discover",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("chain executions = %d, want 1", len(execs))
	}
	if execs[0].Status != types.ExecutionSuccess {
		t.Errorf("chain status = %s, want success", execs[0].Status)
	}
}

func TestDriftCorrection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// Reads are pinned to :10; plant one at :07 two minutes out.
	due := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Minute).Add(7 * time.Second)
	addMaster(t, f, "read-optics", types.TaskClassRead, 300, due)

	f.coord.Tick(ctx)

	node, err := f.graph.GetNode("olt-1", "read-optics")
	if err != nil {
		t.Fatal(err)
	}
	if node.NextRunAt.Second() != 10 {
		t.Errorf("next_run_at second = %d, want 10", node.NextRunAt.Second())
	}
	if !node.NextRunAt.Truncate(time.Minute).Equal(due.Truncate(time.Minute)) {
		t.Errorf("drift correction moved the minute: %v -> %v", due, node.NextRunAt)
	}

	entries, err := f.events.Query(ctx, storage.LogFilter{Type: types.EventDriftCorrected})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("drift events = %d, want 1", len(entries))
	}
}

func TestStructureChangeDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	future := time.Now().UTC().Add(time.Hour)

	addMaster(t, f, "read-optics", types.TaskClassRead, 300, future)
	f.coord.Tick(ctx) // first pass persists the baseline fingerprint

	entries, err := f.events.Query(ctx, storage.LogFilter{Type: types.EventStructureChanged})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("structure events after baseline = %d, want 0", len(entries))
	}

	addMaster(t, f, "read-traffic", types.TaskClassRead, 300, future)
	f.coord.Tick(ctx)

	entries, err = f.events.Query(ctx, storage.LogFilter{Type: types.EventStructureChanged})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("structure events after change = %d, want 1", len(entries))
	}
}

func TestNewPeriodReseedsRequiredQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	base := time.Date(2026, 3, 1, 12, 5, 10, 0, time.UTC)
	clock := base
	f.coord.SetClock(func() time.Time { return clock })
	f.quota.SetClock(func() time.Time { return clock })

	// Stable graph: one read every 5 minutes, nothing due. The required
	// quota must still follow every period, not just structure changes.
	addMaster(t, f, "read-optics", types.TaskClassRead, 300, base.Add(24*time.Hour))

	f.coord.Tick(ctx)

	tr, err := f.quota.Tracker(ctx, "olt-1", types.TaskClassRead, f.quota.PeriodStart(base))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Required != 12 {
		t.Fatalf("period 1 required = %d, want 12", tr.Required)
	}

	clock = base.Add(time.Hour)
	f.coord.Tick(ctx)

	tr, err = f.quota.Tracker(ctx, "olt-1", types.TaskClassRead, f.quota.PeriodStart(clock))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Required != 12 {
		t.Errorf("period 2 required = %d, want 12 (unchanged graph)", tr.Required)
	}
}

func TestModeChangeInterruptsAndReschedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	now := time.Now().UTC()

	addMaster(t, f, "discover-onus", types.TaskClassDiscovery, 600, now.Add(time.Hour))

	ex, err := f.ledger.Create(ctx, "olt-1", "discover-onus", types.TaskClassDiscovery)
	if err != nil {
		t.Fatal(err)
	}

	flip := now.Add(time.Second)
	f.coord.handleModeChange(ctx, mode.Change{
		From: types.ModeSimulation, To: types.ModeProduction,
		Version: 2, ChangedAt: flip,
	})

	got, err := f.ledger.Get(ctx, ex.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.ExecutionInterrupted {
		t.Errorf("status = %s, want interrupted", got.Status)
	}

	node, err := f.graph.GetNode("olt-1", "discover-onus")
	if err != nil {
		t.Fatal(err)
	}
	want := flip.Add(600 * time.Second)
	if !node.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %v (flip + interval)", node.NextRunAt, want)
	}

	tr, err := f.quota.Tracker(ctx, "olt-1", types.TaskClassDiscovery, f.quota.PeriodStart(now))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Skipped != 1 {
		t.Errorf("tracker skipped = %d, want 1", tr.Skipped)
	}
}

func TestReconcileForceFailsStuckPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	addMaster(t, f, "read-optics", types.TaskClassRead, 300, time.Now().UTC().Add(time.Hour))

	// A PENDING row created 30 minutes ago whose dispatch never ran.
	past := time.Now().UTC().Add(-30 * time.Minute)
	f.ledger.SetClock(func() time.Time { return past })
	ex, err := f.ledger.Create(ctx, "olt-1", "read-optics", types.TaskClassRead)
	if err != nil {
		t.Fatal(err)
	}
	f.ledger.SetClock(time.Now)

	f.coord.reconcile(ctx)

	got, err := f.ledger.Get(ctx, ex.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.ExecutionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	entries, err := f.events.Query(ctx, storage.LogFilter{Type: types.EventForceFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("force-fail events = %d, want 1", len(entries))
	}
}

func TestAuditGradesClosedPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// Seed a tracker in the previous period: 1 of 10 completed.
	prev := f.quota.PeriodStart(time.Now().UTC()).Add(-time.Hour)
	inPrev := prev.Add(10 * time.Minute)
	f.quota.SetClock(func() time.Time { return inPrev })
	if err := f.quota.SetRequired(ctx, "olt-1", types.TaskClassRead, 10, false); err != nil {
		t.Fatal(err)
	}
	if err := f.quota.RecordCompletion(ctx, "olt-1", types.TaskClassRead, types.ExecutionSuccess, 1000); err != nil {
		t.Fatal(err)
	}
	f.quota.SetClock(time.Now)

	f.coord.audit(ctx)

	violations, err := f.store.ListViolations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].Severity != types.SeverityCritical {
		t.Errorf("severity = %s, want critical (10%% completion)", violations[0].Severity)
	}
	if violations[0].DeviceID != "olt-1" {
		t.Errorf("device = %s, want olt-1", violations[0].DeviceID)
	}
}

func TestTriggerNodeRunsOutOfSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	addMaster(t, f, "read-optics", types.TaskClassRead, 300, time.Now().UTC().Add(time.Hour))

	if err := f.coord.TriggerNode(ctx, "olt-1", "read-optics"); err != nil {
		t.Fatalf("TriggerNode: %v", err)
	}

	waitFor(t, "manual execution success", func() bool {
		execs, _ := f.store.ListExecutions(ctx, storage.ExecutionFilter{
			DeviceID: "olt-1",
			Statuses: []types.ExecutionStatus{types.ExecutionSuccess},
		})
		return len(execs) == 1
	})
}
