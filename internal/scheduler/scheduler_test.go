package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oltfleet/coordinator/internal/dispatch"
	"github.com/oltfleet/coordinator/internal/eventlog"
	"github.com/oltfleet/coordinator/internal/graph"
	"github.com/oltfleet/coordinator/internal/ledger"
	"github.com/oltfleet/coordinator/internal/lock"
	"github.com/oltfleet/coordinator/internal/quota"
	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

type noopCallbacks struct{}

func (noopCallbacks) OnNodeCompleted(context.Context, string, string, string, int64, types.ResultSummary) {
}
func (noopCallbacks) OnNodeFailed(context.Context, string, string, string, string)      {}
func (noopCallbacks) OnNodeInterrupted(context.Context, string, string, string, string) {}

type fixture struct {
	store     *storage.MemoryStore
	graph     *graph.Manager
	ledger    *ledger.Ledger
	locks     *lock.MemoryLock
	quota     *quota.Service
	scheduler *DynamicScheduler
}

func newFixture(t *testing.T, queueDepth int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemoryStore()
	g := graph.NewManager()
	led := ledger.New(store, logger)
	locks := lock.NewMemoryLock()
	q := quota.New(store, logger)
	ev := eventlog.New(store, logger)

	cfg := dispatch.DefaultConfig()
	cfg.QueueDepth = queueDepth
	reg := dispatch.NewRegistry()
	d := dispatch.New(reg, noopCallbacks{}, g, led, locks, nil, logger, cfg)

	return &fixture{
		store:     store,
		graph:     g,
		ledger:    led,
		locks:     locks,
		quota:     q,
		scheduler: New(g, led, locks, d, q, ev, logger),
	}
}

func addNode(t *testing.T, f *fixture, deviceID, key string, class types.TaskClass, due time.Time) {
	t.Helper()
	err := f.graph.AddNode(deviceID, types.Node{
		Key:             key,
		Name:            key,
		TaskClass:       class,
		IntervalSeconds: 300,
		Enabled:         true,
		NextRunAt:       due,
	})
	if err != nil {
		t.Fatalf("AddNode(%s): %v", key, err)
	}
}

func TestProcessDeviceDispatchesReadyNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	now := time.Now().UTC()

	addNode(t, f, "olt-1", "read-optics", types.TaskClassRead, now.Add(-time.Second))
	addNode(t, f, "olt-1", "later", types.TaskClassRead, now.Add(time.Hour))

	if got := f.scheduler.ProcessDevice(ctx, "olt-1", now); got != 1 {
		t.Fatalf("dispatched = %d, want 1", got)
	}

	execs, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{DeviceID: "olt-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Status != types.ExecutionPending {
		t.Errorf("status = %s, want pending", execs[0].Status)
	}
	if execs[0].NodeKey != "read-optics" {
		t.Errorf("node_key = %s, want read-optics", execs[0].NodeKey)
	}

	tr, err := f.quota.Tracker(ctx, "olt-1", types.TaskClassRead, f.quota.PeriodStart(now))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Pending != 1 {
		t.Errorf("tracker pending = %d, want 1", tr.Pending)
	}

	// The scheduler holds the device lock until the worker releases it.
	if _, err := f.locks.TryAcquire(ctx, "olt-1", time.Minute); !errors.Is(err, lock.ErrLockBusy) {
		t.Errorf("TryAcquire after dispatch = %v, want ErrLockBusy", err)
	}
}

func TestProcessDeviceSkipsBusyDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	now := time.Now().UTC()
	due := now.Add(-time.Second)

	addNode(t, f, "olt-1", "read-optics", types.TaskClassRead, due)

	if _, err := f.locks.TryAcquire(ctx, "olt-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	if got := f.scheduler.ProcessDevice(ctx, "olt-1", now); got != 0 {
		t.Fatalf("dispatched = %d, want 0", got)
	}

	execs, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{DeviceID: "olt-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 0 {
		t.Fatalf("executions = %d, want 0", len(execs))
	}

	// next_run_at untouched: the node stays due for the next tick.
	node, err := f.graph.GetNode("olt-1", "read-optics")
	if err != nil {
		t.Fatal(err)
	}
	if !node.NextRunAt.Equal(due) {
		t.Errorf("next_run_at = %v, want %v", node.NextRunAt, due)
	}
}

func TestProcessDeviceQueueFullFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0) // zero-depth queues, nothing can be enqueued
	now := time.Now().UTC()

	addNode(t, f, "olt-1", "read-optics", types.TaskClassRead, now.Add(-time.Second))

	if got := f.scheduler.ProcessDevice(ctx, "olt-1", now); got != 0 {
		t.Fatalf("dispatched = %d, want 0", got)
	}

	execs, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{DeviceID: "olt-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Status != types.ExecutionFailed {
		t.Errorf("status = %s, want failed", execs[0].Status)
	}

	// Lock must be released after the enqueue failure.
	if _, err := f.locks.TryAcquire(ctx, "olt-1", time.Minute); err != nil {
		t.Errorf("TryAcquire after queue-full = %v, want success", err)
	}
}

func TestDispatchChainBypassesSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	now := time.Now().UTC()

	// Chain node is not due for an hour; DispatchChain must run it anyway.
	addNode(t, f, "olt-1", "discover-onus", types.TaskClassDiscovery, now.Add(-time.Second))
	err := f.graph.AddNode("olt-1", types.Node{
		Key:             "read-after-discover",
		Name:            "read-after-discover",
		TaskClass:       types.TaskClassRead,
		IntervalSeconds: 300,
		Enabled:         true,
		IsChainNode:     true,
		MasterKey:       "discover-onus",
		NextRunAt:       now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	node, err := f.graph.GetNode("olt-1", "read-after-discover")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.scheduler.DispatchChain(ctx, "olt-1", node); err != nil {
		t.Fatalf("DispatchChain: %v", err)
	}

	execs, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{DeviceID: "olt-1", NodeKey: "read-after-discover"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
}

func TestDispatchChainBusyLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	now := time.Now().UTC()

	addNode(t, f, "olt-1", "discover-onus", types.TaskClassDiscovery, now.Add(-time.Second))
	if _, err := f.locks.TryAcquire(ctx, "olt-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	node, err := f.graph.GetNode("olt-1", "discover-onus")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.scheduler.DispatchChain(ctx, "olt-1", node); !errors.Is(err, lock.ErrLockBusy) {
		t.Fatalf("DispatchChain = %v, want ErrLockBusy", err)
	}
}
