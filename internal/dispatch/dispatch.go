package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oltfleet/coordinator/internal/devices"
	"github.com/oltfleet/coordinator/internal/ledger"
	"github.com/oltfleet/coordinator/internal/lock"
	"github.com/oltfleet/coordinator/internal/metrics"
	"github.com/oltfleet/coordinator/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the target queue cannot
// accept more work; the scheduler treats it as an infrastructure
// failure for that execution.
var ErrQueueFull = errors.New("dispatch queue full")

// Callbacks are the only two entry points workers use to report an
// outcome back into the coordination core, plus the bookkeeping-only
// interruption path for devices that vanished mid-flight.
type Callbacks interface {
	OnNodeCompleted(ctx context.Context, deviceID, nodeKey, executionID string, durationMS int64, summary types.ResultSummary)
	OnNodeFailed(ctx context.Context, deviceID, nodeKey, executionID, errorMessage string)
	OnNodeInterrupted(ctx context.Context, deviceID, nodeKey, executionID, reason string)
}

// NodeSource resolves the current node definition for a dispatch.
type NodeSource interface {
	GetNode(deviceID, key string) (*types.Node, error)
}

// item is the in-process queue element. The lock token rides alongside
// the wire-shaped DispatchMessage so the worker can re-affirm and
// release the device lock the scheduler acquired.
type item struct {
	msg       types.DispatchMessage
	lockToken string
}

// Config holds dispatcher sizing.
type Config struct {
	// QueueDepth is the buffer size of each typed queue.
	QueueDepth int
	// Workers maps queue name to pool size. Queues not present get one
	// worker.
	Workers map[string]int
	// LockTTL is the TTL workers use when re-affirming device locks.
	LockTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueDepth: 256,
		Workers: map[string]int{
			types.TaskClassDiscovery.QueueName(): 4,
			types.TaskClassRead.QueueName():      8,
			types.TaskClassManual.QueueName():    2,
			types.TaskClassCleanup.QueueName():   1,
		},
		LockTTL: 2 * time.Minute,
	}
}

// Dispatcher owns the typed queues and their worker pools.
type Dispatcher struct {
	registry  *Registry
	callbacks Callbacks
	nodes     NodeSource
	ledger    *ledger.Ledger
	lock      lock.Lock
	devices   devices.Registry
	logger    *slog.Logger
	lockTTL   time.Duration

	queues     map[string]chan item
	cfgWorkers map[string]int

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// New creates a dispatcher. Start must be called before Enqueue.
func New(registry *Registry, callbacks Callbacks, nodes NodeSource, led *ledger.Ledger, lk lock.Lock, reg devices.Registry, logger *slog.Logger, cfg *Config) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	queues := make(map[string]chan item)
	for _, class := range []types.TaskClass{
		types.TaskClassDiscovery, types.TaskClassRead,
		types.TaskClassManual, types.TaskClassCleanup,
	} {
		queues[class.QueueName()] = make(chan item, cfg.QueueDepth)
	}

	d := &Dispatcher{
		registry:  registry,
		callbacks: callbacks,
		nodes:     nodes,
		ledger:    led,
		lock:      lk,
		devices:   reg,
		logger:    logger,
		lockTTL:   cfg.LockTTL,
		queues:    queues,
		inflight:  make(map[string]struct{}),
	}
	d.cfgWorkers = cfg.Workers
	return d
}

// Start launches the worker pools. Workers exit when ctx is cancelled
// and their queue is drained.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for queue, ch := range d.queues {
		n := d.cfgWorkers[queue]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			workerID := fmt.Sprintf("%s-worker-%d-%s", queue, i, uuid.NewString()[:8])
			d.wg.Add(1)
			go d.run(ctx, workerID, ch)
		}
	}
}

// Enqueue places a dispatch on its typed queue without blocking.
func (d *Dispatcher) Enqueue(msg types.DispatchMessage, lockToken string) error {
	ch, ok := d.queues[msg.Queue]
	if !ok {
		return fmt.Errorf("unknown queue %q", msg.Queue)
	}
	d.trackInflight(msg.ExecutionID)
	select {
	case ch <- item{msg: msg, lockToken: lockToken}:
		metrics.QueueDepth.WithLabelValues(msg.Queue).Inc()
		return nil
	default:
		d.untrackInflight(msg.ExecutionID)
		return ErrQueueFull
	}
}

// IsLive reports whether an execution is still queued or executing.
// The reconciliation job uses this to distinguish slow work from lost
// work.
func (d *Dispatcher) IsLive(executionID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	_, ok := d.inflight[executionID]
	return ok
}

func (d *Dispatcher) trackInflight(id string) {
	d.inflightMu.Lock()
	d.inflight[id] = struct{}{}
	d.inflightMu.Unlock()
}

func (d *Dispatcher) untrackInflight(id string) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// run is one worker loop.
func (d *Dispatcher) run(ctx context.Context, workerID string, ch chan item) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case it := <-ch:
			metrics.QueueDepth.WithLabelValues(it.msg.Queue).Dec()
			d.execute(ctx, workerID, it)
		}
	}
}

// drain interrupts dispatches still queued at shutdown instead of
// starting device I/O on a dead context. Nothing is left PENDING with
// its device lock held.
func (d *Dispatcher) drain(ch chan item) {
	ctx := context.Background()
	for {
		select {
		case it := <-ch:
			metrics.QueueDepth.WithLabelValues(it.msg.Queue).Dec()
			if it.lockToken != "" {
				if err := d.lock.Release(ctx, it.msg.DeviceID, it.lockToken); err != nil {
					d.logger.Error("release device lock", "device_id", it.msg.DeviceID, "error", err)
				}
			}
			d.callbacks.OnNodeInterrupted(ctx, it.msg.DeviceID, it.msg.NodeKey, it.msg.ExecutionID,
				"dispatcher shutdown")
			d.untrackInflight(it.msg.ExecutionID)
		default:
			return
		}
	}
}

// execute runs one dispatch end to end. The device lock is released
// right after device I/O, before completion callbacks, so a chained
// node can take the device without waiting for bookkeeping.
func (d *Dispatcher) execute(ctx context.Context, workerID string, it item) {
	defer d.untrackInflight(it.msg.ExecutionID)

	msg := it.msg
	releaseLock := func() {
		if it.lockToken == "" {
			return
		}
		if err := d.lock.Release(ctx, msg.DeviceID, it.lockToken); err != nil {
			d.logger.Error("release device lock", "device_id", msg.DeviceID, "error", err)
		}
		it.lockToken = ""
	}
	defer releaseLock()

	if err := d.ledger.MarkRunning(ctx, msg.ExecutionID, workerID); err != nil {
		// Already interrupted or force-failed while queued.
		d.logger.Debug("dispatch skipped", "execution_id", msg.ExecutionID, "error", err)
		return
	}

	// Re-affirm lock ownership before touching the device.
	if it.lockToken != "" {
		if err := d.lock.Refresh(ctx, msg.DeviceID, it.lockToken, d.lockTTL); err != nil {
			d.callbacks.OnNodeFailed(ctx, msg.DeviceID, msg.NodeKey, msg.ExecutionID,
				fmt.Sprintf("device lock lost before I/O: %v", err))
			return
		}
	}

	device, ok := d.devices.GetDevice(ctx, msg.DeviceID)
	if !ok || !device.Enabled {
		d.callbacks.OnNodeInterrupted(ctx, msg.DeviceID, msg.NodeKey, msg.ExecutionID,
			"device disabled mid-flight")
		return
	}

	node, err := d.nodes.GetNode(msg.DeviceID, msg.NodeKey)
	if err != nil {
		d.callbacks.OnNodeFailed(ctx, msg.DeviceID, msg.NodeKey, msg.ExecutionID,
			fmt.Sprintf("node vanished: %v", err))
		return
	}

	handler, err := d.registry.Resolve(msg.TaskClass)
	if err != nil {
		d.callbacks.OnNodeFailed(ctx, msg.DeviceID, msg.NodeKey, msg.ExecutionID, err.Error())
		return
	}

	start := time.Now()
	summary, pollErr := handler(ctx, *device, *node)
	durationMS := time.Since(start).Milliseconds()

	// Device I/O is done; free the device before bookkeeping.
	releaseLock()

	if pollErr != nil {
		d.callbacks.OnNodeFailed(ctx, msg.DeviceID, msg.NodeKey, msg.ExecutionID, pollErr.Error())
		return
	}
	d.callbacks.OnNodeCompleted(ctx, msg.DeviceID, msg.NodeKey, msg.ExecutionID, durationMS, summary)
}
