// Package scheduler decides which nodes run and hands them to the
// dispatch queues. It never performs device I/O and never blocks on a
// busy device: mutual exclusion comes from the per-device lock, and a
// busy lock simply defers the node to a later tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oltfleet/coordinator/internal/dispatch"
	"github.com/oltfleet/coordinator/internal/eventlog"
	"github.com/oltfleet/coordinator/internal/graph"
	"github.com/oltfleet/coordinator/internal/ledger"
	"github.com/oltfleet/coordinator/internal/lock"
	"github.com/oltfleet/coordinator/internal/metrics"
	"github.com/oltfleet/coordinator/internal/quota"
	"github.com/oltfleet/coordinator/pkg/types"
)

// DefaultLockTTL bounds how long a dispatched execution may hold its
// device before the lock self-expires.
const DefaultLockTTL = 2 * time.Minute

// DynamicScheduler walks a device's ready nodes each tick and dispatches
// those whose device lock can be acquired.
type DynamicScheduler struct {
	graph      *graph.Manager
	ledger     *ledger.Ledger
	locks      lock.Lock
	dispatcher *dispatch.Dispatcher
	quota      *quota.Service
	events     *eventlog.Logger
	logger     *slog.Logger
	lockTTL    time.Duration
}

// New creates a scheduler.
func New(g *graph.Manager, led *ledger.Ledger, lk lock.Lock, d *dispatch.Dispatcher, q *quota.Service, ev *eventlog.Logger, logger *slog.Logger) *DynamicScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamicScheduler{
		graph:      g,
		ledger:     led,
		locks:      lk,
		dispatcher: d,
		quota:      q,
		events:     ev,
		logger:     logger,
		lockTTL:    DefaultLockTTL,
	}
}

// SetLockTTL overrides the device lock TTL.
func (s *DynamicScheduler) SetLockTTL(ttl time.Duration) { s.lockTTL = ttl }

// ProcessDevice dispatches every ready node of one device. Nodes whose
// device lock is busy are skipped without touching next_run_at, so they
// come up again on the next tick. Returns how many nodes were
// dispatched; per-node failures are logged, not returned, so one bad
// node never starves its siblings.
func (s *DynamicScheduler) ProcessDevice(ctx context.Context, deviceID string, now time.Time) int {
	dispatched := 0
	for _, node := range s.graph.ReadyNodes(deviceID, now) {
		if err := s.dispatchNode(ctx, deviceID, node); err != nil {
			if errors.Is(err, lock.ErrLockBusy) {
				// Previous execution still owns the device.
				metrics.LockContentionTotal.Inc()
				continue
			}
			s.logger.Error("dispatch node",
				"device_id", deviceID, "node_key", node.Key, "error", err)
			continue
		}
		dispatched++
	}
	return dispatched
}

// DispatchChain dispatches a chain node triggered by its master's
// success. It bypasses the next_run_at check but goes through the same
// lock-and-enqueue path as a timed dispatch; the master's worker has
// already released the device, so acquisition normally succeeds
// immediately. A busy lock is reported back so the caller can log the
// skipped trigger.
func (s *DynamicScheduler) DispatchChain(ctx context.Context, deviceID string, node *types.Node) error {
	err := s.dispatchNode(ctx, deviceID, node)
	if errors.Is(err, lock.ErrLockBusy) {
		metrics.LockContentionTotal.Inc()
		s.events.Event(ctx, types.EventLockBusy, types.LogLevelWarning, deviceID, node.Key,
			"chain trigger skipped: device lock busy", nil)
	}
	return err
}

// DispatchNow dispatches a node immediately, bypassing its schedule.
// Used for operator-triggered runs; the device lock still applies.
func (s *DynamicScheduler) DispatchNow(ctx context.Context, deviceID string, node *types.Node) error {
	return s.dispatchNode(ctx, deviceID, node)
}

// dispatchNode is the single path every dispatch takes: acquire the
// device lock, create the PENDING execution, record the quota dispatch,
// enqueue. The lock token travels with the queue item and is released by
// the worker after device I/O.
func (s *DynamicScheduler) dispatchNode(ctx context.Context, deviceID string, node *types.Node) error {
	token, err := s.locks.TryAcquire(ctx, deviceID, s.lockTTL)
	if err != nil {
		return err
	}

	release := func() {
		if rerr := s.locks.Release(ctx, deviceID, token); rerr != nil {
			s.logger.Error("release device lock", "device_id", deviceID, "error", rerr)
		}
	}

	ex, err := s.ledger.Create(ctx, deviceID, node.Key, node.TaskClass)
	if err != nil {
		release()
		return fmt.Errorf("create execution for %s/%s: %w", deviceID, node.Key, err)
	}

	if err := s.quota.RecordDispatch(ctx, deviceID, node.TaskClass); err != nil {
		s.logger.Error("record quota dispatch",
			"device_id", deviceID, "task_class", node.TaskClass, "error", err)
	}

	msg := types.DispatchMessage{
		ExecutionID: ex.ID,
		DeviceID:    deviceID,
		NodeKey:     node.Key,
		TaskClass:   node.TaskClass,
		Queue:       node.TaskClass.QueueName(),
	}
	if err := s.dispatcher.Enqueue(msg, token); err != nil {
		release()
		if _, _, ferr := s.ledger.MarkFailed(ctx, ex.ID, fmt.Sprintf("enqueue: %v", err)); ferr != nil {
			s.logger.Error("fail undispatched execution", "execution_id", ex.ID, "error", ferr)
		}
		if err := s.quota.RecordCompletion(ctx, deviceID, node.TaskClass, types.ExecutionFailed, 0); err != nil {
			s.logger.Error("record quota completion",
				"device_id", deviceID, "task_class", node.TaskClass, "error", err)
		}
		return fmt.Errorf("enqueue %s/%s: %w", deviceID, node.Key, err)
	}

	metrics.DispatchesTotal.WithLabelValues(msg.Queue).Inc()
	s.events.Event(ctx, types.EventDispatch, types.LogLevelDebug, deviceID, node.Key,
		"execution dispatched", map[string]interface{}{
			"execution_id": ex.ID,
			"task_class":   string(node.TaskClass),
			"queue":        msg.Queue,
			"chain":        node.IsChainNode,
		})
	return nil
}
