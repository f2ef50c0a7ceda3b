// Package coordinator owns the tick loop that drives the fleet: drift
// correction, structure change detection, scheduling, and the
// completion callbacks that close the execution loop. It also runs the
// background jobs (reconciliation, hourly quota audit, retention).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oltfleet/coordinator/internal/devices"
	"github.com/oltfleet/coordinator/internal/dispatch"
	"github.com/oltfleet/coordinator/internal/eventlog"
	"github.com/oltfleet/coordinator/internal/graph"
	"github.com/oltfleet/coordinator/internal/ledger"
	"github.com/oltfleet/coordinator/internal/metrics"
	"github.com/oltfleet/coordinator/internal/mode"
	"github.com/oltfleet/coordinator/internal/quota"
	"github.com/oltfleet/coordinator/internal/scheduler"
	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

// Options holds coordinator timing knobs.
type Options struct {
	// TickInterval is the cadence of the main loop.
	TickInterval time.Duration
	// ReconcileGrace is how long a PENDING execution may sit before the
	// reconciliation job force-fails it.
	ReconcileGrace time.Duration
	// ReconcileEvery is the reconciliation job cadence.
	ReconcileEvery time.Duration
	// RetentionMaxAge bounds how long finished executions and audit
	// entries are kept.
	RetentionMaxAge time.Duration
	// RetentionEvery is the retention job cadence.
	RetentionEvery time.Duration
	// ChainMinInterval is the minimum interval a master node must have
	// for its schedule to be re-anchored on a mode flip. Short-interval
	// nodes recover on their own within seconds.
	ChainMinInterval time.Duration
}

// DefaultOptions returns production timings.
func DefaultOptions() Options {
	return Options{
		TickInterval:     5 * time.Second,
		ReconcileGrace:   10 * time.Minute,
		ReconcileEvery:   time.Minute,
		RetentionMaxAge:  7 * 24 * time.Hour,
		RetentionEvery:   time.Hour,
		ChainMinInterval: 5 * time.Minute,
	}
}

// Coordinator is the single writer of schedule state. All node
// mutations triggered by time, completions, or mode changes flow
// through it.
type Coordinator struct {
	graph      *graph.Manager
	scheduler  *scheduler.DynamicScheduler
	ledger     *ledger.Ledger
	quota      *quota.Service
	events     *eventlog.Logger
	modes      *mode.Manager
	store      storage.Store
	devices    devices.Registry
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	opts       Options
	now        func() time.Time

	// period is the quota period the last tick ran in. When it rolls
	// over, every device's required quota is re-seeded for the new
	// period regardless of whether the graph changed.
	period time.Time
}

// New creates a coordinator.
func New(
	g *graph.Manager,
	sched *scheduler.DynamicScheduler,
	led *ledger.Ledger,
	q *quota.Service,
	ev *eventlog.Logger,
	modes *mode.Manager,
	store storage.Store,
	reg devices.Registry,
	d *dispatch.Dispatcher,
	logger *slog.Logger,
	opts Options,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts = DefaultOptions()
	}
	return &Coordinator{
		graph:      g,
		scheduler:  sched,
		ledger:     led,
		quota:      q,
		events:     ev,
		modes:      modes,
		store:      store,
		devices:    reg,
		dispatcher: d,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (c *Coordinator) SetClock(clock func() time.Time) { c.now = clock }

// Run drives the tick loop and background jobs until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	changes, cancel := c.modes.Subscribe()
	defer cancel()

	tick := time.NewTicker(c.opts.TickInterval)
	defer tick.Stop()
	reconcile := time.NewTicker(c.opts.ReconcileEvery)
	defer reconcile.Stop()
	retention := time.NewTicker(c.opts.RetentionEvery)
	defer retention.Stop()

	// The audit fires shortly after each period boundary so late
	// completion callbacks still land in their period.
	audit := time.NewTimer(c.untilNextAudit())
	defer audit.Stop()

	c.logger.Info("coordinator started",
		"tick_interval", c.opts.TickInterval,
		"reconcile_grace", c.opts.ReconcileGrace)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return
		case <-tick.C:
			c.Tick(ctx)
		case change := <-changes:
			c.handleModeChange(ctx, change)
		case <-reconcile.C:
			c.reconcile(ctx)
		case <-audit.C:
			c.audit(ctx)
			audit.Reset(c.untilNextAudit())
		case <-retention.C:
			c.retention(ctx)
		}
	}
}

// untilNextAudit returns the time until 30s past the next period
// boundary.
func (c *Coordinator) untilNextAudit() time.Duration {
	now := c.now().UTC()
	next := c.quota.PeriodStart(now).Add(c.quota.Period()).Add(30 * time.Second)
	return next.Sub(now)
}

// Tick runs one pass over the enabled fleet. One broken device never
// halts the others.
func (c *Coordinator) Tick(ctx context.Context) {
	metrics.TicksTotal.Inc()
	now := c.now().UTC()

	// Trackers are keyed by period; the fingerprint snapshot is not.
	// Each new period starts with Required=0 until re-seeded here.
	period := c.quota.PeriodStart(now)
	newPeriod := !period.Equal(c.period)
	c.period = period

	devs, err := c.devices.GetEnabledDevices(ctx)
	if err != nil {
		c.logger.Error("list enabled devices", "error", err)
		return
	}

	for _, dev := range devs {
		if err := c.processDevice(ctx, dev.ID, now, newPeriod); err != nil {
			c.logger.Error("process device", "device_id", dev.ID, "error", err)
		}
	}
}

func (c *Coordinator) processDevice(ctx context.Context, deviceID string, now time.Time, newPeriod bool) error {
	c.graph.EnsureGraph(deviceID)
	if newPeriod {
		c.rederiveQuotas(ctx, deviceID, false)
	}
	c.correctDrift(ctx, deviceID)
	if err := c.checkStructure(ctx, deviceID); err != nil {
		return fmt.Errorf("structure check: %w", err)
	}
	c.scheduler.ProcessDevice(ctx, deviceID, now)
	return nil
}

// correctDrift re-pins each node's next_run_at to its class's
// second-of-minute offset. Discovery lands on :00 and reads on :10 so
// the two classes never collide on the device; the minute component is
// left where the schedule put it.
func (c *Coordinator) correctDrift(ctx context.Context, deviceID string) {
	for _, n := range c.graph.Nodes(deviceID) {
		offset, pinned := n.TaskClass.ExpectedOffset()
		if !pinned || n.NextRunAt.IsZero() || n.NextRunAt.Second() == offset {
			continue
		}

		before := n.NextRunAt
		corrected := before.Truncate(time.Minute).Add(time.Duration(offset) * time.Second)
		err := c.graph.MutateNode(deviceID, n.Key, func(node *types.Node) {
			node.NextRunAt = corrected
		})
		if err != nil {
			c.logger.Error("correct drift", "device_id", deviceID, "node_key", n.Key, "error", err)
			continue
		}

		metrics.DriftCorrectionsTotal.Inc()
		c.events.Event(ctx, types.EventDriftCorrected, types.LogLevelDebug, deviceID, n.Key,
			"next_run_at re-pinned to class offset", map[string]interface{}{
				"before": before.Format(time.RFC3339),
				"after":  corrected.Format(time.RFC3339),
				"offset": offset,
			})
	}
}

// checkStructure compares the device's graph fingerprint with the last
// persisted snapshot and records a structure change when they differ.
func (c *Coordinator) checkStructure(ctx context.Context, deviceID string) error {
	fp := c.graph.Fingerprint(deviceID)

	snap, err := c.store.GetSnapshot(ctx, deviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if snap != nil && snap.Fingerprint == fp {
		return nil
	}
	if snap != nil {
		c.events.Event(ctx, types.EventStructureChanged, types.LogLevelInfo, deviceID, "",
			"polling graph structure changed", map[string]interface{}{
				"old_fingerprint": fmt.Sprintf("%016x", snap.Fingerprint),
				"new_fingerprint": fmt.Sprintf("%016x", fp),
			})
	}

	// The required quota follows the structure: re-derive it from the
	// enabled master intervals so the audit grades against what the new
	// graph can actually deliver.
	c.rederiveQuotas(ctx, deviceID, snap != nil)

	return c.store.SaveSnapshot(ctx, &types.DeviceSnapshot{
		DeviceID:    deviceID,
		Fingerprint: fp,
		CapturedAt:  c.now().UTC(),
	})
}

// rederiveQuotas recomputes the per-class required quota from the
// device's enabled master nodes. adjusted marks trackers touched
// mid-period by a structure change.
func (c *Coordinator) rederiveQuotas(ctx context.Context, deviceID string, adjusted bool) {
	expected := make(map[types.TaskClass]int)
	for _, n := range c.graph.Nodes(deviceID) {
		if !n.Enabled || n.IsChainNode {
			continue
		}
		expected[n.TaskClass] += graph.ExpectedHourlyRuns(n, c.quota.Period())
	}
	for class, required := range expected {
		if err := c.quota.SetRequired(ctx, deviceID, class, required, adjusted); err != nil {
			c.logger.Error("set required quota",
				"device_id", deviceID, "task_class", class, "error", err)
		}
	}
}

// OnNodeCompleted closes the loop for a successful execution: ledger,
// quota, graph stats, and chain dispatch. Safe to call more than once
// per execution id; duplicates are no-ops.
func (c *Coordinator) OnNodeCompleted(ctx context.Context, deviceID, nodeKey, executionID string, durationMS int64, summary types.ResultSummary) {
	ex, applied, err := c.ledger.MarkSuccess(ctx, executionID, summary)
	if err != nil {
		c.logger.Error("mark success", "execution_id", executionID, "error", err)
		return
	}
	if !applied {
		return
	}

	metrics.ExecutionsTotal.WithLabelValues(string(types.ExecutionSuccess)).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(ex.TaskClass)).Observe(float64(durationMS) / 1000)

	if err := c.quota.RecordCompletion(ctx, deviceID, ex.TaskClass, types.ExecutionSuccess, durationMS); err != nil {
		c.logger.Error("record quota completion", "execution_id", executionID, "error", err)
	}

	triggers, err := c.graph.OnNodeCompleted(deviceID, nodeKey, types.ExecutionSuccess, durationMS, summary)
	if err != nil {
		c.logger.Error("apply completion to graph",
			"device_id", deviceID, "node_key", nodeKey, "error", err)
	}

	c.events.Event(ctx, types.EventExecutionDone, types.LogLevelDebug, deviceID, nodeKey,
		"execution succeeded", map[string]interface{}{
			"execution_id": executionID,
			"duration_ms":  durationMS,
			"chains":       len(triggers),
		})

	for _, tr := range triggers {
		node := tr.Node
		if err := c.scheduler.DispatchChain(ctx, deviceID, &node); err != nil {
			c.logger.Warn("dispatch chain node",
				"device_id", deviceID, "node_key", node.Key, "error", err)
		}
	}
}

// OnNodeFailed closes the loop for a failed execution.
func (c *Coordinator) OnNodeFailed(ctx context.Context, deviceID, nodeKey, executionID, errorMessage string) {
	ex, applied, err := c.ledger.MarkFailed(ctx, executionID, errorMessage)
	if err != nil {
		c.logger.Error("mark failed", "execution_id", executionID, "error", err)
		return
	}
	if !applied {
		return
	}

	metrics.ExecutionsTotal.WithLabelValues(string(types.ExecutionFailed)).Inc()

	if err := c.quota.RecordCompletion(ctx, deviceID, ex.TaskClass, types.ExecutionFailed, ex.DurationMS); err != nil {
		c.logger.Error("record quota completion", "execution_id", executionID, "error", err)
	}

	if _, err := c.graph.OnNodeCompleted(deviceID, nodeKey, types.ExecutionFailed, ex.DurationMS, nil); err != nil {
		c.logger.Error("apply failure to graph",
			"device_id", deviceID, "node_key", nodeKey, "error", err)
	}

	c.events.Event(ctx, types.EventExecutionDone, types.LogLevelWarning, deviceID, nodeKey,
		"execution failed", map[string]interface{}{
			"execution_id": executionID,
			"error":        errorMessage,
		})
}

// OnNodeInterrupted records an interruption: terminal bookkeeping with
// no schedule or chain side effects.
func (c *Coordinator) OnNodeInterrupted(ctx context.Context, deviceID, nodeKey, executionID, reason string) {
	ex, applied, err := c.ledger.Interrupt(ctx, executionID, reason)
	if err != nil {
		c.logger.Error("interrupt execution", "execution_id", executionID, "error", err)
		return
	}
	if !applied {
		return
	}

	metrics.ExecutionsTotal.WithLabelValues(string(types.ExecutionInterrupted)).Inc()

	if qerr := c.quota.RecordCompletion(ctx, deviceID, ex.TaskClass, types.ExecutionInterrupted, 0); qerr != nil {
		c.logger.Error("record quota completion", "execution_id", executionID, "error", qerr)
	}

	c.events.Event(ctx, types.EventInterrupted, types.LogLevelWarning, deviceID, nodeKey,
		"execution interrupted", map[string]interface{}{
			"execution_id": executionID,
			"reason":       reason,
		})
}

var _ dispatch.Callbacks = (*Coordinator)(nil)

// TriggerNode dispatches a node right now, outside its schedule. A busy
// device lock is returned to the caller rather than retried.
func (c *Coordinator) TriggerNode(ctx context.Context, deviceID, key string) error {
	node, err := c.graph.GetNode(deviceID, key)
	if err != nil {
		return err
	}
	if !node.Enabled {
		return fmt.Errorf("node %s/%s is disabled", deviceID, key)
	}
	return c.scheduler.DispatchNow(ctx, deviceID, node)
}

// handleModeChange interrupts everything in flight and re-anchors the
// long-interval master schedules to the flip time so the first
// post-flip run happens one full interval later, not immediately.
func (c *Coordinator) handleModeChange(ctx context.Context, change mode.Change) {
	metrics.ModeChangesTotal.Inc()

	reason := fmt.Sprintf("mode change %s -> %s", change.From, change.To)
	interrupted, err := c.ledger.InterruptAllActive(ctx, reason, func(ex *types.Execution) {
		metrics.ExecutionsTotal.WithLabelValues(string(types.ExecutionInterrupted)).Inc()
		if qerr := c.quota.RecordCompletion(ctx, ex.DeviceID, ex.TaskClass, types.ExecutionInterrupted, 0); qerr != nil {
			c.logger.Error("record quota completion", "execution_id", ex.ID, "error", qerr)
		}
	})
	if err != nil {
		c.logger.Error("interrupt active executions", "error", err)
	}

	rescheduled := c.graph.RescheduleMasters(change.ChangedAt, c.opts.ChainMinInterval)

	c.logger.Info("mode changed",
		"from", change.From, "to", change.To, "version", change.Version,
		"interrupted", interrupted, "rescheduled", rescheduled)
	c.events.Event(ctx, types.EventModeChanged, types.LogLevelInfo, "", "",
		reason, map[string]interface{}{
			"version":     change.Version,
			"interrupted": interrupted,
			"rescheduled": rescheduled,
		})
}

// reconcile force-fails PENDING executions whose dispatch is no longer
// live and applies the failure side effects the lost worker never did.
func (c *Coordinator) reconcile(ctx context.Context) {
	var isLive func(string) bool
	if c.dispatcher != nil {
		isLive = c.dispatcher.IsLive
	}

	failed, err := c.ledger.ReconcileStuck(ctx, c.opts.ReconcileGrace, isLive)
	if err != nil {
		c.logger.Error("reconcile stuck executions", "error", err)
		return
	}

	for _, ex := range failed {
		metrics.ReconcileForceFailsTotal.Inc()
		metrics.ExecutionsTotal.WithLabelValues(string(types.ExecutionFailed)).Inc()

		if err := c.quota.RecordCompletion(ctx, ex.DeviceID, ex.TaskClass, types.ExecutionFailed, 0); err != nil {
			c.logger.Error("record quota completion", "execution_id", ex.ID, "error", err)
		}
		if _, err := c.graph.OnNodeCompleted(ex.DeviceID, ex.NodeKey, types.ExecutionFailed, 0, nil); err != nil {
			c.logger.Error("apply reconciled failure to graph",
				"device_id", ex.DeviceID, "node_key", ex.NodeKey, "error", err)
		}
		c.events.Event(ctx, types.EventForceFailed, types.LogLevelError, ex.DeviceID, ex.NodeKey,
			"stuck execution force-failed", map[string]interface{}{
				"execution_id": ex.ID,
				"pending_since": ex.CreatedAt.Format(time.RFC3339),
			})
	}

	if len(failed) > 0 {
		c.logger.Warn("reconciliation force-failed executions", "count", len(failed))
	}
}

// audit grades the period that just closed.
func (c *Coordinator) audit(ctx context.Context) {
	closed := c.quota.PeriodStart(c.now().UTC()).Add(-c.quota.Period())

	violations, err := c.quota.AuditPeriod(ctx, closed)
	if err != nil {
		c.logger.Error("quota audit", "period_start", closed, "error", err)
		return
	}

	for _, v := range violations {
		metrics.QuotaViolationsTotal.WithLabelValues(string(v.Severity)).Inc()
		c.events.Event(ctx, types.EventQuotaViolation, types.LogLevelWarning, v.DeviceID, "",
			v.Report, map[string]interface{}{
				"task_class":   string(v.TaskClass),
				"severity":     string(v.Severity),
				"period_start": v.PeriodStart.Format(time.RFC3339),
			})
	}

	c.logger.Info("quota audit finished",
		"period_start", closed, "violations", len(violations))
}

// retention deletes executions and audit entries past their age bound.
func (c *Coordinator) retention(ctx context.Context) {
	cutoff := c.now().UTC().Add(-c.opts.RetentionMaxAge)

	execs, err := c.store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("retention: delete executions", "error", err)
	}
	logs, err := c.store.DeleteLogBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("retention: delete log entries", "error", err)
	}

	if execs > 0 || logs > 0 {
		c.events.Event(ctx, types.EventRetentionCleanup, types.LogLevelInfo, "", "",
			"retention cleanup", map[string]interface{}{
				"executions_deleted": execs,
				"log_entries_deleted": logs,
				"cutoff":              cutoff.Format(time.RFC3339),
			})
	}
}
