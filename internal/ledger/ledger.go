// Package ledger owns the Execution entity and its state machine.
//
// Executions are created PENDING, move to RUNNING when a worker picks
// them up, and end in exactly one of SUCCESS, FAILED or INTERRUPTED.
// Terminal states are immutable; finalizing an already-terminal
// execution is a no-op, which makes the worker callbacks idempotent per
// execution id.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

// ErrBadTransition is returned for a transition the state machine does
// not admit (other than finalizing a terminal row, which is a no-op).
var ErrBadTransition = errors.New("invalid execution transition")

// Ledger mediates all Execution mutations.
type Ledger struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over the given store.
func New(store storage.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (l *Ledger) SetClock(clock func() time.Time) { l.now = clock }

// Create records a new PENDING execution for a node.
func (l *Ledger) Create(ctx context.Context, deviceID, nodeKey string, class types.TaskClass) (*types.Execution, error) {
	ex := &types.Execution{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		NodeKey:   nodeKey,
		TaskClass: class,
		Status:    types.ExecutionPending,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return ex, nil
}

// Get returns an execution by id.
func (l *Ledger) Get(ctx context.Context, id string) (*types.Execution, error) {
	return l.store.GetExecution(ctx, id)
}

// MarkRunning transitions PENDING -> RUNNING and stamps the worker.
func (l *Ledger) MarkRunning(ctx context.Context, id, workerID string) error {
	return l.store.MutateExecution(ctx, id, func(ex *types.Execution) error {
		if ex.Status != types.ExecutionPending {
			return fmt.Errorf("%w: %s -> running", ErrBadTransition, ex.Status)
		}
		started := l.now().UTC()
		ex.Status = types.ExecutionRunning
		ex.StartedAt = &started
		ex.WorkerID = workerID
		return nil
	})
}

// finalize applies a terminal transition. Returns the updated row and
// whether the transition was applied; an already-terminal row yields
// (row, false, nil) so callers never double-run completion side effects.
func (l *Ledger) finalize(ctx context.Context, id string, to types.ExecutionStatus, apply func(*types.Execution)) (*types.Execution, bool, error) {
	applied := false
	var result *types.Execution
	err := l.store.MutateExecution(ctx, id, func(ex *types.Execution) error {
		if ex.Status.Terminal() {
			result = ex
			return nil
		}
		// Success only from RUNNING. Failure may also land on a PENDING
		// row (reconciliation force-fail); interruption on either.
		if to == types.ExecutionSuccess && ex.Status != types.ExecutionRunning {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, ex.Status, to)
		}
		finished := l.now().UTC()
		ex.Status = to
		ex.FinishedAt = &finished
		if ex.StartedAt != nil {
			ex.DurationMS = finished.Sub(*ex.StartedAt).Milliseconds()
		}
		apply(ex)
		applied = true
		result = ex
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

// MarkSuccess transitions to SUCCESS. The returned bool is false when
// the execution was already terminal (duplicate callback).
func (l *Ledger) MarkSuccess(ctx context.Context, id string, summary types.ResultSummary) (*types.Execution, bool, error) {
	return l.finalize(ctx, id, types.ExecutionSuccess, func(ex *types.Execution) {
		ex.Summary = summary
	})
}

// MarkFailed transitions to FAILED, recording the device error verbatim.
func (l *Ledger) MarkFailed(ctx context.Context, id, errMsg string) (*types.Execution, bool, error) {
	return l.finalize(ctx, id, types.ExecutionFailed, func(ex *types.Execution) {
		ex.ErrorMessage = errMsg
	})
}

// Interrupt transitions PENDING or RUNNING to INTERRUPTED. Interruption
// is terminal bookkeeping only; it does not invoke completion callbacks
// and counts toward neither quota completion nor failure.
func (l *Ledger) Interrupt(ctx context.Context, id, reason string) (*types.Execution, bool, error) {
	return l.finalize(ctx, id, types.ExecutionInterrupted, func(ex *types.Execution) {
		ex.ErrorMessage = reason
	})
}

// InterruptAllActive interrupts every PENDING and RUNNING execution,
// returning how many were transitioned. Used on global mode changes.
// onInterrupted, when non-nil, runs once per transitioned row so the
// caller can apply its own bookkeeping (quota, metrics) per execution.
func (l *Ledger) InterruptAllActive(ctx context.Context, reason string, onInterrupted func(*types.Execution)) (int, error) {
	active, err := l.store.ListExecutions(ctx, storage.ExecutionFilter{
		Statuses: []types.ExecutionStatus{types.ExecutionPending, types.ExecutionRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("list active executions: %w", err)
	}

	n := 0
	for _, ex := range active {
		out, applied, err := l.Interrupt(ctx, ex.ID, reason)
		if err != nil {
			l.logger.Error("interrupt execution", "execution_id", ex.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		n++
		if onInterrupted != nil {
			onInterrupted(out)
		}
	}
	return n, nil
}

// ReconcileStuck force-fails PENDING executions older than grace whose
// queued task is no longer live (crashed or vanished at the
// infrastructure level without ever transitioning the row). isLive
// reports whether the dispatch for an execution id is still queued or
// executing.
func (l *Ledger) ReconcileStuck(ctx context.Context, grace time.Duration, isLive func(executionID string) bool) ([]*types.Execution, error) {
	pending, err := l.store.ListExecutions(ctx, storage.ExecutionFilter{
		Statuses: []types.ExecutionStatus{types.ExecutionPending},
	})
	if err != nil {
		return nil, fmt.Errorf("list pending executions: %w", err)
	}

	cutoff := l.now().UTC().Add(-grace)
	var failed []*types.Execution
	for _, ex := range pending {
		if !ex.CreatedAt.Before(cutoff) {
			continue
		}
		if isLive != nil && isLive(ex.ID) {
			continue
		}
		msg := fmt.Sprintf("reconciliation: dispatch lost, pending since %s", ex.CreatedAt.Format(time.RFC3339))
		if out, applied, err := l.MarkFailed(ctx, ex.ID, msg); err != nil {
			l.logger.Error("force-fail stuck execution", "execution_id", ex.ID, "error", err)
		} else if applied {
			failed = append(failed, out)
		}
	}
	return failed, nil
}
