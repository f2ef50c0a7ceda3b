// Package storage provides the relational store behind the execution
// ledger, quota bookkeeping, audit log and device snapshots.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/oltfleet/coordinator/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionFilter narrows execution queries. Zero values mean "any".
type ExecutionFilter struct {
	DeviceID string
	NodeKey  string
	Statuses []types.ExecutionStatus
	Limit    int
}

// LogFilter narrows audit-log queries. Zero values mean "any".
type LogFilter struct {
	DeviceID string
	Type     types.EventType
	Level    types.LogLevel
	Limit    int
}

// Store is the persistence boundary. Implementations must make
// MutateExecution and MutateTracker atomic per row; those two methods
// carry the ledger state machine and the quota callbacks.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, ex *types.Execution) error
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
	// MutateExecution loads the row, applies fn and persists the result
	// atomically. fn returning an error aborts without writing.
	MutateExecution(ctx context.Context, id string, fn func(*types.Execution) error) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error)
	CountExecutions(ctx context.Context, deviceID string, status types.ExecutionStatus) (int, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Quota trackers, keyed by (device, class, period start)
	GetOrCreateTracker(ctx context.Context, deviceID string, class types.TaskClass, periodStart time.Time) (*types.QuotaTracker, error)
	MutateTracker(ctx context.Context, deviceID string, class types.TaskClass, periodStart time.Time, fn func(*types.QuotaTracker) error) error
	ListTrackers(ctx context.Context, periodStart time.Time) ([]*types.QuotaTracker, error)

	// Quota violations (immutable)
	InsertViolation(ctx context.Context, v *types.QuotaViolation) error
	ListViolations(ctx context.Context, limit int) ([]*types.QuotaViolation, error)

	// Audit log (append-only)
	AppendLog(ctx context.Context, e *types.LogEntry) error
	QueryLog(ctx context.Context, f LogFilter) ([]*types.LogEntry, error)
	DeleteLogBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Per-device tick snapshots
	GetSnapshot(ctx context.Context, deviceID string) (*types.DeviceSnapshot, error)
	SaveSnapshot(ctx context.Context, s *types.DeviceSnapshot) error

	Close() error
}
