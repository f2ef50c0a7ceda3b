package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oltfleet/coordinator/pkg/types"
)

type trackerKey struct {
	deviceID    string
	class       types.TaskClass
	periodStart int64
}

// MemoryStore implements Store with in-process maps. Used by tests and
// ephemeral deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*types.Execution
	trackers   map[trackerKey]*types.QuotaTracker
	violations []*types.QuotaViolation
	log        []*types.LogEntry
	logSeq     int64
	snapshots  map[string]*types.DeviceSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*types.Execution),
		trackers:   make(map[trackerKey]*types.QuotaTracker),
		snapshots:  make(map[string]*types.DeviceSnapshot),
	}
}

func copyExecution(ex *types.Execution) *types.Execution {
	dup := *ex
	if ex.StartedAt != nil {
		t := *ex.StartedAt
		dup.StartedAt = &t
	}
	if ex.FinishedAt != nil {
		t := *ex.FinishedAt
		dup.FinishedAt = &t
	}
	if ex.Summary != nil {
		dup.Summary = make(types.ResultSummary, len(ex.Summary))
		for k, v := range ex.Summary {
			dup.Summary[k] = v
		}
	}
	return &dup
}

// CreateExecution implements Store.
func (s *MemoryStore) CreateExecution(_ context.Context, ex *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[ex.ID] = copyExecution(ex)
	return nil
}

// GetExecution implements Store.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(ex), nil
}

// MutateExecution implements Store.
func (s *MemoryStore) MutateExecution(_ context.Context, id string, fn func(*types.Execution) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	dup := copyExecution(ex)
	if err := fn(dup); err != nil {
		return err
	}
	s.executions[id] = dup
	return nil
}

func matchesFilter(ex *types.Execution, f ExecutionFilter) bool {
	if f.DeviceID != "" && ex.DeviceID != f.DeviceID {
		return false
	}
	if f.NodeKey != "" && ex.NodeKey != f.NodeKey {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if ex.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ListExecutions implements Store. Results are newest-first.
func (s *MemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Execution
	for _, ex := range s.executions {
		if matchesFilter(ex, f) {
			out = append(out, copyExecution(ex))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountExecutions implements Store. An empty deviceID counts across
// the fleet.
func (s *MemoryStore) CountExecutions(_ context.Context, deviceID string, status types.ExecutionStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ex := range s.executions {
		if deviceID != "" && ex.DeviceID != deviceID {
			continue
		}
		if ex.Status == status {
			n++
		}
	}
	return n, nil
}

// DeleteExecutionsBefore implements Store. Only terminal rows are
// eligible for retention cleanup.
func (s *MemoryStore) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, ex := range s.executions {
		if ex.Status.Terminal() && ex.CreatedAt.Before(cutoff) {
			delete(s.executions, id)
			n++
		}
	}
	return n, nil
}

// GetOrCreateTracker implements Store.
func (s *MemoryStore) GetOrCreateTracker(_ context.Context, deviceID string, class types.TaskClass, periodStart time.Time) (*types.QuotaTracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := trackerKey{deviceID: deviceID, class: class, periodStart: periodStart.Unix()}
	tr, ok := s.trackers[key]
	if !ok {
		tr = &types.QuotaTracker{
			DeviceID:    deviceID,
			TaskClass:   class,
			PeriodStart: periodStart,
			Status:      types.QuotaInProgress,
		}
		s.trackers[key] = tr
	}
	dup := *tr
	return &dup, nil
}

// MutateTracker implements Store. The row is created if absent, then fn
// runs under the store lock so concurrent callbacks cannot lose updates.
func (s *MemoryStore) MutateTracker(_ context.Context, deviceID string, class types.TaskClass, periodStart time.Time, fn func(*types.QuotaTracker) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := trackerKey{deviceID: deviceID, class: class, periodStart: periodStart.Unix()}
	tr, ok := s.trackers[key]
	if !ok {
		tr = &types.QuotaTracker{
			DeviceID:    deviceID,
			TaskClass:   class,
			PeriodStart: periodStart,
			Status:      types.QuotaInProgress,
		}
		s.trackers[key] = tr
	}
	dup := *tr
	if err := fn(&dup); err != nil {
		return err
	}
	s.trackers[key] = &dup
	return nil
}

// ListTrackers implements Store.
func (s *MemoryStore) ListTrackers(_ context.Context, periodStart time.Time) ([]*types.QuotaTracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.QuotaTracker
	for key, tr := range s.trackers {
		if key.periodStart == periodStart.Unix() {
			dup := *tr
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].TaskClass < out[j].TaskClass
	})
	return out, nil
}

// InsertViolation implements Store.
func (s *MemoryStore) InsertViolation(_ context.Context, v *types.QuotaViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *v
	s.violations = append(s.violations, &dup)
	return nil
}

// ListViolations implements Store. Results are newest-first.
func (s *MemoryStore) ListViolations(_ context.Context, limit int) ([]*types.QuotaViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.QuotaViolation, 0, len(s.violations))
	for i := len(s.violations) - 1; i >= 0; i-- {
		dup := *s.violations[i]
		out = append(out, &dup)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendLog implements Store.
func (s *MemoryStore) AppendLog(_ context.Context, e *types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logSeq++
	dup := *e
	dup.ID = s.logSeq
	s.log = append(s.log, &dup)
	return nil
}

// QueryLog implements Store. Results are newest-first.
func (s *MemoryStore) QueryLog(_ context.Context, f LogFilter) ([]*types.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.LogEntry
	for i := len(s.log) - 1; i >= 0; i-- {
		e := s.log[i]
		if f.DeviceID != "" && e.DeviceID != f.DeviceID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		dup := *e
		out = append(out, &dup)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// DeleteLogBefore implements Store.
func (s *MemoryStore) DeleteLogBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.log[:0]
	var n int64
	for _, e := range s.log {
		if e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.log = kept
	return n, nil
}

// GetSnapshot implements Store.
func (s *MemoryStore) GetSnapshot(_ context.Context, deviceID string) (*types.DeviceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *snap
	return &dup, nil
}

// SaveSnapshot implements Store.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *types.DeviceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *snap
	s.snapshots[snap.DeviceID] = &dup
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
