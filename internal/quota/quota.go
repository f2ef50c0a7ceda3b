// Package quota keeps hourly-bucketed completion bookkeeping per
// device and task class, and audits closed periods for shortfalls.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

const (
	// DefaultPeriod is the quota measurement window.
	DefaultPeriod = time.Hour
	// DefaultAtRiskMargin is the lead, in percentage points, the
	// elapsed fraction may take over the completion fraction before a
	// tracker is flagged at risk.
	DefaultAtRiskMargin = 20.0
	// DefaultThreshold is the completion percentage below which the
	// end-of-period audit raises a violation.
	DefaultThreshold = 50.0
)

// Service mediates all quota tracker mutations. Trackers are only ever
// written from execution completion callbacks and the audit, never from
// the scheduler's hot path.
type Service struct {
	store        storage.Store
	logger       *slog.Logger
	period       time.Duration
	atRiskMargin float64
	threshold    float64
	now          func() time.Time
}

// New creates a quota service with default period and thresholds.
func New(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		logger:       logger,
		period:       DefaultPeriod,
		atRiskMargin: DefaultAtRiskMargin,
		threshold:    DefaultThreshold,
		now:          time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Service) SetClock(clock func() time.Time) { s.now = clock }

// Period returns the measurement window length.
func (s *Service) Period() time.Duration { return s.period }

// PeriodStart returns the start of the period containing t.
func (s *Service) PeriodStart(t time.Time) time.Time {
	return t.UTC().Truncate(s.period)
}

// CurrentPeriod returns the start of the period containing now.
func (s *Service) CurrentPeriod() time.Time {
	return s.PeriodStart(s.now())
}

// SetRequired records the expected completion count for the current
// period. adjusted marks a mid-period re-derivation after a graph
// structure change.
func (s *Service) SetRequired(ctx context.Context, deviceID string, class types.TaskClass, required int, adjusted bool) error {
	return s.store.MutateTracker(ctx, deviceID, class, s.CurrentPeriod(), func(tr *types.QuotaTracker) error {
		tr.Required = required
		if adjusted {
			tr.Status = types.QuotaAdjusted
		}
		return nil
	})
}

// RecordDispatch notes that an execution was enqueued for this period.
func (s *Service) RecordDispatch(ctx context.Context, deviceID string, class types.TaskClass) error {
	return s.store.MutateTracker(ctx, deviceID, class, s.CurrentPeriod(), func(tr *types.QuotaTracker) error {
		tr.Pending++
		return nil
	})
}

// RecordCompletion routes a finished execution into the tracker for the
// current period. Interruptions are counted as skipped: terminal, but
// neither completion nor failure.
func (s *Service) RecordCompletion(ctx context.Context, deviceID string, class types.TaskClass, status types.ExecutionStatus, durationMS int64) error {
	now := s.now().UTC()
	return s.store.MutateTracker(ctx, deviceID, class, s.PeriodStart(now), func(tr *types.QuotaTracker) error {
		switch status {
		case types.ExecutionSuccess:
			tr.Completed++
			tr.TotalDurationMS += durationMS
		case types.ExecutionFailed:
			tr.Failed++
			tr.TotalDurationMS += durationMS
		case types.ExecutionInterrupted:
			tr.Skipped++
		default:
			return fmt.Errorf("non-terminal status %s in completion callback", status)
		}
		if tr.Pending > 0 {
			tr.Pending--
		}
		tr.Status = s.liveStatus(tr, now)
		return nil
	})
}

// liveStatus recomputes the in-period status from the completion
// percentage and the at-risk rule.
func (s *Service) liveStatus(tr *types.QuotaTracker, now time.Time) types.QuotaStatus {
	if tr.Status == types.QuotaAdjusted {
		return types.QuotaAdjusted
	}
	if tr.Required > 0 && tr.CompletionPercentage() >= 100 {
		return types.QuotaCompleted
	}
	if tr.IsAtRisk(now, s.period, s.atRiskMargin) {
		return types.QuotaAtRisk
	}
	return types.QuotaInProgress
}

// Tracker returns the tracker row for the given key, creating it lazily.
func (s *Service) Tracker(ctx context.Context, deviceID string, class types.TaskClass, periodStart time.Time) (*types.QuotaTracker, error) {
	return s.store.GetOrCreateTracker(ctx, deviceID, class, periodStart)
}

// CurrentTrackers returns one device's trackers for the running period.
func (s *Service) CurrentTrackers(ctx context.Context, deviceID string) ([]*types.QuotaTracker, error) {
	all, err := s.store.ListTrackers(ctx, s.CurrentPeriod())
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	var out []*types.QuotaTracker
	for _, tr := range all {
		if tr.DeviceID == deviceID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// AuditPeriod finalizes every tracker of a fully elapsed period. Only
// trackers that observed at least one completed or failed execution are
// considered, so a task class enabled mid-period cannot raise a false
// alarm. Returns the violations created.
func (s *Service) AuditPeriod(ctx context.Context, periodStart time.Time) ([]*types.QuotaViolation, error) {
	trackers, err := s.store.ListTrackers(ctx, periodStart)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}

	var violations []*types.QuotaViolation
	for _, tr := range trackers {
		if tr.Completed+tr.Failed == 0 {
			continue
		}
		pct := tr.CompletionPercentage()

		final := types.QuotaCompleted
		if pct < s.threshold {
			if tr.Completed == 0 {
				final = types.QuotaNotMet
			} else {
				final = types.QuotaPartial
			}
			v := &types.QuotaViolation{
				ID:          uuid.NewString(),
				DeviceID:    tr.DeviceID,
				TaskClass:   tr.TaskClass,
				PeriodStart: periodStart,
				Report: fmt.Sprintf("completed %d of %d (%.1f%%), failed %d, skipped %d",
					tr.Completed, tr.Required, pct, tr.Failed, tr.Skipped),
				Severity:  gradeSeverity(s.threshold - pct),
				CreatedAt: s.now().UTC(),
			}
			if err := s.store.InsertViolation(ctx, v); err != nil {
				return violations, fmt.Errorf("insert violation: %w", err)
			}
			violations = append(violations, v)
		}

		err := s.store.MutateTracker(ctx, tr.DeviceID, tr.TaskClass, periodStart, func(row *types.QuotaTracker) error {
			row.Status = final
			return nil
		})
		if err != nil {
			return violations, fmt.Errorf("finalize tracker: %w", err)
		}
	}
	return violations, nil
}

// gradeSeverity scales a violation by how far below threshold the
// tracker fell, in percentage points.
func gradeSeverity(shortfall float64) types.Severity {
	switch {
	case shortfall >= 40:
		return types.SeverityCritical
	case shortfall >= 25:
		return types.SeverityHigh
	case shortfall >= 10:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}
