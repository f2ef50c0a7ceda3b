package types

import "time"

// QuotaStatus represents the state of an hourly quota tracker.
type QuotaStatus string

const (
	QuotaInProgress  QuotaStatus = "in_progress"
	QuotaCompleted   QuotaStatus = "completed"
	QuotaPartial     QuotaStatus = "partial"
	QuotaNotMet      QuotaStatus = "quota_not_met"
	QuotaInterrupted QuotaStatus = "interrupted"
	QuotaAdjusted    QuotaStatus = "adjusted"
	QuotaAtRisk      QuotaStatus = "at_risk"
)

// QuotaTracker is the hourly-bucketed bookkeeping row for one
// (device, task class, period) key. Created lazily on first observation
// within a period; mutated only by completion callbacks, never by the
// scheduler directly.
type QuotaTracker struct {
	DeviceID        string      `json:"device_id"`
	TaskClass       TaskClass   `json:"task_class"`
	PeriodStart     time.Time   `json:"period_start"`
	Required        int         `json:"quota_required"`
	Completed       int         `json:"quota_completed"`
	Failed          int         `json:"quota_failed"`
	Skipped         int         `json:"quota_skipped"`
	Pending         int         `json:"quota_pending"`
	TotalDurationMS int64       `json:"total_duration_ms"`
	Status          QuotaStatus `json:"status"`
}

// CompletionPercentage returns completed/required as a percentage.
// A tracker with no expected load reports 100 so idle devices are never
// flagged.
func (q *QuotaTracker) CompletionPercentage() float64 {
	if q.Required == 0 {
		return 100
	}
	return float64(q.Completed) / float64(q.Required) * 100
}

// IsAtRisk reports whether the elapsed fraction of the period leads the
// completion fraction by more than marginPoints percentage points. It is
// a leading indicator computed continuously, independent of the
// end-of-period audit.
func (q *QuotaTracker) IsAtRisk(now time.Time, period time.Duration, marginPoints float64) bool {
	if q.Required == 0 {
		return false
	}
	elapsed := now.Sub(q.PeriodStart)
	if elapsed <= 0 {
		return false
	}
	if elapsed > period {
		elapsed = period
	}
	elapsedPct := float64(elapsed) / float64(period) * 100
	return elapsedPct-q.CompletionPercentage() > marginPoints
}

// Severity grades a quota violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// QuotaViolation is an immutable snapshot created by the end-of-period
// audit when a tracker finished below threshold.
type QuotaViolation struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	TaskClass   TaskClass `json:"task_class"`
	PeriodStart time.Time `json:"period_start"`
	Report      string    `json:"report"`
	Severity    Severity  `json:"severity"`
	Notified    bool      `json:"notified"`
	CreatedAt   time.Time `json:"created_at"`
}
