package types

import "time"

// ExecutionStatus represents the state of an execution record.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionSuccess     ExecutionStatus = "success"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionInterrupted ExecutionStatus = "interrupted"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionInterrupted:
		return true
	}
	return false
}

// ResultSummary carries structured output from a finished operation.
type ResultSummary map[string]interface{}

// Execution is one record per attempted run of a node. Attempt 0 is the
// primary attempt; retries happen inside the polling client and never
// produce additional rows.
type Execution struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	NodeKey      string          `json:"node_key"`
	TaskClass    TaskClass       `json:"task_class"`
	Status       ExecutionStatus `json:"status"`
	Attempt      int             `json:"attempt"`
	WorkerID     string          `json:"worker_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Summary      ResultSummary   `json:"result_summary,omitempty"`
}

// DispatchMessage is the envelope handed from the scheduler to a worker
// pool. Queue selects the pool and priority class.
type DispatchMessage struct {
	ExecutionID string    `json:"execution_id"`
	DeviceID    string    `json:"device_id"`
	NodeKey     string    `json:"node_id"`
	TaskClass   TaskClass `json:"task_class"`
	Queue       string    `json:"queue_name"`
}

// DeviceSnapshot is the per-device state persisted between coordinator
// ticks for drift and structural-change detection.
type DeviceSnapshot struct {
	DeviceID    string    `json:"device_id"`
	Fingerprint uint64    `json:"fingerprint_hash"`
	CapturedAt  time.Time `json:"captured_at"`
}
