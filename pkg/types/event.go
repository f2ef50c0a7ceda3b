package types

import "time"

// EventType identifies a class of audit-trail entry.
type EventType string

const (
	EventDispatch         EventType = "scheduler.dispatch"
	EventLockBusy         EventType = "scheduler.lock_busy"
	EventExecutionDone    EventType = "execution.finished"
	EventInterrupted      EventType = "execution.interrupted"
	EventDriftCorrected   EventType = "coordinator.drift_corrected"
	EventStructureChanged EventType = "coordinator.structure_changed"
	EventModeChanged      EventType = "mode.changed"
	EventQuotaViolation   EventType = "quota.violation"
	EventForceFailed      EventType = "reconcile.force_failed"
	EventTemplateSynced   EventType = "template.synced"
	EventRetentionCleanup EventType = "retention.cleanup"
)

// LogLevel represents the severity of an audit-trail entry.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogEntry is one immutable audit-trail record. Every scheduling
// decision and execution outcome produces one.
type LogEntry struct {
	ID        int64                  `json:"id"`
	Type      EventType              `json:"event_type"`
	Level     LogLevel               `json:"level"`
	DeviceID  string                 `json:"device_ref,omitempty"`
	NodeKey   string                 `json:"node_key,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
