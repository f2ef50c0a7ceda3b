// Package eventlog records the structured audit trail of scheduling
// decisions and execution outcomes.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

// Logger appends audit entries to the store and mirrors them to slog.
// Lock contention is deliberately logged at debug only; it is expected
// behaviour, not a fault.
type Logger struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit logger over the given store.
func New(store storage.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, logger: logger, now: time.Now}
}

// Event appends one audit entry. Append failures are logged and
// swallowed: the audit trail must never halt scheduling.
func (l *Logger) Event(ctx context.Context, typ types.EventType, level types.LogLevel, deviceID, nodeKey, message string, details map[string]interface{}) {
	entry := &types.LogEntry{
		Type:      typ,
		Level:     level,
		DeviceID:  deviceID,
		NodeKey:   nodeKey,
		Message:   message,
		Details:   details,
		Timestamp: l.now().UTC(),
	}
	if err := l.store.AppendLog(ctx, entry); err != nil {
		l.logger.Error("append audit entry", "event_type", typ, "error", err)
	}

	attrs := []interface{}{"event_type", string(typ)}
	if deviceID != "" {
		attrs = append(attrs, "device_id", deviceID)
	}
	if nodeKey != "" {
		attrs = append(attrs, "node_key", nodeKey)
	}
	switch level {
	case types.LogLevelDebug:
		l.logger.Debug(message, attrs...)
	case types.LogLevelWarning:
		l.logger.Warn(message, attrs...)
	case types.LogLevelError:
		l.logger.Error(message, attrs...)
	default:
		l.logger.Info(message, attrs...)
	}
}

// Query returns matching audit entries, newest first.
func (l *Logger) Query(ctx context.Context, f storage.LogFilter) ([]*types.LogEntry, error) {
	return l.store.QueryLog(ctx, f)
}
