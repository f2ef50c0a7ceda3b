package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oltfleet/coordinator/pkg/types"
)

// SQLiteStore implements Store on SQLite via database/sql.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under the
	// concurrent callback load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// --- Executions ---

// CreateExecution implements Store.
func (s *SQLiteStore) CreateExecution(ctx context.Context, ex *types.Execution) error {
	summary, err := marshalJSON(ex.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, device_id, node_key, task_class, status, attempt, worker_id,
			 created_at, started_at, finished_at, duration_ms, error_message, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.DeviceID, ex.NodeKey, string(ex.TaskClass), string(ex.Status),
		ex.Attempt, ex.WorkerID, fmtTime(ex.CreatedAt), fmtTimePtr(ex.StartedAt),
		fmtTimePtr(ex.FinishedAt), ex.DurationMS, ex.ErrorMessage, summary)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func scanExecution(row interface {
	Scan(dest ...interface{}) error
}) (*types.Execution, error) {
	var ex types.Execution
	var class, status, createdAt string
	var startedAt, finishedAt, summary sql.NullString
	err := row.Scan(&ex.ID, &ex.DeviceID, &ex.NodeKey, &class, &status,
		&ex.Attempt, &ex.WorkerID, &createdAt, &startedAt, &finishedAt,
		&ex.DurationMS, &ex.ErrorMessage, &summary)
	if err != nil {
		return nil, err
	}
	ex.TaskClass = types.TaskClass(class)
	ex.Status = types.ExecutionStatus(status)
	ex.CreatedAt = parseTime(createdAt)
	ex.StartedAt = parseTimePtr(startedAt)
	ex.FinishedAt = parseTimePtr(finishedAt)
	if summary.Valid && summary.String != "" {
		json.Unmarshal([]byte(summary.String), &ex.Summary)
	}
	return &ex, nil
}

const executionColumns = `id, device_id, node_key, task_class, status, attempt, worker_id,
	created_at, started_at, finished_at, duration_ms, error_message, summary`

// GetExecution implements Store.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return ex, nil
}

// MutateExecution implements Store. The read and write happen inside
// one transaction so concurrent finalizers cannot interleave.
func (s *SQLiteStore) MutateExecution(ctx context.Context, id string, fn func(*types.Execution) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	if err := fn(ex); err != nil {
		return err
	}

	summary, err := marshalJSON(ex.Summary)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET status = ?, attempt = ?, worker_id = ?,
			started_at = ?, finished_at = ?, duration_ms = ?, error_message = ?, summary = ?
		WHERE id = ?`,
		string(ex.Status), ex.Attempt, ex.WorkerID, fmtTimePtr(ex.StartedAt),
		fmtTimePtr(ex.FinishedAt), ex.DurationMS, ex.ErrorMessage, summary, id)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return tx.Commit()
}

// ListExecutions implements Store.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []interface{}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.NodeKey != "" {
		query += ` AND node_key = ?`
		args = append(args, f.NodeKey)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*types.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// CountExecutions implements Store. An empty deviceID counts across
// the fleet.
func (s *SQLiteStore) CountExecutions(ctx context.Context, deviceID string, status types.ExecutionStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE (? = '' OR device_id = ?) AND status = ?`,
		deviceID, deviceID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// DeleteExecutionsBefore implements Store.
func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE created_at < ? AND status IN (?, ?, ?)`,
		fmtTime(cutoff), string(types.ExecutionSuccess), string(types.ExecutionFailed),
		string(types.ExecutionInterrupted))
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return res.RowsAffected()
}

// --- Quota trackers ---

const trackerColumns = `device_id, task_class, period_start, required, completed,
	failed, skipped, pending, total_duration_ms, status`

func scanTracker(row interface {
	Scan(dest ...interface{}) error
}) (*types.QuotaTracker, error) {
	var tr types.QuotaTracker
	var class, status string
	var period int64
	err := row.Scan(&tr.DeviceID, &class, &period, &tr.Required, &tr.Completed,
		&tr.Failed, &tr.Skipped, &tr.Pending, &tr.TotalDurationMS, &status)
	if err != nil {
		return nil, err
	}
	tr.TaskClass = types.TaskClass(class)
	tr.PeriodStart = time.Unix(period, 0).UTC()
	tr.Status = types.QuotaStatus(status)
	return &tr, nil
}

func (s *SQLiteStore) ensureTracker(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, deviceID string, class types.TaskClass, periodStart time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO quota_trackers (device_id, task_class, period_start, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, task_class, period_start) DO NOTHING`,
		deviceID, string(class), periodStart.Unix(), string(types.QuotaInProgress))
	return err
}

// GetOrCreateTracker implements Store.
func (s *SQLiteStore) GetOrCreateTracker(ctx context.Context, deviceID string, class types.TaskClass, periodStart time.Time) (*types.QuotaTracker, error) {
	if err := s.ensureTracker(ctx, s.db, deviceID, class, periodStart); err != nil {
		return nil, fmt.Errorf("ensure tracker: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+trackerColumns+` FROM quota_trackers
		WHERE device_id = ? AND task_class = ? AND period_start = ?`,
		deviceID, string(class), periodStart.Unix())
	tr, err := scanTracker(row)
	if err != nil {
		return nil, fmt.Errorf("get tracker: %w", err)
	}
	return tr, nil
}

// MutateTracker implements Store. One transaction scoped to the row,
// so concurrent completion callbacks for the same key cannot lose
// updates.
func (s *SQLiteStore) MutateTracker(ctx context.Context, deviceID string, class types.TaskClass, periodStart time.Time, fn func(*types.QuotaTracker) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureTracker(ctx, tx, deviceID, class, periodStart); err != nil {
		return fmt.Errorf("ensure tracker: %w", err)
	}
	row := tx.QueryRowContext(ctx, `
		SELECT `+trackerColumns+` FROM quota_trackers
		WHERE device_id = ? AND task_class = ? AND period_start = ?`,
		deviceID, string(class), periodStart.Unix())
	tr, err := scanTracker(row)
	if err != nil {
		return fmt.Errorf("load tracker: %w", err)
	}

	if err := fn(tr); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE quota_trackers SET required = ?, completed = ?, failed = ?,
			skipped = ?, pending = ?, total_duration_ms = ?, status = ?
		WHERE device_id = ? AND task_class = ? AND period_start = ?`,
		tr.Required, tr.Completed, tr.Failed, tr.Skipped, tr.Pending,
		tr.TotalDurationMS, string(tr.Status),
		deviceID, string(class), periodStart.Unix())
	if err != nil {
		return fmt.Errorf("update tracker: %w", err)
	}
	return tx.Commit()
}

// ListTrackers implements Store.
func (s *SQLiteStore) ListTrackers(ctx context.Context, periodStart time.Time) ([]*types.QuotaTracker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+trackerColumns+` FROM quota_trackers
		WHERE period_start = ? ORDER BY device_id, task_class`,
		periodStart.Unix())
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	defer rows.Close()

	var out []*types.QuotaTracker
	for rows.Next() {
		tr, err := scanTracker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- Violations ---

// InsertViolation implements Store.
func (s *SQLiteStore) InsertViolation(ctx context.Context, v *types.QuotaViolation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_violations
			(id, device_id, task_class, period_start, report, severity, notified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DeviceID, string(v.TaskClass), v.PeriodStart.Unix(),
		v.Report, string(v.Severity), v.Notified, fmtTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// ListViolations implements Store.
func (s *SQLiteStore) ListViolations(ctx context.Context, limit int) ([]*types.QuotaViolation, error) {
	query := `SELECT id, device_id, task_class, period_start, report, severity, notified, created_at
		FROM quota_violations ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []*types.QuotaViolation
	for rows.Next() {
		var v types.QuotaViolation
		var class, severity, createdAt string
		var period int64
		if err := rows.Scan(&v.ID, &v.DeviceID, &class, &period, &v.Report,
			&severity, &v.Notified, &createdAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.TaskClass = types.TaskClass(class)
		v.PeriodStart = time.Unix(period, 0).UTC()
		v.Severity = types.Severity(severity)
		v.CreatedAt = parseTime(createdAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- Audit log ---

// AppendLog implements Store.
func (s *SQLiteStore) AppendLog(ctx context.Context, e *types.LogEntry) error {
	details, err := marshalJSON(e.Details)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (event_type, level, device_id, node_key, message, details, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.Type), string(e.Level), e.DeviceID, e.NodeKey, e.Message,
		details, fmtTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// QueryLog implements Store.
func (s *SQLiteStore) QueryLog(ctx context.Context, f LogFilter) ([]*types.LogEntry, error) {
	query := `SELECT id, event_type, level, device_id, node_key, message, details, ts
		FROM event_log WHERE 1=1`
	var args []interface{}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.Type))
	}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(f.Level))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []*types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		var eventType, level, ts string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &eventType, &level, &e.DeviceID, &e.NodeKey,
			&e.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Type = types.EventType(eventType)
		e.Level = types.LogLevel(level)
		e.Timestamp = parseTime(ts)
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteLogBefore implements Store.
func (s *SQLiteStore) DeleteLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE ts < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete log: %w", err)
	}
	return res.RowsAffected()
}

// --- Snapshots ---

// GetSnapshot implements Store.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, deviceID string) (*types.DeviceSnapshot, error) {
	var snap types.DeviceSnapshot
	var fp int64
	var captured string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, fingerprint, captured_at FROM device_snapshots WHERE device_id = ?`,
		deviceID).Scan(&snap.DeviceID, &fp, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.Fingerprint = uint64(fp)
	snap.CapturedAt = parseTime(captured)
	return &snap, nil
}

// SaveSnapshot implements Store.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *types.DeviceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_snapshots (device_id, fingerprint, captured_at)
		VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET fingerprint = excluded.fingerprint,
			captured_at = excluded.captured_at`,
		snap.DeviceID, int64(snap.Fingerprint), fmtTime(snap.CapturedAt))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b), nil
}

var _ Store = (*SQLiteStore)(nil)
