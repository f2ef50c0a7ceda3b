package storage

import (
	"database/sql"
	"fmt"
)

// migration is one versioned schema step. Applied in order, recorded in
// schema_migrations.
type migration struct {
	version int
	name    string
	up      func(*sql.DB) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		up:      migrationV1,
	},
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
			m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func migrationV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE executions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			node_key TEXT NOT NULL,
			task_class TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			summary TEXT
		);
		CREATE INDEX idx_executions_device_status ON executions (device_id, status);
		CREATE INDEX idx_executions_status_created ON executions (status, created_at);

		CREATE TABLE quota_trackers (
			device_id TEXT NOT NULL,
			task_class TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			required INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			pending INTEGER NOT NULL DEFAULT 0,
			total_duration_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			PRIMARY KEY (device_id, task_class, period_start)
		);
		CREATE INDEX idx_trackers_period ON quota_trackers (period_start);

		CREATE TABLE quota_violations (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			task_class TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			report TEXT NOT NULL,
			severity TEXT NOT NULL,
			notified INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE TABLE event_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			level TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			node_key TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			details TEXT,
			ts TEXT NOT NULL
		);
		CREATE INDEX idx_event_log_device ON event_log (device_id, id);

		CREATE TABLE device_snapshots (
			device_id TEXT PRIMARY KEY,
			fingerprint INTEGER NOT NULL,
			captured_at TEXT NOT NULL
		);
	`)
	return err
}
