package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all broker tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		queue        TEXT NOT NULL,
		app_user     TEXT NOT NULL DEFAULT '',
		priority     INTEGER NOT NULL DEFAULT 0,
		state        TEXT NOT NULL DEFAULT 'NEW',
		final_status TEXT NOT NULL DEFAULT 'UNDEFINED',
		progress     REAL NOT NULL DEFAULT 0,
		diagnostics  TEXT NOT NULL DEFAULT '',
		coordinator  TEXT NOT NULL DEFAULT '{}',
		token        TEXT NOT NULL DEFAULT '',
		host         TEXT NOT NULL DEFAULT '',
		rpc_port     INTEGER NOT NULL DEFAULT 0,
		tracking_url TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		finished_at  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_state ON applications(state)`,

	`CREATE TABLE IF NOT EXISTS slot_requests (
		id          TEXT PRIMARY KEY,
		app_id      TEXT NOT NULL,
		memory_mb   INTEGER NOT NULL,
		vcores      INTEGER NOT NULL,
		priority    INTEGER NOT NULL DEFAULT 0,
		coordinator INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_slot_requests_app_id ON slot_requests(app_id)`,

	`CREATE TABLE IF NOT EXISTS slots (
		id             TEXT PRIMARY KEY,
		app_id         TEXT NOT NULL,
		node_id        TEXT NOT NULL,
		node_addr      TEXT NOT NULL,
		memory_mb      INTEGER NOT NULL,
		vcores         INTEGER NOT NULL,
		priority       INTEGER NOT NULL DEFAULT 0,
		state          TEXT NOT NULL DEFAULT 'ALLOCATED',
		coordinator    INTEGER NOT NULL DEFAULT 0,
		exit_code      INTEGER,
		diagnostics    TEXT NOT NULL DEFAULT '',
		stdout         TEXT NOT NULL DEFAULT '',
		stderr         TEXT NOT NULL DEFAULT '',
		delivered      INTEGER NOT NULL DEFAULT 0,
		done_delivered INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		started_at     TEXT,
		completed_at   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_app_id ON slots(app_id)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_node_id ON slots(node_id)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_state ON slots(state)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		addr            TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'RUNNING',
		capacity_mb     INTEGER NOT NULL,
		capacity_vcores INTEGER NOT NULL,
		used_mb         INTEGER NOT NULL DEFAULT 0,
		used_vcores     INTEGER NOT NULL DEFAULT 0,
		last_seen       TEXT NOT NULL,
		registered_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_state ON nodes(state)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
