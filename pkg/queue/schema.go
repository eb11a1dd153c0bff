package queue

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion tracks the queue schema for migration support.
const CurrentSchemaVersion = 1

func initSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version == 0 {
		return createSchema(db)
	}
	return fmt.Errorf("unknown schema version %d (current is %d)", version, CurrentSchemaVersion)
}

func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,

		// Inbound messages. agent is NULL for unrouted rows; the claimer for
		// "default" picks those up. Timestamps are unix milliseconds.
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			files TEXT,
			agent TEXT,
			conversation_id TEXT,
			from_agent TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','processing','completed','dead')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			claimed_by TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Outbound responses, exactly one per completed top-level message.
		`CREATE TABLE IF NOT EXISTS responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			original_message TEXT NOT NULL DEFAULT '',
			agent TEXT,
			files TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','acked')),
			created_at INTEGER NOT NULL,
			acked_at INTEGER
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(status, agent, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)",
		"CREATE INDEX IF NOT EXISTS idx_responses_channel ON responses(channel, status)",
		"CREATE INDEX IF NOT EXISTS idx_responses_agent ON responses(agent, created_at)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, strftime('%s','now')*1000)",
		CurrentSchemaVersion,
	); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
