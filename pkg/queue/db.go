// Package queue provides the durable SQLite-backed message queue: inbound
// messages, outbound responses, atomic claims, retry/dead-letter bookkeeping,
// stale-claim recovery, and pruning.
package queue

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Open opens (and initializes) the queue database at dbPath.
// WAL mode gives crash-safe writes; the busy timeout covers the rare
// concurrent writer from the control API process space.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer; serializing through one connection
	// also makes claim transactions race-free at the pool level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}
