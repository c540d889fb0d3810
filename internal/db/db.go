package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite audit database. It is a passive sink: command,
// session and daemon lifecycle events are recorded here for inspection.
// Lifecycle commands never consult it; only the history verb reads it
// back.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the audit database at the specified path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode keeps writers from blocking the occasional reader
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main
// database file.
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Control commands received on the TCP port
	CREATE TABLE IF NOT EXISTS command_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command TEXT NOT NULL,
		detail TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Session lifecycle events (started, stopped, died, startup_failed)
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		config TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events (start, stop, state transitions)
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_command_audit_timestamp ON command_audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_session_events_timestamp ON session_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_session_events_config ON session_events(config);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// CommandRecord is one audited control command.
type CommandRecord struct {
	ID        int64
	Command   string
	Detail    string
	Timestamp time.Time
}

// LogCommand records a control command and its arguments.
func (db *DB) LogCommand(command, detail string) error {
	_, err := db.conn.Exec(
		`INSERT INTO command_audit (command, detail, timestamp)
		 VALUES (?, ?, ?)`,
		command, detail, time.Now(),
	)
	return err
}

// SessionEvent is one session lifecycle event.
type SessionEvent struct {
	ID        int64
	Config    string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogSessionEvent records a session lifecycle event. Writes retry
// briefly when the database is locked so auditing never blocks the
// command path for long.
func (db *DB) LogSessionEvent(config, eventType, details string) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO session_events (config, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?)`,
			config, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log session event after %d retries: database locked", maxRetries)
}

// DaemonEvent is one daemon lifecycle event.
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent records a daemon lifecycle event.
func (db *DB) LogDaemonEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// GetRecentCommands retrieves the newest audited commands.
func (db *DB) GetRecentCommands(limit int) ([]CommandRecord, error) {
	rows, err := db.conn.Query(
		`SELECT id, command, detail, timestamp
		 FROM command_audit
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		var r CommandRecord
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &r.Command, &detail, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Detail = detail.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetRecentSessionEvents retrieves the newest session events.
func (db *DB) GetRecentSessionEvents(limit int) ([]SessionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, config, event_type, details, timestamp
		 FROM session_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Config, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves the newest daemon events.
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}
