// Package ledger records the outcome of every relayed stream in SQLite.
// Only metadata is stored; prompts and responses never reach the database.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Outcome values stored in the ledger.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeDisconnected = "disconnected"
)

// Entry is one relayed stream
type Entry struct {
	ID        int64
	SessionID string
	StartedAt time.Time
	Duration  time.Duration
	Chunks    int
	Bytes     int
	Outcome   string
	Error     string
}

// Ledger is a handle to the stream ledger database
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite3 serializes writers; one connection avoids SQLITE_BUSY under concurrent streams.
	db.SetMaxOpenConns(1)

	createStreamsTable := `
	CREATE TABLE IF NOT EXISTS streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		started_at DATETIME,
		duration_ms INTEGER,
		chunks INTEGER,
		bytes INTEGER,
		outcome TEXT,
		error TEXT
	);`

	if _, err := db.Exec(createStreamsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create streams table: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Record stores e and returns its row id.
func (l *Ledger) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO streams (session_id, started_at, duration_ms, chunks, bytes, outcome, error) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.SessionID, e.StartedAt.UTC(), e.Duration.Milliseconds(), e.Chunks, e.Bytes, e.Outcome, e.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record stream: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, session_id, started_at, duration_ms, chunks, bytes, outcome, error FROM streams ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query streams: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StartedAt, &durationMS, &e.Chunks, &e.Bytes, &e.Outcome, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
