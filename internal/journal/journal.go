// Package journal records reconciliation outcomes in a node-local SQLite
// database. The diagnostics endpoint serves recent entries so an
// operator can see what a daemon did without trawling logs.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"hyperfleet"
)

// maxRows is 1000: enough history for diagnostics without letting the
// journal grow unbounded on long-lived daemons.
const maxRows = 1000

// Event is one recorded journal line.
type Event struct {
	Seq     int64
	At      time.Time
	Kind    string
	Machine string
	Message string
}

// Journal is an append-mostly event log. Safe for concurrent use; SQLite
// serializes writers and busy_timeout absorbs contention.
type Journal struct {
	db    *sql.DB
	clock hyperfleet.Clock
}

// Open creates or opens the journal database at path.
func Open(path string, clock hyperfleet.Clock) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	kind TEXT NOT NULL,
	machine TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}

	if clock == nil {
		clock = hyperfleet.RealClock{}
	}
	return &Journal{db: db, clock: clock}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records one event and trims history beyond maxRows.
func (j *Journal) Append(kind, machine, message string) error {
	at := j.clock.Now().UTC().Format(time.RFC3339Nano)
	if _, err := j.db.Exec(
		`INSERT INTO events (at, kind, machine, message) VALUES (?, ?, ?, ?)`,
		at, kind, machine, message,
	); err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	if _, err := j.db.Exec(
		`DELETE FROM events WHERE seq <= (SELECT MAX(seq) FROM events) - ?`, maxRows,
	); err != nil {
		return fmt.Errorf("trim journal: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT seq, at, kind, machine, message FROM events ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list journal events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		var at string
		if err := rows.Scan(&ev.Seq, &at, &ev.Kind, &ev.Machine, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse journal timestamp %q: %w", at, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return out, nil
}
