// Package journal records cache invocations in a SQLite database so
// hit rates and conflicts can be inspected after a test run.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id          TEXT PRIMARY KEY,
	label       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	event       TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	started_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_started_at ON invocations (started_at);
CREATE INDEX IF NOT EXISTS idx_invocations_label ON invocations (label, started_at);
`

// Events recorded per invocation.
const (
	EventHit      = "hit"
	EventMiss     = "miss"
	EventConflict = "conflict"
	EventError    = "error"
)

// Invocation is one journal row.
type Invocation struct {
	ID          string
	Label       string
	Fingerprint string
	Event       string
	ExitCode    int
	Duration    time.Duration
	StartedAt   time.Time
}

// LabelStats aggregates events for one label.
type LabelStats struct {
	Label     string
	Hits      int
	Misses    int
	Conflicts int
	Errors    int
}

// Journal is an open invocation log. Safe for concurrent use; writes
// are serialized through a single connection.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path. ":memory:"
// gives a private in-memory journal for tests.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One connection keeps writers from tripping over SQLITE_BUSY
	// and keeps :memory: databases from silently forking.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure journal: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one invocation.
func (j *Journal) Record(ctx context.Context, inv Invocation) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO invocations (id, label, fingerprint, event, exit_code, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Label, inv.Fingerprint, inv.Event,
		inv.ExitCode, inv.Duration.Milliseconds(), inv.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// Recent returns up to limit invocations, newest first, optionally
// filtered to one label.
func (j *Journal) Recent(ctx context.Context, label string, limit int) ([]Invocation, error) {
	query := `SELECT id, label, fingerprint, event, exit_code, duration_ms, started_at
	          FROM invocations`
	args := []any{}
	if label != "" {
		query += ` WHERE label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []Invocation
	for rows.Next() {
		var inv Invocation
		var durationMS, startedAt int64
		if err := rows.Scan(&inv.ID, &inv.Label, &inv.Fingerprint, &inv.Event,
			&inv.ExitCode, &durationMS, &startedAt); err != nil {
			return nil, err
		}
		inv.Duration = time.Duration(durationMS) * time.Millisecond
		inv.StartedAt = time.UnixMilli(startedAt).UTC()
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// Stats aggregates event counts per label.
func (j *Journal) Stats(ctx context.Context) ([]LabelStats, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT label,
		        SUM(CASE WHEN event = 'hit' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN event = 'miss' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN event = 'conflict' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN event = 'error' THEN 1 ELSE 0 END)
		 FROM invocations GROUP BY label ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []LabelStats
	for rows.Next() {
		var s LabelStats
		if err := rows.Scan(&s.Label, &s.Hits, &s.Misses, &s.Conflicts, &s.Errors); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// DeleteBefore removes invocations started before cutoff and returns
// how many were deleted.
func (j *Journal) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
