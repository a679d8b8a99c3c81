// Package audit is the durable, crash-replayable event log of Request and
// Job lifecycle transitions: job-end digests, cache hit/miss counters, and
// clash records. It replaces the teacher's sync-rule flow store
// (internal/store) with a Request/Job-shaped schema, keeping the same
// Open/pragma/WAL/migration discipline and the idempotent-insert pattern
// (spec.md DESIGN.md ledger entry "internal/audit").
package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id         TEXT PRIMARY KEY,
	root_job   INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	closed_at  INTEGER,
	zombie     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS job_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	req_id     TEXT NOT NULL,
	job_id     INTEGER NOT NULL,
	node_id    INTEGER NOT NULL DEFAULT 0,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	at         INTEGER NOT NULL,
	UNIQUE(req_id, job_id, kind, at, detail)
);

CREATE TABLE IF NOT EXISTS job_ends (
	req_id      TEXT NOT NULL,
	job_id      INTEGER NOT NULL,
	end_status  TEXT NOT NULL,
	reasons     TEXT NOT NULL DEFAULT '',
	start_date  INTEGER NOT NULL,
	end_date    INTEGER NOT NULL,
	stderr_len  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (req_id, job_id)
);

CREATE TABLE IF NOT EXISTS cache_stats (
	req_id TEXT PRIMARY KEY,
	hits   INTEGER NOT NULL DEFAULT 0,
	misses INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clashes (
	req_id  TEXT NOT NULL,
	node_id INTEGER NOT NULL,
	job_a   INTEGER NOT NULL,
	job_b   INTEGER NOT NULL,
	at      INTEGER NOT NULL,
	PRIMARY KEY (req_id, node_id, job_a, job_b)
);
`

// Log provides durable storage for the engine's Request/Job event trail.
// Uses SQLite with WAL mode, matching internal/store's grounding discipline
// (single writer, busy-timeout, foreign keys on).
type Log struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path, applying pragmas and
// the schema. Idempotent: safe to call multiple times against the same
// file, including ":memory:" for tests.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: connect: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// DB exposes the underlying connection for the replay/trace CLI commands
// that need arbitrary read queries.
func (l *Log) DB() *sql.DB { return l.db }

// OpenRequest records a Req's opening. Idempotent: a second call with the
// same id is a no-op (spec.md §4.G "open on command entry").
func (l *Log) OpenRequest(ctx context.Context, id string, rootJob int64, startedAt int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO requests (id, root_job, started_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, rootJob, startedAt)
	if err != nil {
		return fmt.Errorf("audit: open request: %w", err)
	}
	return nil
}

// CloseRequest marks a Req closed (spec.md §4.G "closed when root job is
// done"). zombie records whether the request was killed (spec.md §5
// cancellation).
func (l *Log) CloseRequest(ctx context.Context, id string, closedAt int64, zombie bool) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE requests SET closed_at = ?, zombie = ? WHERE id = ?
	`, closedAt, boolToInt(zombie), id)
	if err != nil {
		return fmt.Errorf("audit: close request: %w", err)
	}
	return nil
}

// RecordEvent appends one lifecycle transition. Per spec.md §5
// cancellation semantics, callers must not call RecordEvent for a Req that
// IsZombie() — zombie requests fold statistics but never propagate to
// audit; that filtering happens one layer up, in the make engine.
func (l *Log) RecordEvent(ctx context.Context, reqID string, jobID, nodeID int64, kind, detail string, at int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_events (req_id, job_id, node_id, kind, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(req_id, job_id, kind, at, detail) DO NOTHING
	`, reqID, jobID, nodeID, kind, detail, at)
	if err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// RecordJobEnd persists the terminal classification of one job execution
// within one Req. Idempotent on (req_id, job_id): a job never ends twice
// for the same Req without an intervening reset, so a second write
// overwrites rather than duplicates.
func (l *Log) RecordJobEnd(ctx context.Context, reqID string, jobID int64, endStatus, reasons string, startDate, endDate int64, stderrLen int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_ends (req_id, job_id, end_status, reasons, start_date, end_date, stderr_len)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(req_id, job_id) DO UPDATE SET
			end_status = excluded.end_status,
			reasons    = excluded.reasons,
			start_date = excluded.start_date,
			end_date   = excluded.end_date,
			stderr_len = excluded.stderr_len
	`, reqID, jobID, endStatus, reasons, startDate, endDate, stderrLen)
	if err != nil {
		return fmt.Errorf("audit: record job end: %w", err)
	}
	return nil
}

// RecordClash persists a detected concurrent-write clash between two jobs
// over one node (spec.md §4.H clash detection, §8 invariant 6).
func (l *Log) RecordClash(ctx context.Context, reqID string, nodeID, jobA, jobB int64, at int64) error {
	if jobA > jobB {
		jobA, jobB = jobB, jobA
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO clashes (req_id, node_id, job_a, job_b, at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(req_id, node_id, job_a, job_b) DO NOTHING
	`, reqID, nodeID, jobA, jobB, at)
	if err != nil {
		return fmt.Errorf("audit: record clash: %w", err)
	}
	return nil
}

// IncCacheHit/IncCacheMiss maintain per-Req cache counters, mirroring
// request.Stats but durably, so `trace`/`replay` can report them after the
// process exits.
func (l *Log) IncCacheHit(ctx context.Context, reqID string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cache_stats (req_id, hits) VALUES (?, 1)
		ON CONFLICT(req_id) DO UPDATE SET hits = hits + 1
	`, reqID)
	if err != nil {
		return fmt.Errorf("audit: bump cache hit: %w", err)
	}
	return nil
}

func (l *Log) IncCacheMiss(ctx context.Context, reqID string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cache_stats (req_id, misses) VALUES (?, 1)
		ON CONFLICT(req_id) DO UPDATE SET misses = misses + 1
	`, reqID)
	if err != nil {
		return fmt.Errorf("audit: bump cache miss: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
