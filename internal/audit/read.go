package audit

import (
	"context"
	"fmt"
)

// RequestState is the replay-time summary of one Req recovered from the
// log, generalized from store.FlowState (spec.md "replay semantics
// document, generalized from sync-firing replay to job-end replay").
type RequestState struct {
	ID         string
	RootJob    int64
	StartedAt  int64
	ClosedAt   int64
	Closed     bool
	Zombie     bool
	JobEnds    []JobEnd
	CacheHits  int
	CacheMisses int
	Clashes    []Clash
}

// JobEnd is one row of the job_ends table.
type JobEnd struct {
	JobID     int64
	EndStatus string
	Reasons   string
	StartDate int64
	EndDate   int64
	StderrLen int
}

// Clash is one row of the clashes table.
type Clash struct {
	NodeID int64
	JobA   int64
	JobB   int64
	At     int64
}

// Event is one row of the job_events table.
type Event struct {
	Seq    int64
	JobID  int64
	NodeID int64
	Kind   string
	Detail string
	At     int64
}

// GetRequestState reconstructs a Req's full recorded state, for crash
// recovery analysis (spec.md §5 cancellation: an in-flight Req whose
// process died leaves closed_at NULL; the CLI `replay` command surfaces
// this as an incomplete request needing attention).
func (l *Log) GetRequestState(ctx context.Context, reqID string) (RequestState, error) {
	state := RequestState{ID: reqID}

	row := l.db.QueryRowContext(ctx, `
		SELECT root_job, started_at, closed_at, zombie FROM requests WHERE id = ?
	`, reqID)
	var closedAt *int64
	var zombie int
	if err := row.Scan(&state.RootJob, &state.StartedAt, &closedAt, &zombie); err != nil {
		return state, fmt.Errorf("audit: get request state: %w", err)
	}
	if closedAt != nil {
		state.ClosedAt = *closedAt
		state.Closed = true
	}
	state.Zombie = zombie != 0

	rows, err := l.db.QueryContext(ctx, `
		SELECT job_id, end_status, reasons, start_date, end_date, stderr_len
		FROM job_ends WHERE req_id = ? ORDER BY job_id
	`, reqID)
	if err != nil {
		return state, fmt.Errorf("audit: get request state job ends: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var je JobEnd
		if err := rows.Scan(&je.JobID, &je.EndStatus, &je.Reasons, &je.StartDate, &je.EndDate, &je.StderrLen); err != nil {
			return state, fmt.Errorf("audit: scan job end: %w", err)
		}
		state.JobEnds = append(state.JobEnds, je)
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("audit: iterate job ends: %w", err)
	}

	clashRows, err := l.db.QueryContext(ctx, `
		SELECT node_id, job_a, job_b, at FROM clashes WHERE req_id = ? ORDER BY at
	`, reqID)
	if err != nil {
		return state, fmt.Errorf("audit: get request state clashes: %w", err)
	}
	defer clashRows.Close()
	for clashRows.Next() {
		var c Clash
		if err := clashRows.Scan(&c.NodeID, &c.JobA, &c.JobB, &c.At); err != nil {
			return state, fmt.Errorf("audit: scan clash: %w", err)
		}
		state.Clashes = append(state.Clashes, c)
	}
	if err := clashRows.Err(); err != nil {
		return state, fmt.Errorf("audit: iterate clashes: %w", err)
	}

	cacheRow := l.db.QueryRowContext(ctx, `SELECT hits, misses FROM cache_stats WHERE req_id = ?`, reqID)
	if err := cacheRow.Scan(&state.CacheHits, &state.CacheMisses); err != nil {
		// No cache activity recorded for this Req is not an error.
		state.CacheHits, state.CacheMisses = 0, 0
	}

	return state, nil
}

// TraceEvents returns every lifecycle event for a Req in sequence order,
// for the CLI `trace` command.
func (l *Log) TraceEvents(ctx context.Context, reqID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, job_id, node_id, kind, detail, at FROM job_events
		WHERE req_id = ? ORDER BY seq
	`, reqID)
	if err != nil {
		return nil, fmt.Errorf("audit: trace events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.JobID, &e.NodeID, &e.Kind, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return events, nil
}

// OpenRequestIDs lists every request id that was opened but never closed,
// the replay-time signal that a crash happened mid-build.
func (l *Log) OpenRequestIDs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id FROM requests WHERE closed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("audit: open request ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("audit: scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
