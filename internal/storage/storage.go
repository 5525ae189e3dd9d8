// Package storage is the durable journal behind the in-memory scheduler:
// request lifecycle rows for crash replay, the reputation event log, and
// raised fairness flags.
//
// The journal is written after the in-memory mutation succeeds; on startup
// pending rows are replayed into the queue and rows caught mid-flight are
// closed out as interrupted.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tuneq/internal/fairness"
	"tuneq/internal/queue"
	"tuneq/internal/reputation"
)

//go:embed migrations.sql
var migrations string

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path and applies the
// schema. The connection pool is pinned to one connection; sqlite under
// WAL serializes writers anyway and a single connection avoids
// SQLITE_BUSY churn.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage: empty path")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ---- request journal ----

// AppendRequest records an accepted submission.
func (s *Store) AppendRequest(ctx context.Context, r queue.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, owner, category, submitted_at, status, score)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.Category, r.SubmittedAt.UnixMilli(), string(r.Status), r.Score,
	)
	if err != nil {
		return fmt.Errorf("storage: append request %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRequestStatus moves a journaled request along its lifecycle.
func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status queue.Status, failReason string, at time.Time) error {
	var col string
	switch status {
	case queue.StatusDispatched:
		col = "dispatched_at"
	case queue.StatusCompleted, queue.StatusFailed:
		col = "finished_at"
	default:
		col = "submitted_at"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, fail_reason = ?, `+col+` = ? WHERE id = ?`,
		string(status), failReason, at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update request %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: update request %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// DeleteRequest removes a journaled request (cancellation).
func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage: delete request %s: %w", id, err)
	}
	return nil
}

// OpenRequests returns pending rows oldest-first, for startup replay.
func (s *Store) OpenRequests(ctx context.Context) ([]queue.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, category, submitted_at
		FROM requests WHERE status = ? ORDER BY submitted_at ASC, id ASC`,
		string(queue.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: open requests: %w", err)
	}
	defer rows.Close()

	var out []queue.Request
	for rows.Next() {
		var r queue.Request
		var submitted int64
		if err := rows.Scan(&r.ID, &r.Owner, &r.Category, &submitted); err != nil {
			return nil, fmt.Errorf("storage: scan request: %w", err)
		}
		r.SubmittedAt = time.UnixMilli(submitted).UTC()
		r.Status = queue.StatusPending
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkInterrupted fails every row left dispatched by a previous run.
// Returns how many rows were closed out.
func (s *Store) MarkInterrupted(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET status = ?, fail_reason = 'interrupted', finished_at = ?
		WHERE status = ?`,
		string(queue.StatusFailed), at.UnixMilli(), string(queue.StatusDispatched),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark interrupted: %w", err)
	}
	return res.RowsAffected()
}

// ---- reputation event log ----

func (s *Store) AppendReputationEvent(ctx context.Context, e reputation.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation_events (grantor, recipient, at, delta)
		VALUES (?, ?, ?, ?)`,
		e.Grantor, e.Recipient, e.At.UnixMilli(), e.Delta,
	)
	if err != nil {
		return fmt.Errorf("storage: append reputation event: %w", err)
	}
	return nil
}

// RecentEvents returns events at or after since, oldest first.
func (s *Store) RecentEvents(ctx context.Context, since time.Time) ([]reputation.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT grantor, recipient, at, delta
		FROM reputation_events WHERE at >= ? ORDER BY at ASC, seq ASC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent events: %w", err)
	}
	defer rows.Close()

	var out []reputation.Event
	for rows.Next() {
		var e reputation.Event
		var at int64
		if err := rows.Scan(&e.Grantor, &e.Recipient, &at, &e.Delta); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- fairness flags ----

// AppendFlag upserts a raised flag; re-raising an owner's flag refreshes
// the evidence and clears any previous manual clear.
func (s *Store) AppendFlag(ctx context.Context, f fairness.Flag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (owner, reason, at, events, grantors, cleared)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(owner) DO UPDATE SET
			reason = excluded.reason, at = excluded.at,
			events = excluded.events, grantors = excluded.grantors, cleared = 0`,
		f.Owner, f.Reason, f.At.UnixMilli(), f.Events, f.Grantors,
	)
	if err != nil {
		return fmt.Errorf("storage: append flag %s: %w", f.Owner, err)
	}
	return nil
}

func (s *Store) ClearFlag(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE flags SET cleared = 1 WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("storage: clear flag %s: %w", owner, err)
	}
	return nil
}

// ActiveFlags returns uncleaned flags sorted by owner, for startup replay
// into the guard.
func (s *Store) ActiveFlags(ctx context.Context) ([]fairness.Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, reason, at, events, grantors
		FROM flags WHERE cleared = 0 ORDER BY owner ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: active flags: %w", err)
	}
	defer rows.Close()

	var out []fairness.Flag
	for rows.Next() {
		var f fairness.Flag
		var at int64
		if err := rows.Scan(&f.Owner, &f.Reason, &at, &f.Events, &f.Grantors); err != nil {
			return nil, fmt.Errorf("storage: scan flag: %w", err)
		}
		f.At = time.UnixMilli(at).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}
