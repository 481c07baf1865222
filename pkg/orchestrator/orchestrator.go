// Package orchestrator tracks the running sidecar in orchestrator_state
// and the per-agent budgets in agent_usage. The cleared → injected
// hand-off between consecutive host sessions lives here.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// Statuses of an orchestrator_state row.
const (
	StatusRunning  = "running"
	StatusClearing = "clearing"
	StatusCleared  = "cleared"
	StatusInjected = "injected"
	StatusStopped  = "stopped"
)

// Row is one orchestrator_state entry.
type Row struct {
	SessionID     string
	Status        string
	PID           int
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// Registry manages orchestrator_state rows.
type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register upserts the running row for this session.
func (r *Registry) Register(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO orchestrator_state (session_id, status, pid, started_at, last_heartbeat)
VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT (session_id)
DO UPDATE SET status = $2, pid = $3, last_heartbeat = CURRENT_TIMESTAMP`,
		sessionID, StatusRunning, os.Getpid())
	if err != nil {
		return fmt.Errorf("register session %s: %w", sessionID, err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat. Callers rate-limit to once per
// second; the statement itself is unconditional.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE orchestrator_state SET last_heartbeat = CURRENT_TIMESTAMP
WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", sessionID, err)
	}
	return nil
}

// FindRunning returns the running row with the freshest heartbeat, or
// nil when no sidecar is up.
func (r *Registry) FindRunning(ctx context.Context) (*Row, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT session_id, status, COALESCE(pid, 0), started_at, last_heartbeat
FROM orchestrator_state
WHERE status = $1
ORDER BY last_heartbeat DESC
LIMIT 1`, StatusRunning)

	var out Row
	err := row.Scan(&out.SessionID, &out.Status, &out.PID, &out.StartedAt, &out.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find running: %w", err)
	}
	return &out, nil
}

// MarkClearing records that the host issued /clear for this session.
func (r *Registry) MarkClearing(ctx context.Context, sessionID string) error {
	return r.setStatus(ctx, sessionID, StatusClearing)
}

// MarkCleared records that the end-of-session state is persisted and
// ready for hand-off.
func (r *Registry) MarkCleared(ctx context.Context, sessionID string) error {
	return r.setStatus(ctx, sessionID, StatusCleared)
}

// MarkStopped records sidecar shutdown.
func (r *Registry) MarkStopped(ctx context.Context, sessionID string) error {
	return r.setStatus(ctx, sessionID, StatusStopped)
}

// MarkStoppedIfRunning records shutdown only when the row is still
// running. A row that already advanced into the clear hand-off keeps
// its status so the next session can consume it.
func (r *Registry) MarkStoppedIfRunning(ctx context.Context, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE orchestrator_state SET status = $1
WHERE session_id = $2 AND status = $3`, StatusStopped, sessionID, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark %s stopped: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// consumeClearedQuery claims the hand-off row. The status qual must
// appear on the outer UPDATE, not only in the subquery: under READ
// COMMITTED a racing injector that blocked on the row lock rechecks
// only the outer WHERE against the committed row, so without it both
// racers would claim the same session.
const consumeClearedQuery = `
UPDATE orchestrator_state SET status = $1
WHERE status IN ($2, $3)
  AND session_id = (
	SELECT session_id FROM orchestrator_state
	WHERE status IN ($2, $3) AND session_id <> $4
	ORDER BY last_heartbeat DESC
	LIMIT 1
)
RETURNING session_id`

// ConsumePreviousCleared atomically claims the newest cleared (or still
// clearing) session other than newSessionID and moves it to injected.
// The loser of a race matches nothing and returns ""; its caller's
// retry loop then claims the next available row.
func (r *Registry) ConsumePreviousCleared(ctx context.Context, newSessionID string) (string, error) {
	row := r.db.QueryRowContext(ctx, consumeClearedQuery,
		StatusInjected, StatusCleared, StatusClearing, newSessionID)

	var sessionID string
	err := row.Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("consume previous cleared: %w", err)
	}
	return sessionID, nil
}

func (r *Registry) setStatus(ctx context.Context, sessionID, status string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE orchestrator_state SET status = $1 WHERE session_id = $2`, status, sessionID)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", sessionID, status, err)
	}
	return nil
}
