// Package sessionstate stores versioned per-session structured
// summaries plus a pointer to the raw conversation tail file.
package sessionstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// State is one version of a session's compacted summary.
type State struct {
	ID            int64
	SessionID     string
	Version       int
	StateText     string
	RawTailPath   string
	TokenEstimate int
	CreatedAt     time.Time
}

// Store persists session_state rows.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts a new state with the next version for the session. The
// version is assigned inside the INSERT so concurrent savers cannot
// allocate the same number (the unique constraint rejects the loser).
func (s *Store) Save(ctx context.Context, sessionID, stateText, rawTailPath string, tokenEstimate int) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO session_state (session_id, version, state_text, raw_tail_path, token_estimate)
SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4
FROM session_state WHERE session_id = $1
RETURNING version`, sessionID, stateText, nullable(rawTailPath), tokenEstimate).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("save state for %s: %w", sessionID, err)
	}
	return version, nil
}

// Latest returns the highest-version state for the session, or nil.
func (s *Store) Latest(ctx context.Context, sessionID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, version, state_text, COALESCE(raw_tail_path, ''), COALESCE(token_estimate, 0), created_at
FROM session_state
WHERE session_id = $1
ORDER BY version DESC
LIMIT 1`, sessionID)

	var st State
	err := row.Scan(&st.ID, &st.SessionID, &st.Version, &st.StateText, &st.RawTailPath, &st.TokenEstimate, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest state for %s: %w", sessionID, err)
	}
	return &st, nil
}

// LatestVersion returns the highest version number, 0 when none exists.
func (s *Store) LatestVersion(ctx context.Context, sessionID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0) FROM session_state WHERE session_id = $1`,
		sessionID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("latest version for %s: %w", sessionID, err)
	}
	return version, nil
}

// RefreshTailPath repoints only the latest row's raw tail file. Older
// versions keep their original tails.
func (s *Store) RefreshTailPath(ctx context.Context, sessionID, newPath string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE session_state SET raw_tail_path = $1
WHERE session_id = $2
  AND version = (SELECT MAX(version) FROM session_state WHERE session_id = $2)`,
		newPath, sessionID)
	if err != nil {
		return fmt.Errorf("refresh tail path for %s: %w", sessionID, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
