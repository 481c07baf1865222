// Package inbox implements the two database queues connecting hooks to
// the background agents: cognitive_inbox carries jobs in, retrieval_inbox
// carries retrieval results back out.
package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DB is the slice of database/sql the bus needs. *sql.DB satisfies it.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Result is one retrieval reply. A reply with type "none" (or empty
// text) is a vote that the retriever found nothing.
type Result struct {
	ID        int64
	Type      string
	Text      string
	Relevance float64
	CreatedAt time.Time
}

// None reports whether the result is a no-context vote.
func (r Result) None() bool {
	return r.Type == "none" || r.Text == ""
}

// Bus wraps the inbox tables.
type Bus struct {
	db DB
}

func New(db DB) *Bus {
	return &Bus{db: db}
}

// EnqueueJob inserts a pending cognitive_inbox row for the agents.
func (b *Bus) EnqueueJob(ctx context.Context, sessionID, messageType string, payload map[string]any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	var id int64
	err = b.db.QueryRowContext(ctx, `
INSERT INTO cognitive_inbox (session_id, message_type, payload, status)
VALUES ($1, $2, $3, 'pending')
RETURNING id`, sessionID, messageType, string(data)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", messageType, err)
	}
	return id, nil
}

// EnqueueResult inserts a pending retrieval_inbox row that expires after ttl.
func (b *Bus) EnqueueResult(ctx context.Context, sessionID, promptHash, contextType, contextText string, relevance float64, ttl time.Duration) (int64, error) {
	var id int64
	err := b.db.QueryRowContext(ctx, `
INSERT INTO retrieval_inbox (session_id, prompt_hash, context_type, context_text, relevance, status, expires_at)
VALUES ($1, $2, $3, $4, $5, 'pending', CURRENT_TIMESTAMP + $6 * INTERVAL '1 second')
RETURNING id`, sessionID, promptHash, contextType, contextText, relevance, ttl.Seconds()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue result: %w", err)
	}
	return id, nil
}

// ConsumeResults returns all pending unexpired results for the exact
// (session, promptHash) pair in arrival order, marking each delivered
// before returning.
func (b *Bus) ConsumeResults(ctx context.Context, sessionID, promptHash string) ([]Result, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT id, context_type, context_text, COALESCE(relevance, 0), created_at
FROM retrieval_inbox
WHERE session_id = $1 AND prompt_hash = $2 AND status = 'pending' AND expires_at > CURRENT_TIMESTAMP
ORDER BY created_at ASC`, sessionID, promptHash)
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	if err := b.markDelivered(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

// LatePendingResult returns the newest pending, unexpired, non-none
// result for the session regardless of prompt hash, marking it
// delivered. Covers replies that arrived after a previous prompt's poll
// window closed.
func (b *Bus) LatePendingResult(ctx context.Context, sessionID string) (*Result, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT id, context_type, context_text, COALESCE(relevance, 0), created_at
FROM retrieval_inbox
WHERE session_id = $1 AND status = 'pending' AND expires_at > CURRENT_TIMESTAMP
  AND context_type <> 'none' AND context_text <> ''
ORDER BY created_at DESC
LIMIT 1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch late result: %w", err)
	}
	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	if err := b.markDelivered(ctx, results); err != nil {
		return nil, err
	}
	return &results[0], nil
}

// CleanupExpiredRetrieval deletes pending rows past their expiry.
// Idempotent: a second run finds nothing.
func (b *Bus) CleanupExpiredRetrieval(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
DELETE FROM retrieval_inbox
WHERE status = 'pending' AND expires_at <= CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired retrieval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (b *Bus) markDelivered(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	_, err := b.db.ExecContext(ctx, `
UPDATE retrieval_inbox SET status = 'delivered' WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func scanResults(rows *sql.Rows) ([]Result, error) {
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Type, &r.Text, &r.Relevance, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}
