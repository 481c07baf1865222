package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent usage statuses.
const (
	UsageIdle       = "idle"
	UsageRunning    = "running"
	UsageOverBudget = "over_budget"
	UsageDisabled   = "disabled"
)

// Budgets applied when a usage row is first created.
const (
	DefaultSessionBudgetUSD = 5.0
	DefaultPerCallBudgetUSD = 0.5
)

// UsageRow is one agent's spend within a session.
type UsageRow struct {
	SessionID       string    `json:"session_id"`
	AgentName       string    `json:"agent_name"`
	InvocationCount int       `json:"invocation_count"`
	TotalCostUSD    float64   `json:"total_cost_usd"`
	LastCostUSD     float64   `json:"last_cost_usd"`
	BudgetPerCall   float64   `json:"budget_per_call"`
	BudgetSession   float64   `json:"budget_session"`
	Status          string    `json:"status"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Remaining is the budget left; never negative.
func (u UsageRow) Remaining() float64 {
	if rem := u.BudgetSession - u.TotalCostUSD; rem > 0 {
		return rem
	}
	return 0
}

// OverBudget reports whether spend exceeds the session budget.
func OverBudget(totalCost, budget float64) bool {
	return totalCost > budget
}

const recordInvocationQuery = `
INSERT INTO agent_usage (session_id, agent_name, invocation_count, total_cost_usd, last_cost_usd, budget_per_call, budget_session, status)
VALUES ($1, $2, 1, $3, $3, $4, $5, $6)
ON CONFLICT (session_id, agent_name)
DO UPDATE SET
	invocation_count = agent_usage.invocation_count + 1,
	total_cost_usd = agent_usage.total_cost_usd + $3,
	last_cost_usd = $3,
	status = CASE
		WHEN agent_usage.total_cost_usd + $3 > agent_usage.budget_session THEN $7
		ELSE agent_usage.status
	END,
	updated_at = CURRENT_TIMESTAMP
RETURNING session_id, agent_name, invocation_count, total_cost_usd, last_cost_usd, budget_per_call, budget_session, status, updated_at`

// RecordInvocation adds one invocation and its cost to the agent's row,
// creating the row with the default budgets on first use. When the
// total passes the session budget the agent flips to over_budget; there
// is no automatic reset. Called by the agent workers around each model
// invocation; nothing in this binary invokes agents itself.
func (r *Registry) RecordInvocation(ctx context.Context, sessionID, agentName string, costUSD float64) (*UsageRow, error) {
	row := r.db.QueryRowContext(ctx, recordInvocationQuery,
		sessionID, agentName, costUSD, DefaultPerCallBudgetUSD, DefaultSessionBudgetUSD,
		UsageRunning, UsageOverBudget)

	var u UsageRow
	err := row.Scan(&u.SessionID, &u.AgentName, &u.InvocationCount, &u.TotalCostUSD, &u.LastCostUSD,
		&u.BudgetPerCall, &u.BudgetSession, &u.Status, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("record invocation %s/%s: %w", sessionID, agentName, err)
	}
	return &u, nil
}

// Quiesced reports whether an agent must not be invoked for the
// session: over budget or disabled by the operator. Like
// RecordInvocation it exists for the agent workers; the aidam_usage
// tool only reads the rows.
func (r *Registry) Quiesced(ctx context.Context, sessionID, agentName string) (bool, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
SELECT status FROM agent_usage WHERE session_id = $1 AND agent_name = $2`,
		sessionID, agentName).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet means the agent has spent nothing.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("usage status %s/%s: %w", sessionID, agentName, err)
	}
	return status == UsageOverBudget || status == UsageDisabled, nil
}

// Usage returns all usage rows for a session.
func (r *Registry) Usage(ctx context.Context, sessionID string) ([]UsageRow, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, agent_name, invocation_count, total_cost_usd, last_cost_usd, budget_per_call, budget_session, status, updated_at
FROM agent_usage
WHERE session_id = $1
ORDER BY agent_name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("usage for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.SessionID, &u.AgentName, &u.InvocationCount, &u.TotalCostUSD, &u.LastCostUSD,
			&u.BudgetPerCall, &u.BudgetSession, &u.Status, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}
