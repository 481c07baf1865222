package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverBudget(t *testing.T) {
	assert.False(t, OverBudget(0, 5.0))
	assert.False(t, OverBudget(5.0, 5.0))
	assert.True(t, OverBudget(5.01, 5.0))
}

func TestUsageRemaining(t *testing.T) {
	u := UsageRow{BudgetSession: 5.0, TotalCostUSD: 1.25}
	assert.InDelta(t, 3.75, u.Remaining(), 1e-9)

	u.TotalCostUSD = 7.0
	assert.Zero(t, u.Remaining())
}

func TestRecordInvocationQueryShape(t *testing.T) {
	assert.Contains(t, recordInvocationQuery, "ON CONFLICT (session_id, agent_name)")
	assert.Contains(t, recordInvocationQuery, "invocation_count = agent_usage.invocation_count + 1")
	assert.Contains(t, recordInvocationQuery, "last_cost_usd = $3")
	// Only the budget transition is automatic; idle/running/disabled
	// belong to the agent workers and the operator.
	assert.Contains(t, recordInvocationQuery,
		"WHEN agent_usage.total_cost_usd + $3 > agent_usage.budget_session THEN $7")
	assert.Contains(t, recordInvocationQuery, "ELSE agent_usage.status")
}

func TestRecordInvocationReturnsAllBudgetFields(t *testing.T) {
	idx := strings.Index(recordInvocationQuery, "RETURNING")
	require.Positive(t, idx)
	returning := recordInvocationQuery[idx:]

	for _, col := range []string{"total_cost_usd", "last_cost_usd", "budget_per_call", "budget_session", "status"} {
		assert.Contains(t, returning, col)
	}
}
