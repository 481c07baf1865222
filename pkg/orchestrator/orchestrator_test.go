package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The hand-off claim must carry the status qual on the outer UPDATE,
// not only inside the subquery. Under READ COMMITTED a concurrent
// claimant that blocked on the row lock rechecks the outer WHERE
// alone; without the qual it would also match the freshly injected
// row and two new sessions would restore the same state.
func TestConsumeClearedQueryGuardsOuterStatus(t *testing.T) {
	idx := strings.Index(consumeClearedQuery, "AND session_id = (")
	require.Positive(t, idx)
	outer := consumeClearedQuery[:idx]

	assert.Contains(t, outer, "UPDATE orchestrator_state SET status = $1")
	assert.Contains(t, outer, "status IN ($2, $3)")
}

func TestConsumeClearedQueryIsSingleClaim(t *testing.T) {
	assert.Equal(t, 1, strings.Count(consumeClearedQuery, "UPDATE"))
	assert.Contains(t, consumeClearedQuery, "RETURNING session_id")
	assert.Contains(t, consumeClearedQuery, "session_id <> $4")
	assert.Contains(t, consumeClearedQuery, "ORDER BY last_heartbeat DESC")
	assert.Contains(t, consumeClearedQuery, "LIMIT 1")
}
