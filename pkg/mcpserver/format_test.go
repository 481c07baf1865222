package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatShortDataUntouched(t *testing.T) {
	out := Format(map[string]any{"status": "ok"}, DefaultMaxChars, 0, "")
	assert.Equal(t, "{\n  \"status\": \"ok\"\n}", out)
}

func TestFormatUnlimited(t *testing.T) {
	data := map[string]any{"text": strings.Repeat("x", 10000)}
	out := Format(data, 0, 0, "")
	assert.NotContains(t, out, "[TRUNCATED")
	assert.Greater(t, len(out), 10000)
}

func TestFormatTruncationBanner(t *testing.T) {
	data := map[string]any{"text": strings.Repeat("x", 500)}
	full, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err)

	out := Format(data, 100, 0, "")
	assert.True(t, strings.HasPrefix(out, string(full[:100])))
	assert.Contains(t, out, fmt.Sprintf("[TRUNCATED: showing 100/%d chars.", len(full)))
	assert.Contains(t, out, "Use max_chars=0 for full, or offset=100 for next page")
	assert.Contains(t, out, `or filter="keyword" to narrow results]`)
}

func TestFormatPaginationBanner(t *testing.T) {
	data := map[string]any{"text": strings.Repeat("x", 500)}
	full, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err)

	out := Format(data, 20, 10, "")
	banner := fmt.Sprintf("[PAGINATED: showing chars 10-30 of %d. Use offset=30 for next page]\n", len(full))
	assert.True(t, strings.HasPrefix(out, banner))
	assert.Equal(t, banner+string(full[10:30]), out)
}

func TestFormatPaginationPastEnd(t *testing.T) {
	data := map[string]any{"k": "v"}
	full, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err)

	// Offset beyond the document yields an empty slice, not a panic.
	out := Format(data, 5, len(full)+100, "")
	assert.Contains(t, out, fmt.Sprintf("chars %d-%d of %d", len(full), len(full), len(full)))
}

func TestApplyFilterKeepsMatchingItems(t *testing.T) {
	data := map[string]any{
		"query": "widgets",
		"results": []map[string]any{
			{"topic": "Alpha widget assembly"},
			{"topic": "beta gadget"},
		},
		"count": 2,
	}

	out := Format(data, 0, 0, "alpha")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "widgets", decoded["query"])
	assert.Equal(t, float64(1), decoded["count"])
	results := decoded["results"].([]any)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].(map[string]any)["topic"], "Alpha")
}

func TestApplyFilterRecomputesTotalFound(t *testing.T) {
	data := map[string]any{
		"learnings":   []map[string]any{{"topic": "postgres tuning"}, {"topic": "go generics"}},
		"patterns":    []map[string]any{{"name": "postgres pool"}},
		"total_found": 3,
	}

	filtered := applyFilter(data, "postgres")
	assert.Equal(t, 2, filtered["total_found"])
	assert.Len(t, filtered["learnings"], 1)
	assert.Len(t, filtered["patterns"], 1)
}

func TestApplyFilterLeavesScalars(t *testing.T) {
	data := map[string]any{"message": "no lists here", "n": 7}
	filtered := applyFilter(data, "zzz")
	assert.Equal(t, "no lists here", filtered["message"])
	assert.Equal(t, 7, filtered["n"])
}
