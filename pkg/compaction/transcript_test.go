package compaction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transcriptOf(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n"))
}

func TestExtractChunksBasicFlow(t *testing.T) {
	r := transcriptOf(
		`{"type":"user","message":{"content":"please fix the login bug"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the handler."},{"type":"tool_use","name":"Read","input":{"file_path":"/srv/app/login.go"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_0123456789","content":"func Login(w http.ResponseWriter)\nmore"}]}}`,
		`not json at all`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Found it."}]}}`,
	)

	chunks := ExtractChunks(r)
	require.Len(t, chunks, 5)
	assert.Equal(t, "[USER] please fix the login bug", chunks[0])
	assert.Equal(t, "[CLAUDE] Looking at the handler.", chunks[1])
	assert.Equal(t, "[TOOLS] Read(/srv/app/login.go)", chunks[2])
	assert.Contains(t, chunks[3], "[TOOL_RESULTS] 23456789: ")
	assert.NotContains(t, chunks[3], "\n", "result previews are flattened to one line")
	assert.Equal(t, "[CLAUDE] Found it.", chunks[4])
}

func TestExtractChunksToolMetas(t *testing.T) {
	r := transcriptOf(
		`{"type":"assistant","message":{"content":[` +
			`{"type":"tool_use","name":"Grep","input":{"pattern":"EnqueueJob"}},` +
			`{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}},` +
			`{"type":"tool_use","name":"Glob","input":{"pattern":"**/*.go"}}]}}`,
	)

	chunks := ExtractChunks(r)
	require.Len(t, chunks, 1)
	assert.Equal(t, "[TOOLS] Grep(EnqueueJob) | Bash(go test ./...) | Glob(**/*.go)", chunks[0])
}

func TestExtractChunksActivePlanReplacesPrevious(t *testing.T) {
	r := transcriptOf(
		`{"type":"user","message":{"content":"plan the work"}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"/home/u/.claude/plans/v1.md","content":"old plan"}}]}}`,
		`{"type":"user","message":{"content":"revise it"}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"/home/u/.claude/plans/v2.md","content":"new plan"}}]}}`,
	)

	chunks := ExtractChunks(r)
	joined := strings.Join(chunks, "\n\n")
	assert.NotContains(t, joined, "old plan")
	assert.Contains(t, joined, "[ACTIVE_PLAN: v2.md]\nnew plan")
	assert.Equal(t, 1, strings.Count(joined, "[ACTIVE_PLAN"))
}

func TestExtractChunksOrdinaryWriteIsNotAPlan(t *testing.T) {
	r := transcriptOf(
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"/srv/app/main.go","content":"package main"}}]}}`,
	)

	chunks := ExtractChunks(r)
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasPrefix(chunks[0], "[TOOLS] Write("))
}

func TestTailKeepsSuffix(t *testing.T) {
	chunks := []string{
		strings.Repeat("a", 50),
		strings.Repeat("b", 50),
		strings.Repeat("c", 50),
	}
	tail := Tail(chunks, 120)
	assert.NotContains(t, tail, "a")
	assert.Contains(t, tail, "bbb")
	assert.Contains(t, tail, "ccc")

	assert.Equal(t, strings.Join(chunks, "\n\n"), Tail(chunks, 1000))
	assert.Empty(t, Tail(nil, 1000))
}

func TestExtractEmergencyState(t *testing.T) {
	r := transcriptOf(
		`{"type":"user","message":{"content":"build the importer"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"starting"},{"type":"tool_use","name":"Bash","input":{}},{"type":"tool_use","name":"Bash","input":{}},{"type":"tool_use","name":"Read","input":{}}]}}`,
		`{"type":"user","message":{"content":"now add retries"}}`,
	)

	st := ExtractEmergencyState(r)
	require.NotNil(t, st)
	assert.Contains(t, st.StateText, "Session goal: build the importer")
	assert.Contains(t, st.StateText, "IN PROGRESS: now add retries")
	assert.Contains(t, st.StateText, "Messages: 2 user, 1 assistant")
	assert.Contains(t, st.StateText, "Bash(2), Read(1)")
	assert.Contains(t, st.RawTail, "build the importer")
}

func TestExtractEmergencyStateEmptyTranscript(t *testing.T) {
	assert.Nil(t, ExtractEmergencyState(strings.NewReader("")))
	assert.Nil(t, ExtractEmergencyState(transcriptOf(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"orphan"}]}}`,
	)))
}

func TestToolHistogramTopTen(t *testing.T) {
	counts := map[string]int{}
	for i := 0; i < 12; i++ {
		counts[string(rune('a'+i))] = i + 1
	}
	h := toolHistogram(counts)
	assert.Equal(t, 10, strings.Count(h, "("))
	assert.True(t, strings.HasPrefix(h, "l(12)"))
	assert.NotContains(t, h, "a(1)")
}
