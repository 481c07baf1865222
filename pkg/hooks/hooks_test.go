package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/sessionstate"
)

type fakeJobs struct {
	sessions []string
	types    []string
	payloads []map[string]any
}

func (f *fakeJobs) EnqueueJob(_ context.Context, sessionID, messageType string, payload map[string]any) (int64, error) {
	f.sessions = append(f.sessions, sessionID)
	f.types = append(f.types, messageType)
	f.payloads = append(f.payloads, payload)
	return 1, nil
}

type fakeRetriever struct {
	text string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string) (string, error) {
	return f.text, nil
}

type fakeRegistry struct {
	clearing  []string
	cleared   []string
	claimable string
	claimedBy []string
	failFirst int
}

func (f *fakeRegistry) MarkClearing(_ context.Context, sessionID string) error {
	f.clearing = append(f.clearing, sessionID)
	return nil
}

func (f *fakeRegistry) MarkCleared(_ context.Context, sessionID string) error {
	f.cleared = append(f.cleared, sessionID)
	return nil
}

func (f *fakeRegistry) ConsumePreviousCleared(_ context.Context, newSessionID string) (string, error) {
	f.claimedBy = append(f.claimedBy, newSessionID)
	if f.failFirst > 0 {
		f.failFirst--
		return "", nil
	}
	id := f.claimable
	f.claimable = ""
	return id, nil
}

type fakeStates struct {
	states map[string]*sessionstate.State
}

func (f *fakeStates) Latest(_ context.Context, sessionID string) (*sessionstate.State, error) {
	return f.states[sessionID], nil
}

type fakeCompactor struct {
	emergency []string
	refreshed []string
}

func (f *fakeCompactor) EmergencyCompact(_ context.Context, sessionID, _ string) error {
	f.emergency = append(f.emergency, sessionID)
	return nil
}

func (f *fakeCompactor) RefreshTail(_ context.Context, sessionID, _ string) error {
	f.refreshed = append(f.refreshed, sessionID)
	return nil
}

func newAdapters() (*Adapters, *fakeJobs, *fakeRegistry, *fakeStates, *fakeCompactor) {
	jobs := &fakeJobs{}
	registry := &fakeRegistry{}
	states := &fakeStates{states: map[string]*sessionstate.State{}}
	compactor := &fakeCompactor{}
	a := &Adapters{
		Jobs:             jobs,
		Retriever:        &fakeRetriever{},
		Registry:         registry,
		States:           states,
		Compactor:        compactor,
		RetrieverEnabled: true,
		LearnerEnabled:   true,
		ConsumeRetries:   3,
		ConsumeDelay:     time.Millisecond,
	}
	return a, jobs, registry, states, compactor
}

func TestParseInput(t *testing.T) {
	in, err := ParseInput(strings.NewReader(`{"session_id":"s1","prompt":"hello","tool_name":"Bash"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", in.SessionID)
	assert.Equal(t, "hello", in.Prompt)
	assert.Equal(t, "Bash", in.ToolName)

	_, err = ParseInput(strings.NewReader("not json"))
	assert.Error(t, err)
}

func TestUserPromptSubmitInjectsContext(t *testing.T) {
	a, _, _, _, _ := newAdapters()
	a.Retriever = &fakeRetriever{text: "=== MEMORY CONTEXT ===\nrelevant"}

	res, err := a.UserPromptSubmit(context.Background(), &Input{SessionID: "s1", Prompt: "how do I deploy"})
	require.NoError(t, err)
	assert.Equal(t, ExitAllow, res.ExitCode)
	require.NotNil(t, res.Output)
	assert.Equal(t, "UserPromptSubmit", res.Output.HookSpecificOutput.HookEventName)
	assert.Contains(t, res.Output.HookSpecificOutput.AdditionalContext, "relevant")
}

func TestUserPromptSubmitNoResult(t *testing.T) {
	a, _, _, _, _ := newAdapters()

	res, err := a.UserPromptSubmit(context.Background(), &Input{SessionID: "s1", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, ExitAllow, res.ExitCode)
	assert.Nil(t, res.Output)
}

func TestUserPromptSubmitRetrieverDisabled(t *testing.T) {
	a, _, _, _, _ := newAdapters()
	a.RetrieverEnabled = false
	a.Retriever = &fakeRetriever{text: "should not appear"}

	res, err := a.UserPromptSubmit(context.Background(), &Input{SessionID: "s1", Prompt: "hello"})
	require.NoError(t, err)
	assert.Nil(t, res.Output)
}

func TestPostToolUseSkipsNoisyTools(t *testing.T) {
	a, jobs, _, _, _ := newAdapters()

	for _, tool := range []string{"Read", "Glob", "Grep", "mcp__memory__db_select"} {
		res, err := a.PostToolUse(context.Background(), &Input{SessionID: "s1", ToolName: tool})
		require.NoError(t, err)
		assert.Equal(t, ExitAllow, res.ExitCode)
	}
	assert.Empty(t, jobs.types, "skip-listed tools must produce zero inbox rows")
}

func TestPostToolUseEnqueues(t *testing.T) {
	a, jobs, _, _, _ := newAdapters()

	in := &Input{
		SessionID:    "s1",
		ToolName:     "Bash",
		ToolInput:    json.RawMessage(`{"command":"ls"}`),
		ToolResponse: json.RawMessage(`{"stdout":"files"}`),
	}
	_, err := a.PostToolUse(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []string{"tool_use"}, jobs.types)
	assert.Equal(t, "Bash", jobs.payloads[0]["tool_name"])
}

func TestPostToolUseLearnerDisabled(t *testing.T) {
	a, jobs, _, _, _ := newAdapters()
	a.LearnerEnabled = false

	_, err := a.PostToolUse(context.Background(), &Input{SessionID: "s1", ToolName: "Bash"})
	require.NoError(t, err)
	assert.Empty(t, jobs.types)
}

func TestTruncatePayload(t *testing.T) {
	small := json.RawMessage(`{"k":"v"}`)
	assert.Equal(t, any(small), TruncatePayload(small))

	big := json.RawMessage(`"` + strings.Repeat("x", 5000) + `"`)
	got := TruncatePayload(big)
	envelope, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, envelope["_truncated"])
	assert.Len(t, envelope["_preview"], 2000)
	assert.Equal(t, len(big), envelope["_length"])

	assert.Nil(t, TruncatePayload(nil))
}

func TestSessionEndEmergencyWhenNoState(t *testing.T) {
	a, _, registry, _, compactor := newAdapters()

	_, err := a.SessionEnd(context.Background(), &Input{
		SessionID: "s1", Reason: "clear", TranscriptPath: "/tmp/t.jsonl",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, registry.clearing)
	assert.Equal(t, []string{"s1"}, compactor.emergency)
	assert.Empty(t, compactor.refreshed)
	assert.Equal(t, []string{"s1"}, registry.cleared)
}

func TestSessionEndRefreshWhenStateExists(t *testing.T) {
	a, _, _, states, compactor := newAdapters()
	states.states["s1"] = &sessionstate.State{SessionID: "s1", Version: 2}

	_, err := a.SessionEnd(context.Background(), &Input{
		SessionID: "s1", Reason: "clear", TranscriptPath: "/tmp/t.jsonl",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, compactor.refreshed)
	assert.Empty(t, compactor.emergency)
}

func TestSessionEndIgnoresOtherReasons(t *testing.T) {
	a, _, registry, _, _ := newAdapters()

	_, err := a.SessionEnd(context.Background(), &Input{SessionID: "s1", Reason: "exit"})
	require.NoError(t, err)
	assert.Empty(t, registry.clearing)
}

func TestSessionStartInjectsPreviousState(t *testing.T) {
	a, _, registry, states, _ := newAdapters()

	tailPath := filepath.Join(t.TempDir(), "tail.txt")
	tail := "[USER] build it\n[TOOLS] Bash(make)\n[CLAUDE] done"
	require.NoError(t, os.WriteFile(tailPath, []byte(tail), 0o644))

	registry.claimable = "old-session"
	states.states["old-session"] = &sessionstate.State{
		SessionID: "old-session", Version: 3,
		StateText: "=== SESSION STATE v3 ===", RawTailPath: tailPath,
	}

	res, err := a.SessionStart(context.Background(), &Input{SessionID: "new-session", Source: "clear"})
	require.NoError(t, err)
	require.NotNil(t, res.Output)
	got := res.Output.HookSpecificOutput.AdditionalContext
	assert.Contains(t, got, "context restored from previous session (v3)")
	assert.Contains(t, got, "=== SESSION STATE v3 ===")
	assert.Contains(t, got, "[USER] build it")
	assert.NotContains(t, got, "[TOOLS]")
	assert.Equal(t, []string{"new-session"}, registry.claimedBy)
}

func TestSessionStartRetriesClaim(t *testing.T) {
	a, _, registry, states, _ := newAdapters()
	registry.claimable = "old-session"
	registry.failFirst = 2
	states.states["old-session"] = &sessionstate.State{SessionID: "old-session", Version: 1, StateText: "state"}

	res, err := a.SessionStart(context.Background(), &Input{SessionID: "new", Source: "clear"})
	require.NoError(t, err)
	require.NotNil(t, res.Output)
	assert.Len(t, registry.claimedBy, 3)
}

func TestSessionStartNothingToClaim(t *testing.T) {
	a, _, _, _, _ := newAdapters()

	res, err := a.SessionStart(context.Background(), &Input{SessionID: "new", Source: "clear"})
	require.NoError(t, err)
	assert.Nil(t, res.Output)
}

func TestSessionStartIgnoresStartupSource(t *testing.T) {
	a, _, registry, _, _ := newAdapters()
	registry.claimable = "old"

	res, err := a.SessionStart(context.Background(), &Input{SessionID: "new", Source: "startup"})
	require.NoError(t, err)
	assert.Nil(t, res.Output)
	assert.Empty(t, registry.claimedBy)
}

func TestAssembleContextBudget(t *testing.T) {
	state := strings.Repeat("s", 500)
	tail := strings.Repeat("t", 40000)

	out := AssembleContext(state, tail, 2, MaxContextChars)
	assert.LessOrEqual(t, len(out), MaxContextChars)
	assert.Contains(t, out, "...(truncated)...")
	assert.Contains(t, out, "## RECENT CONVERSATION TAIL")
	// The kept tail must be the suffix.
	assert.True(t, strings.HasSuffix(out, "t"))
}

func TestFilterTailMetadata(t *testing.T) {
	tail := "[USER] hi\n[TOOLS] Bash(ls)\n[TOOL_RESULTS] abc: ok\n[CLAUDE] hello"
	got := FilterTailMetadata(tail)
	assert.Equal(t, "[USER] hi\n[CLAUDE] hello", got)
	assert.Empty(t, FilterTailMetadata(""))
}

func TestSplitCommand(t *testing.T) {
	name, args, ok := SplitCommand("/aidam-usage last 7 days")
	assert.True(t, ok)
	assert.Equal(t, "aidam-usage", name)
	assert.Equal(t, "last 7 days", args)

	name, _, ok = SplitCommand("/Stats")
	assert.True(t, ok)
	assert.Equal(t, "stats", name)

	_, _, ok = SplitCommand("plain prompt")
	assert.False(t, ok)
	_, _, ok = SplitCommand("/")
	assert.False(t, ok)
	_, _, ok = SplitCommand("")
	assert.False(t, ok)
}

func TestCommandRouterLookupAndRoute(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "greet.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\necho \"hello $AIDAM_CMD_ARGS\" >&2\n"), 0o755))

	router := NewCommandRouter(dir, dir)
	assert.Equal(t, script, router.Lookup("greet"))
	assert.Empty(t, router.Lookup("missing"))

	res, handled := router.Route(context.Background(), "/greet world")
	require.True(t, handled)
	assert.Equal(t, ExitBlock, res.ExitCode)
	assert.Equal(t, "hello world", res.Stderr)

	_, handled = router.Route(context.Background(), "/missing")
	assert.False(t, handled)
	_, handled = router.Route(context.Background(), "ordinary prompt")
	assert.False(t, handled)
}
