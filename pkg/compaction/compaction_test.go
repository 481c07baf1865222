package compaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/sessionstate"
)

type fakeStates struct {
	version     int
	bumpAtCall  int
	calls       int
	saved       []savedState
	refreshedTo string
}

type savedState struct {
	sessionID string
	stateText string
	tailPath  string
	tokens    int
}

func (f *fakeStates) Save(_ context.Context, sessionID, stateText, rawTailPath string, tokenEstimate int) (int, error) {
	f.version++
	f.saved = append(f.saved, savedState{sessionID, stateText, rawTailPath, tokenEstimate})
	return f.version, nil
}

func (f *fakeStates) Latest(_ context.Context, sessionID string) (*sessionstate.State, error) {
	if f.version == 0 {
		return nil, nil
	}
	return &sessionstate.State{SessionID: sessionID, Version: f.version, StateText: "compacted state"}, nil
}

func (f *fakeStates) LatestVersion(_ context.Context, _ string) (int, error) {
	f.calls++
	if f.bumpAtCall > 0 && f.calls == f.bumpAtCall {
		f.version++
	}
	return f.version, nil
}

func (f *fakeStates) RefreshTailPath(_ context.Context, _, newPath string) error {
	f.refreshedTo = newPath
	return nil
}

type fakeJobs struct {
	types    []string
	payloads []map[string]any
}

func (f *fakeJobs) EnqueueJob(_ context.Context, _, messageType string, payload map[string]any) (int64, error) {
	f.types = append(f.types, messageType)
	f.payloads = append(f.payloads, payload)
	return 1, nil
}

func newTestCoordinator(states StateStore, jobs JobQueue) *Coordinator {
	c := NewCoordinator(states, jobs)
	c.PollInterval = 0
	c.sleep = func(time.Duration) {}
	return c
}

func TestTriggerAndAwaitVersionBump(t *testing.T) {
	states := &fakeStates{version: 2, bumpAtCall: 4}
	jobs := &fakeJobs{}
	c := newTestCoordinator(states, jobs)

	res, err := c.TriggerAndAwait(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "compacted", res.Status)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, "compacted state", res.State)
	assert.Equal(t, []string{"compactor_trigger"}, jobs.types)
	assert.Equal(t, true, jobs.payloads[0]["force"])
}

func TestTriggerAndAwaitTimeout(t *testing.T) {
	states := &fakeStates{version: 1}
	c := newTestCoordinator(states, &fakeJobs{})
	c.MaxPolls = 3

	res, err := c.TriggerAndAwait(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.Status)
	assert.NotEmpty(t, res.Message)
}

func writeTranscript(t *testing.T, lines string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestEmergencyCompactSavesState(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"ship the feature"}}`+"\n"+
			`{"type":"assistant","message":{"content":[{"type":"text","text":"on it"}]}}`+"\n")

	states := &fakeStates{}
	c := newTestCoordinator(states, &fakeJobs{})

	require.NoError(t, c.EmergencyCompact(context.Background(), "sess-9", path))
	require.Len(t, states.saved, 1)
	saved := states.saved[0]
	assert.Equal(t, "sess-9", saved.sessionID)
	assert.Contains(t, saved.stateText, "Session goal: ship the feature")
	assert.Contains(t, saved.tailPath, filepath.Join("compactor_tails", "sess-9_emergency.txt"))

	tail, err := os.ReadFile(saved.tailPath)
	require.NoError(t, err)
	assert.Contains(t, string(tail), "ship the feature")
}

func TestEmergencyCompactEmptyTranscriptIsNoop(t *testing.T) {
	path := writeTranscript(t, "")
	states := &fakeStates{}
	c := newTestCoordinator(states, &fakeJobs{})

	require.NoError(t, c.EmergencyCompact(context.Background(), "sess-9", path))
	assert.Empty(t, states.saved)
}

func TestRefreshTailUpdatesLatestRow(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"earlier work"}}`+"\n"+
			`{"type":"user","message":{"content":"latest request"}}`+"\n")

	states := &fakeStates{version: 3}
	c := newTestCoordinator(states, &fakeJobs{})

	require.NoError(t, c.RefreshTail(context.Background(), "sess-9", path))
	assert.Contains(t, states.refreshedTo, filepath.Join("compactor_tails", "sess-9_fresh.txt"))

	tail, err := os.ReadFile(states.refreshedTo)
	require.NoError(t, err)
	assert.Contains(t, string(tail), "[USER] latest request")
}
