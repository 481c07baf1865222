package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/inbox"
)

// fakeSource scripts the per-poll replies of the retrieval inbox.
type fakeSource struct {
	perPoll [][]inbox.Result
	late    *inbox.Result

	poll     int
	enqueued []string
	cleanups int
}

func (f *fakeSource) EnqueueJob(_ context.Context, _, messageType string, _ map[string]any) (int64, error) {
	f.enqueued = append(f.enqueued, messageType)
	return int64(len(f.enqueued)), nil
}

func (f *fakeSource) ConsumeResults(_ context.Context, _, _ string) ([]inbox.Result, error) {
	if f.poll >= len(f.perPoll) {
		f.poll++
		return nil, nil
	}
	r := f.perPoll[f.poll]
	f.poll++
	return r, nil
}

func (f *fakeSource) LatePendingResult(_ context.Context, _ string) (*inbox.Result, error) {
	return f.late, nil
}

func (f *fakeSource) CleanupExpiredRetrieval(_ context.Context) (int64, error) {
	f.cleanups++
	return 0, nil
}

func newTestCoordinator(src Source) *Coordinator {
	c := NewCoordinator(src)
	c.PollInterval = 0
	c.sleep = func(time.Duration) {}
	return c
}

func real(text string) inbox.Result {
	return inbox.Result{Type: "memory", Text: text}
}

func none() inbox.Result {
	return inbox.Result{Type: "none"}
}

func TestPromptHash(t *testing.T) {
	h := PromptHash("fix the race in the watcher")
	assert.Len(t, h, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", h)
	assert.Equal(t, h, PromptHash("fix the race in the watcher"))
	assert.NotEqual(t, h, PromptHash("something else"))
}

func TestRetrieveSingleResultSecondChance(t *testing.T) {
	src := &fakeSource{perPoll: [][]inbox.Result{
		{},
		{real("=== MEMORY CONTEXT ===\nfirst")},
	}}
	c := newTestCoordinator(src)

	got, err := c.Retrieve(context.Background(), "s1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "=== MEMORY CONTEXT ===\nfirst", got)
	assert.Equal(t, []string{"prompt_context"}, src.enqueued)
	assert.Equal(t, 1, src.cleanups)
	// One miss, one hit, then the full grace window before giving up on
	// a second retriever.
	assert.Equal(t, 5, src.poll)
}

func TestRetrieveTwoResultsMerged(t *testing.T) {
	src := &fakeSource{perPoll: [][]inbox.Result{
		{real("=== MEMORY CONTEXT ===\nkeyword")},
		{real("=== MEMORY CONTEXT ===\ncascade")},
	}}
	c := newTestCoordinator(src)

	got, err := c.Retrieve(context.Background(), "s1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "=== MEMORY CONTEXT ===\nkeyword\n\n=== ADDITIONAL CONTEXT ===\ncascade", got)
	// Second real result ends the grace window immediately.
	assert.Equal(t, 2, src.poll)
}

func TestRetrieveTwoNoneVotesShortcut(t *testing.T) {
	src := &fakeSource{perPoll: [][]inbox.Result{
		{none()},
		{none()},
	}}
	c := newTestCoordinator(src)

	got, err := c.Retrieve(context.Background(), "s1", "prompt")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 2, src.poll)
}

func TestRetrieveSingleNoneKeepsWaiting(t *testing.T) {
	src := &fakeSource{perPoll: [][]inbox.Result{
		{none()},
	}}
	c := newTestCoordinator(src)

	got, err := c.Retrieve(context.Background(), "s1", "prompt")
	require.NoError(t, err)
	assert.Empty(t, got)
	// One none vote is not a consensus: the loop runs its full budget.
	assert.Equal(t, c.MaxPolls, src.poll)
}

func TestRetrieveLateArrival(t *testing.T) {
	late := real("=== MEMORY CONTEXT ===\nstale but useful")
	src := &fakeSource{late: &late}
	c := newTestCoordinator(src)

	got, err := c.Retrieve(context.Background(), "s1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, late.Text, got)
	assert.Zero(t, src.poll, "late arrival must return without polling")
}

func TestMerge(t *testing.T) {
	assert.Empty(t, Merge(nil))
	assert.Equal(t, "solo", Merge([]inbox.Result{real("solo")}))

	merged := Merge([]inbox.Result{
		real("=== MEMORY CONTEXT ===\na"),
		real("=== MEMORY CONTEXT ===\nb"),
	})
	assert.Equal(t, 1, strings.Count(merged, "=== MEMORY CONTEXT ==="))
	assert.Equal(t, 1, strings.Count(merged, "=== ADDITIONAL CONTEXT ==="))
}
