// Package compaction persists session state when the host clears or
// compacts: triggered compaction through the agent, emergency
// extraction when no agent ran, and tail refresh on /clear.
package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/sessionstate"
)

// StateStore is the slice of the session state store the coordinator
// uses.
type StateStore interface {
	Save(ctx context.Context, sessionID, stateText, rawTailPath string, tokenEstimate int) (int, error)
	Latest(ctx context.Context, sessionID string) (*sessionstate.State, error)
	LatestVersion(ctx context.Context, sessionID string) (int, error)
	RefreshTailPath(ctx context.Context, sessionID, newPath string) error
}

// JobQueue enqueues compactor trigger jobs.
type JobQueue interface {
	EnqueueJob(ctx context.Context, sessionID, messageType string, payload map[string]any) (int64, error)
}

// Coordinator drives the three compaction entry points. Poll knobs are
// fields so tests can compress time.
type Coordinator struct {
	states StateStore
	jobs   JobQueue

	MaxPolls     int
	PollInterval time.Duration
	sleep        func(time.Duration)
}

func NewCoordinator(states StateStore, jobs JobQueue) *Coordinator {
	return &Coordinator{
		states:       states,
		jobs:         jobs,
		MaxPolls:     30,
		PollInterval: time.Second,
		sleep:        time.Sleep,
	}
}

// TriggerResult reports the outcome of a triggered compaction.
type TriggerResult struct {
	Status  string `json:"status"`
	Version int    `json:"version,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// TriggerAndAwait asks the compactor agent to run and waits for a new
// state version. Times out with an explicit envelope, never an error.
func (c *Coordinator) TriggerAndAwait(ctx context.Context, sessionID string) (*TriggerResult, error) {
	before, err := c.states.LatestVersion(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	_, err = c.jobs.EnqueueJob(ctx, sessionID, "compactor_trigger", map[string]any{"force": true})
	if err != nil {
		return nil, err
	}

	for poll := 0; poll < c.MaxPolls; poll++ {
		c.sleep(c.PollInterval)
		if ctx.Err() != nil {
			break
		}
		version, err := c.states.LatestVersion(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if version > before {
			state, err := c.states.Latest(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			return &TriggerResult{Status: "compacted", Version: version, State: state.StateText}, nil
		}
	}

	return &TriggerResult{
		Status:  "timeout",
		Message: "compactor did not produce a new state in time; retry or check the sidecar",
	}, nil
}

// EmergencyCompact extracts a minimal state from the transcript and
// saves it as the next version. Used when /clear arrives before any
// agentic compaction exists.
func (c *Coordinator) EmergencyCompact(ctx context.Context, sessionID, transcriptPath string) error {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	extracted := ExtractEmergencyState(f)
	if extracted == nil {
		return nil
	}

	tailPath, err := writeTail(transcriptPath, sessionID+"_emergency.txt", extracted.RawTail)
	if err != nil {
		return err
	}

	_, err = c.states.Save(ctx, sessionID, extracted.StateText, tailPath, len(extracted.RawTail)/4)
	return err
}

// RefreshTail re-extracts the conversation tail from the current
// transcript and repoints the latest state row at it. Covers messages
// produced after the last agentic compaction.
func (c *Coordinator) RefreshTail(ctx context.Context, sessionID, transcriptPath string) error {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	chunks := ExtractChunks(f)
	if len(chunks) == 0 {
		return nil
	}
	tail := Tail(chunks, MaxTailChars)

	tailPath, err := writeTail(transcriptPath, sessionID+"_fresh.txt", tail)
	if err != nil {
		return err
	}
	return c.states.RefreshTailPath(ctx, sessionID, tailPath)
}

// writeTail stores a tail snapshot next to the transcript under
// compactor_tails/.
func writeTail(transcriptPath, fileName, tail string) (string, error) {
	dir := filepath.Join(filepath.Dir(transcriptPath), "compactor_tails")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tail dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte(tail), 0o644); err != nil {
		return "", fmt.Errorf("write tail: %w", err)
	}
	return path, nil
}
