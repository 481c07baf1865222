// Package retrieval implements the synchronous-over-asynchronous
// protocol between the UserPromptSubmit hook and the background
// retriever agents. The hook enqueues the prompt as a job, then polls
// the retrieval inbox for replies from the two racing retrievers.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/inbox"
)

const (
	memoryHeader     = "=== MEMORY CONTEXT ==="
	additionalHeader = "=== ADDITIONAL CONTEXT ==="

	// ResultTTL bounds how long an unclaimed reply stays consumable.
	ResultTTL = 2 * time.Minute
)

// Source is what the coordinator needs from the inbox bus.
type Source interface {
	EnqueueJob(ctx context.Context, sessionID, messageType string, payload map[string]any) (int64, error)
	ConsumeResults(ctx context.Context, sessionID, promptHash string) ([]inbox.Result, error)
	LatePendingResult(ctx context.Context, sessionID string) (*inbox.Result, error)
	CleanupExpiredRetrieval(ctx context.Context) (int64, error)
}

// Coordinator runs the submit-and-wait protocol. Poll counts and
// interval are fields so tests can compress time.
type Coordinator struct {
	source Source

	MaxPolls     int
	PollInterval time.Duration
	SecondChance int
	sleep        func(time.Duration)
}

func NewCoordinator(source Source) *Coordinator {
	return &Coordinator{
		source:       source,
		MaxPolls:     14,
		PollInterval: 500 * time.Millisecond,
		SecondChance: 3,
		sleep:        time.Sleep,
	}
}

// PromptHash identifies a prompt by the first 16 hex characters of its
// SHA-256 digest.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// Retrieve enqueues the prompt for the retrievers and waits for their
// replies. Returns the merged context text, empty when nothing came
// back in time.
//
// Termination rules, applied in order after each poll:
//   - two none votes mean both retrievers found nothing: stop;
//   - the first real result grants a short second-chance window so the
//     slower retriever can still enrich the answer;
//   - the window closing, or a second real result, ends the wait.
func (c *Coordinator) Retrieve(ctx context.Context, sessionID, prompt string) (string, error) {
	hash := PromptHash(prompt)

	_, err := c.source.EnqueueJob(ctx, sessionID, "prompt_context", map[string]any{
		"prompt":      prompt,
		"prompt_hash": hash,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}

	if _, err := c.source.CleanupExpiredRetrieval(ctx); err != nil {
		return "", err
	}

	// A reply for an earlier prompt may have landed after its window
	// closed; deliver it now rather than losing it.
	if late, err := c.source.LatePendingResult(ctx, sessionID); err != nil {
		return "", err
	} else if late != nil {
		return late.Text, nil
	}

	var real []inbox.Result
	noneVotes := 0
	graceLeft := -1 // -1: not granted yet

	for poll := 0; poll < c.MaxPolls; poll++ {
		c.sleep(c.PollInterval)
		if ctx.Err() != nil {
			break
		}

		results, err := c.source.ConsumeResults(ctx, sessionID, hash)
		if err != nil {
			return "", err
		}
		for _, r := range results {
			if r.None() {
				noneVotes++
			} else {
				real = append(real, r)
			}
		}

		if noneVotes >= 2 {
			break
		}
		if len(real) > 0 && graceLeft < 0 {
			graceLeft = c.SecondChance
		}
		if graceLeft >= 0 {
			graceLeft--
			if graceLeft < 0 || len(real) >= 2 {
				break
			}
		}
	}

	return Merge(real), nil
}

// Merge concatenates up to two retrieval results. The second block's
// header is rewritten so the injected context does not repeat the
// memory banner.
func Merge(results []inbox.Result) string {
	if len(results) == 0 {
		return ""
	}
	merged := results[0].Text
	for _, r := range results[1:] {
		block := strings.Replace(r.Text, memoryHeader, additionalHeader, 1)
		merged = merged + "\n\n" + block
	}
	return merged
}
