package hooks

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// SessionStart restores the previous session's state into the new one.
// The cleared row is claimed atomically, so two sessions starting at
// once never inject the same state twice.
func (a *Adapters) SessionStart(ctx context.Context, in *Input) (*Result, error) {
	if in.Source != "clear" && in.Source != "compact" {
		return Allow(), nil
	}

	retries := a.ConsumeRetries
	if retries <= 0 {
		retries = 3
	}
	delay := a.ConsumeDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}

	// The SessionEnd hook of the old session may still be persisting
	// state when the new session starts.
	var previousID string
	for attempt := 0; attempt < retries; attempt++ {
		id, err := a.Registry.ConsumePreviousCleared(ctx, in.SessionID)
		if err != nil {
			return nil, err
		}
		if id != "" {
			previousID = id
			break
		}
		time.Sleep(delay)
	}
	if previousID == "" {
		return Allow(), nil
	}

	state, err := a.States.Latest(ctx, previousID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return Allow(), nil
	}

	var tail string
	if state.RawTailPath != "" {
		if data, err := os.ReadFile(state.RawTailPath); err == nil {
			tail = string(data)
		}
	}

	injected := AssembleContext(state.StateText, tail, state.Version, MaxContextChars)
	if injected == "" {
		return Allow(), nil
	}
	return &Result{
		Output:   NewOutput("SessionStart", injected),
		ExitCode: ExitAllow,
	}, nil
}

// AssembleContext builds the injected block: a restore banner, the
// structured state, then the conversation tail truncated from the front
// so the most recent messages survive. Tool metadata lines are noise at
// this point and are dropped from the tail.
func AssembleContext(stateText, rawTail string, version, maxChars int) string {
	header := fmt.Sprintf("[AIDAM Memory: context restored from previous session (v%d)]", version)

	parts := []string{header}
	if stateText != "" {
		parts = append(parts, stateText)
	}

	tail := FilterTailMetadata(rawTail)
	if tail != "" {
		used := len(strings.Join(parts, "\n\n"))
		remaining := maxChars - used - 200
		if remaining > 1000 {
			if len(tail) > remaining {
				tail = "...(truncated)...\n\n" + tail[len(tail)-remaining:]
			}
			parts = append(parts, "## RECENT CONVERSATION TAIL\n"+tail)
		}
	}

	out := strings.Join(parts, "\n\n")
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

// FilterTailMetadata removes [TOOLS] and [TOOL_RESULTS] lines from a
// conversation tail.
func FilterTailMetadata(tail string) string {
	if tail == "" {
		return ""
	}
	lines := strings.Split(tail, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[TOOLS]") || strings.HasPrefix(trimmed, "[TOOL_RESULTS]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
