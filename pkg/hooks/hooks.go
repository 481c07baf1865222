// Package hooks implements the four host-assistant hook adapters. Each
// adapter reads one JSON object from stdin and may print one JSON
// object to stdout; exit code 2 blocks the triggering event, 0 lets it
// through. Failures never surface to the host: a broken hook exits 0.
package hooks

import (
	"encoding/json"
	"fmt"
	"io"
)

// Exit codes of the hook protocol.
const (
	ExitAllow = 0
	ExitBlock = 2
)

// MaxContextChars is the host's additionalContext limit.
const MaxContextChars = 38000

// Input is the event object the host writes to stdin. Fields are
// populated per event type.
type Input struct {
	SessionID      string          `json:"session_id"`
	Prompt         string          `json:"prompt"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
	ToolResponse   json.RawMessage `json:"tool_response"`
	Reason         string          `json:"reason"`
	Source         string          `json:"source"`
	TranscriptPath string          `json:"transcript_path"`
}

// ParseInput decodes the single JSON object from the hook's stdin.
func ParseInput(r io.Reader) (*Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode hook input: %w", err)
	}
	return &in, nil
}

// Output is the optional stdout object carrying injected context.
type Output struct {
	HookSpecificOutput HookSpecificOutput `json:"hookSpecificOutput"`
}

type HookSpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext"`
}

// NewOutput builds a context injection for the given event.
func NewOutput(event, context string) *Output {
	return &Output{HookSpecificOutput: HookSpecificOutput{
		HookEventName:     event,
		AdditionalContext: context,
	}}
}

// Result is what an adapter hands back to the CLI entry point.
type Result struct {
	// Output, when non-nil, is printed to stdout as JSON.
	Output *Output
	// Stderr, when non-empty, is shown to the user on exit code 2.
	Stderr string
	// ExitCode is ExitAllow or ExitBlock.
	ExitCode int
}

// Allow is the pass-through result.
func Allow() *Result {
	return &Result{ExitCode: ExitAllow}
}
