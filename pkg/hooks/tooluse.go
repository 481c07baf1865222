package hooks

import (
	"context"
	"encoding/json"
)

// skipTools are noisy read-only and memory-read tools whose invocations
// carry nothing worth learning.
var skipTools = map[string]bool{
	"Read": true, "Glob": true, "Grep": true, "WebSearch": true, "WebFetch": true,
	"TaskCreate": true, "TaskUpdate": true, "TaskList": true, "TaskGet": true,
	"AskUserQuestion": true, "EnterPlanMode": true, "ExitPlanMode": true,
	"NotebookEdit": true, "TaskOutput": true, "TaskStop": true,
	"EnterWorktree": true, "Skill": true,
	"mcp__memory__memory_search":                true,
	"mcp__memory__memory_get_project":           true,
	"mcp__memory__memory_list_projects":         true,
	"mcp__memory__memory_get_preferences":       true,
	"mcp__memory__memory_search_errors":         true,
	"mcp__memory__memory_search_patterns":       true,
	"mcp__memory__memory_get_recent_learnings":  true,
	"mcp__memory__memory_get_stats":             true,
	"mcp__memory__memory_get_project_learnings": true,
	"mcp__memory__memory_get_sessions":          true,
	"mcp__memory__memory_drilldown_list":        true,
	"mcp__memory__memory_drilldown_get":         true,
	"mcp__memory__memory_drilldown_search":      true,
	"mcp__memory__db_describe_schema":           true,
	"mcp__memory__db_select":                    true,
}

const maxPayloadChars = 4000

// ShouldSkipTool reports whether a PostToolUse event for this tool is
// dropped without touching the database.
func ShouldSkipTool(toolName string) bool {
	return skipTools[toolName]
}

// TruncatePayload keeps a JSON value as-is when its encoding fits
// maxPayloadChars and otherwise replaces it with a truncation envelope
// holding the first half as preview.
func TruncatePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) <= maxPayloadChars {
		return raw
	}
	return map[string]any{
		"_truncated": true,
		"_preview":   string(raw[:maxPayloadChars/2]),
		"_length":    len(raw),
	}
}

// PostToolUse forwards one tool invocation to the Learner via the
// cognitive inbox.
func (a *Adapters) PostToolUse(ctx context.Context, in *Input) (*Result, error) {
	if !a.LearnerEnabled || in.ToolName == "" || in.SessionID == "" {
		return Allow(), nil
	}
	if ShouldSkipTool(in.ToolName) {
		return Allow(), nil
	}

	payload := map[string]any{
		"tool_name":     in.ToolName,
		"tool_input":    TruncatePayload(in.ToolInput),
		"tool_response": TruncatePayload(in.ToolResponse),
	}
	if _, err := a.Jobs.EnqueueJob(ctx, in.SessionID, "tool_use", payload); err != nil {
		return nil, err
	}
	return Allow(), nil
}
