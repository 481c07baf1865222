package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/compaction"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/inbox"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/orchestrator"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/retrieval"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/sessionstate"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/store"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/toolexec"
)

// AidamDeps wires the agentic surface of the aidam server.
type AidamDeps struct {
	Store         *store.Store
	Orchestrators *orchestrator.Registry
	Jobs          *inbox.Bus
	Retrieval     *retrieval.Coordinator
	Compaction    *compaction.Coordinator
	States        *sessionstate.Store
	Tools         *toolexec.Registry
}

type aidamServer struct {
	deps AidamDeps
}

// NewAidamServer builds the aidam stdio server: the on-demand interface
// to the retriever, learner, and compactor agents plus generated tools
// and budget reporting.
func NewAidamServer(deps AidamDeps) *server.MCPServer {
	a := &aidamServer{deps: deps}
	s := server.NewMCPServer("aidam", serverVersion)

	s.AddTool(mcp.NewTool("aidam_retrieve",
		mcp.WithDescription("Trigger memory retrieval for a given context. Sends the context to the dual Retriever agents and returns merged results."),
		mcp.WithString("context", mcp.Required(), mcp.Description("The context/question to search memory for")),
	), a.retrieve)

	s.AddTool(mcp.NewTool("aidam_deepen",
		mcp.WithDescription("Retrieve detailed drill-downs for specific learnings, patterns, or projects. Use after aidam_retrieve when results flag available details."),
		mcp.WithArray("items", mcp.Required(),
			mcp.Description("Items to deepen (max 5), each {parent_type, parent_id}"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"parent_type": map[string]any{"type": "string", "enum": []string{"learning", "pattern", "project"}},
					"parent_id":   map[string]any{"type": "integer"},
				},
				"required": []string{"parent_type", "parent_id"},
			})),
	), a.deepen)

	s.AddTool(mcp.NewTool("aidam_learn",
		mcp.WithDescription("Send observations to the Learner agent for async knowledge extraction. Fire-and-forget, returns immediately."),
		mcp.WithString("context", mcp.Required(), mcp.Description("Observations, reasoning, tool results to learn from")),
	), a.learn)

	s.AddTool(mcp.NewTool("aidam_create_tool",
		mcp.WithDescription("Register a generated tool script. The script must already exist under the generated-tools directory; after registration it is discoverable via aidam_retrieve and executable via aidam_use_tool."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique tool name (lowercase, hyphens ok)")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the tool does")),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Script path, relative to the generated-tools directory or absolute")),
		mcp.WithString("language", mcp.Enum("bash", "python", "javascript"), mcp.Description("Script language (default bash)")),
		mcp.WithArray("tags", mcp.Description("Searchable tags"), mcp.Items(map[string]any{"type": "string"})),
	), a.createTool)

	s.AddTool(mcp.NewTool("aidam_use_tool",
		mcp.WithDescription("Execute a registered generated tool by name. Use aidam_retrieve to discover available tools."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Tool name")),
		mcp.WithString("args", mcp.Description("Arguments to pass to the script")),
	), a.useTool)

	s.AddTool(mcp.NewTool("aidam_smart_compact",
		mcp.WithDescription("Check compaction status or force a new compaction. Use force_summary=true to trigger immediate compaction (takes ~10-30s), then /clear to apply."),
		mcp.WithBoolean("force_summary", mcp.Description("Trigger immediate compaction and wait for the result (default false)")),
	), a.smartCompact)

	s.AddTool(mcp.NewTool("aidam_usage",
		withPagination(
			mcp.WithDescription("Per-agent invocation counts, costs, and session budget for the current session."),
		)...), a.usage)

	return s
}

// runningSession finds the live sidecar's session id.
func (a *aidamServer) runningSession(ctx context.Context) (*orchestrator.Row, *mcp.CallToolResult) {
	row, err := a.deps.Orchestrators.FindRunning(ctx)
	if err != nil {
		return nil, errEnvelope("orchestrator lookup failed: %v", err)
	}
	if row == nil {
		return nil, errEnvelope("No running AIDAM orchestrator found.")
	}
	return row, nil
}

func (a *aidamServer) retrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contextText, err := req.RequireString("context")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	row, fail := a.runningSession(ctx)
	if fail != nil {
		return fail, nil
	}

	merged, err := a.deps.Retrieval.Retrieve(ctx, row.SessionID, contextText)
	if err != nil {
		return errEnvelope("retrieval failed: %v", err), nil
	}
	if merged == "" {
		return textResult(Format(map[string]any{
			"status":  "no_results",
			"message": "No relevant memory found for this context.",
		}, 0, 0, "")), nil
	}

	result := map[string]any{"status": "found", "context": merged}
	if deepenable := a.findDeepenable(ctx, contextText); len(deepenable) > 0 {
		result["deepenable"] = deepenable
		result["hint"] = "Some results have detailed drill-downs available. Use aidam_deepen(items=[...]) to get code snippets, file paths, and implementation details."
	}
	// Retrieval output is never truncated: losing the tail of injected
	// memory defeats the point.
	return textResult(Format(result, 0, 0, "")), nil
}

// deepenTerms picks the searchable words of a context: longer than
// three characters, first eight.
func deepenTerms(contextText string) []string {
	var terms []string
	for _, word := range strings.Fields(contextText) {
		if len(word) > 3 {
			terms = append(terms, word)
			if len(terms) == 8 {
				break
			}
		}
	}
	return terms
}

const deepenableQuery = `
SELECT DISTINCT kd.parent_type, kd.parent_id,
       CASE
         WHEN kd.parent_type = 'learning' THEN (SELECT topic FROM learnings WHERE id = kd.parent_id)
         WHEN kd.parent_type = 'pattern' THEN (SELECT name FROM patterns WHERE id = kd.parent_id)
         WHEN kd.parent_type = 'project' THEN (SELECT name FROM projects WHERE id = kd.parent_id)
       END AS parent_name,
       array_agg(DISTINCT kd.topic) AS topics
FROM knowledge_details kd
WHERE %s
GROUP BY kd.parent_type, kd.parent_id
LIMIT 5`

// findDeepenable probes knowledge_details for parents related to the
// context that carry drill-downs. Best-effort: failures mean no hint.
func (a *aidamServer) findDeepenable(ctx context.Context, contextText string) []map[string]any {
	terms := deepenTerms(contextText)
	if len(terms) == 0 {
		return nil
	}

	rows, err := a.deps.Store.Select(ctx,
		strings.Replace(deepenableQuery, "%s", "kd.search_vector @@ to_tsquery('english', $1)", 1),
		strings.Join(terms, " | "))
	if err != nil {
		// Raw words can break tsquery syntax; fall back to a plain match
		// on the first term.
		rows, err = a.deps.Store.Select(ctx,
			strings.Replace(deepenableQuery, "%s", "kd.details ILIKE $1 OR kd.topic ILIKE $1", 1),
			"%"+terms[0]+"%")
		if err != nil {
			return nil
		}
	}

	var out []map[string]any
	for _, row := range rows {
		name, _ := row["parent_name"].(string)
		if name == "" {
			continue
		}
		out = append(out, map[string]any{
			"parent_type": row["parent_type"],
			"parent_id":   row["parent_id"],
			"parent_name": name,
			"topics":      row["topics"],
		})
	}
	return out
}

func (a *aidamServer) deepen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, _ := req.GetArguments()["items"].([]any)
	if len(items) == 0 {
		return errEnvelope("No items to deepen"), nil
	}
	if len(items) > 5 {
		items = items[:5]
	}

	var results []map[string]any
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		parentType, _ := item["parent_type"].(string)
		parentID := int64(0)
		if f, ok := item["parent_id"].(float64); ok {
			parentID = int64(f)
		}
		if parentType == "" || parentID == 0 {
			continue
		}

		details, err := a.deps.Store.GetKnowledgeDetails(ctx, parentType, parentID)
		if err != nil || len(details) == 0 {
			continue
		}
		results = append(results, map[string]any{
			"parent_type": parentType,
			"parent_id":   parentID,
			"parent_name": a.parentName(ctx, parentType, parentID),
			"details":     details,
		})
	}

	if len(results) == 0 {
		return textResult(Format(map[string]any{
			"status":  "empty",
			"message": "No drill-down details found for the requested items.",
		}, 0, 0, "")), nil
	}
	return textResult(Format(map[string]any{
		"status": "found", "results": results, "count": len(results),
	}, 0, 0, "")), nil
}

func (a *aidamServer) parentName(ctx context.Context, parentType string, parentID int64) string {
	var query string
	switch parentType {
	case "learning":
		query = `SELECT topic AS name FROM learnings WHERE id = $1`
	case "pattern":
		query = `SELECT name FROM patterns WHERE id = $1`
	case "project":
		query = `SELECT name FROM projects WHERE id = $1`
	default:
		return ""
	}
	rows, err := a.deps.Store.Select(ctx, query, parentID)
	if err != nil || len(rows) == 0 {
		return ""
	}
	name, _ := rows[0]["name"].(string)
	return name
}

func (a *aidamServer) learn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contextText, err := req.RequireString("context")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	row, fail := a.runningSession(ctx)
	if fail != nil {
		return fail, nil
	}

	_, err = a.deps.Jobs.EnqueueJob(ctx, row.SessionID, "learn_trigger", map[string]any{
		"context":   contextText,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errEnvelope("enqueue learn trigger failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"status":  "queued",
		"message": "Learning context sent to Learner agent for processing.",
	}, 0, 0, "")), nil
}

func (a *aidamServer) createTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	description, err := req.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filePath, err := req.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := a.deps.Tools.Register(ctx, name, description, filePath,
		req.GetString("language", "bash"),
		req.GetStringSlice("tags", nil))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errEnvelope("Script file not found: %s. Write the script first, then register it.", filePath), nil
		}
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(result, 0, 0, "")), nil
}

func (a *aidamServer) useTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := a.deps.Tools.Execute(ctx, name, req.GetString("args", ""))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errEnvelope("Tool '%s' not found or inactive", name), nil
		}
		return errEnvelope("Execution failed: %v", err), nil
	}
	if result.Status == "timeout" {
		return errEnvelope("Tool '%s' timed out after 30s", name), nil
	}
	return textResult(Format(result, 0, 0, "")), nil
}

func (a *aidamServer) smartCompact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	row, fail := a.runningSession(ctx)
	if fail != nil {
		return fail, nil
	}

	if !req.GetBool("force_summary", false) {
		var stateInfo map[string]any
		state, err := a.deps.States.Latest(ctx, row.SessionID)
		if err != nil {
			return errEnvelope("state lookup failed: %v", err), nil
		}
		if state != nil {
			stateInfo = map[string]any{
				"version":        state.Version,
				"state_len":      len(state.StateText),
				"token_estimate": state.TokenEstimate,
				"created_at":     state.CreatedAt.Format(time.RFC3339),
			}
		}
		return textResult(Format(map[string]any{
			"status": "ok",
			"orchestrator": map[string]any{
				"session_id":     row.SessionID,
				"pid":            row.PID,
				"started_at":     row.StartedAt.Format(time.RFC3339),
				"last_heartbeat": row.LastHeartbeat.Format(time.RFC3339),
			},
			"session_state": stateInfo,
			"message":       "Use force_summary=true to trigger compaction, then /clear to apply.",
		}, 0, 0, "")), nil
	}

	oldVersion, err := a.deps.States.LatestVersion(ctx, row.SessionID)
	if err != nil {
		return errEnvelope("state lookup failed: %v", err), nil
	}

	result, err := a.deps.Compaction.TriggerAndAwait(ctx, row.SessionID)
	if err != nil {
		return errEnvelope("compaction failed: %v", err), nil
	}
	if result.Status != "compacted" {
		return textResult(Format(map[string]any{
			"status":  "timeout",
			"message": "Compaction triggered but did not complete within 30s. It may still be processing.",
		}, 0, 0, "")), nil
	}
	return textResult(Format(map[string]any{
		"status":      "compacted",
		"old_version": oldVersion,
		"new_version": result.Version,
		"state_len":   len(result.State),
		"message": fmt.Sprintf("Compaction complete. Version %d -> %d. Use /clear to apply.",
			oldVersion, result.Version),
	}, 0, 0, "")), nil
}

func (a *aidamServer) usage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxChars, offset, filter := pageArgs(req)

	row, fail := a.runningSession(ctx)
	if fail != nil {
		return fail, nil
	}

	agents, err := a.deps.Orchestrators.Usage(ctx, row.SessionID)
	if err != nil {
		return errEnvelope("usage lookup failed: %v", err), nil
	}

	total := 0.0
	budget := orchestrator.DefaultSessionBudgetUSD
	for i, u := range agents {
		total += u.TotalCostUSD
		if i == 0 {
			budget = u.BudgetSession
		}
	}

	return textResult(Format(map[string]any{
		"session_id": row.SessionID,
		"orchestrator": map[string]any{
			"pid":            row.PID,
			"started_at":     row.StartedAt.Format(time.RFC3339),
			"last_heartbeat": row.LastHeartbeat.Format(time.RFC3339),
		},
		"agents":               agents,
		"total_cost_usd":       round4(total),
		"session_budget_usd":   budget,
		"budget_remaining_usd": round4(budget - total),
	}, maxChars, offset, filter)), nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
