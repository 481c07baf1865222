package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/store"
)

// writableTables limits db_execute to the knowledge tables; the bus and
// state tables stay off-limits for raw writes from the model.
var writableTables = []string{
	"projects", "learnings", "errors_solutions", "patterns",
	"sessions", "user_preferences", "knowledge_details", "knowledge_index",
	"memory_meta", "cognitive_inbox", "retrieval_inbox", "generated_tools",
}

type memoryServer struct {
	st *store.Store
}

// NewMemoryServer builds the claude-memory stdio server: structured
// CRUD and search over the knowledge tables plus the restricted raw DB
// surface.
func NewMemoryServer(st *store.Store) *server.MCPServer {
	m := &memoryServer{st: st}
	s := server.NewMCPServer("claude-memory", serverVersion)

	s.AddTool(mcp.NewTool("memory_search",
		withPagination(
			mcp.WithDescription("Search across all memory tables (tools, patterns, learnings, errors). Uses PostgreSQL full-text search."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
			mcp.WithNumber("limit", mcp.Description("Max results per table (default 5)")),
		)...), m.search)

	s.AddTool(mcp.NewTool("memory_get_project",
		withPagination(
			mcp.WithDescription("Get full context for a project: details, learnings, tools, commands, recent sessions."),
			mcp.WithString("project", mcp.Required(), mcp.Description("Project name (case-insensitive) or numeric id")),
		)...), m.getProject)

	s.AddTool(mcp.NewTool("memory_list_projects",
		withPagination(
			mcp.WithDescription("List known projects."),
			mcp.WithString("status", mcp.Description("Filter by status (default 'active', empty for all)")),
		)...), m.listProjects)

	s.AddTool(mcp.NewTool("memory_save_learning",
		mcp.WithDescription("Save an insight or learning for future sessions."),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Short topic line")),
		mcp.WithString("insight", mcp.Required(), mcp.Description("The insight itself")),
		mcp.WithString("category", mcp.Description("Category (e.g. 'architecture', 'debugging')")),
		mcp.WithString("context", mcp.Description("Where this was learned")),
		mcp.WithArray("tags", mcp.Description("Searchable tags"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("project_name", mcp.Description("Related project name")),
	), m.saveLearning)

	s.AddTool(mcp.NewTool("memory_save_error",
		mcp.WithDescription("Save an error and its solution."),
		mcp.WithString("error_signature", mcp.Required(), mcp.Description("Distinctive error line or pattern")),
		mcp.WithString("solution", mcp.Required(), mcp.Description("How it was fixed")),
		mcp.WithString("error_message", mcp.Description("Full error message")),
		mcp.WithString("root_cause", mcp.Description("Why it happened")),
		mcp.WithString("prevention", mcp.Description("How to avoid it next time")),
		mcp.WithArray("tags", mcp.Description("Searchable tags"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("project_name", mcp.Description("Related project name")),
	), m.saveError)

	s.AddTool(mcp.NewTool("memory_save_pattern",
		mcp.WithDescription("Save a reusable code or design pattern."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Pattern name")),
		mcp.WithString("category", mcp.Required(), mcp.Description("Pattern category")),
		mcp.WithString("problem", mcp.Required(), mcp.Description("Problem it solves")),
		mcp.WithString("solution", mcp.Required(), mcp.Description("How the pattern solves it")),
		mcp.WithString("context", mcp.Description("When to apply it")),
		mcp.WithString("code_example", mcp.Description("Illustrative snippet")),
		mcp.WithString("language", mcp.Description("Snippet language")),
		mcp.WithArray("tags", mcp.Description("Searchable tags"), mcp.Items(map[string]any{"type": "string"})),
	), m.savePattern)

	s.AddTool(mcp.NewTool("memory_log_session",
		mcp.WithDescription("Log a completed work session with its summary and task state."),
		mcp.WithString("summary", mcp.Required(), mcp.Description("What was done")),
		mcp.WithString("project_name", mcp.Description("Project the session belonged to")),
		mcp.WithString("session_type", mcp.Description("Session type (default 'standard')")),
		mcp.WithArray("tasks_completed", mcp.Description("Finished tasks"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("tasks_remaining", mcp.Description("Open tasks"), mcp.Items(map[string]any{"type": "string"})),
	), m.logSession)

	s.AddTool(mcp.NewTool("memory_get_stats",
		withPagination(
			mcp.WithDescription("Row counts per memory table."),
		)...), m.stats)

	s.AddTool(mcp.NewTool("memory_get_preferences",
		withPagination(
			mcp.WithDescription("Get user preferences for a category."),
			mcp.WithString("category", mcp.Required(), mcp.Description("Preference category")),
			mcp.WithString("project_name", mcp.Description("Include project-scoped preferences")),
		)...), m.preferences)

	s.AddTool(mcp.NewTool("memory_search_errors",
		withPagination(
			mcp.WithDescription("Full-text search over saved errors and solutions."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
			mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
		)...), m.searchErrors)

	s.AddTool(mcp.NewTool("memory_search_patterns",
		withPagination(
			mcp.WithDescription("Full-text search over saved patterns."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
			mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
		)...), m.searchPatterns)

	s.AddTool(mcp.NewTool("memory_add_project",
		mcp.WithDescription("Register a new project."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path on disk")),
		mcp.WithString("description", mcp.Description("One-line description")),
		mcp.WithArray("stack", mcp.Description("Tech stack"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("git_repo", mcp.Description("Repository URL")),
	), m.addProject)

	s.AddTool(mcp.NewTool("memory_get_recent_learnings",
		withPagination(
			mcp.WithDescription("Most recent learnings across all projects."),
			mcp.WithNumber("limit", mcp.Description("Max results (default 20)")),
		)...), m.recentLearnings)

	s.AddTool(mcp.NewTool("memory_drilldown_list",
		withPagination(
			mcp.WithDescription("List drill-down topics available for a learning, pattern, or project."),
			mcp.WithString("parent_type", mcp.Required(), mcp.Enum("learning", "pattern", "project"), mcp.Description("Parent item type")),
			mcp.WithNumber("parent_id", mcp.Required(), mcp.Description("Parent item id")),
		)...), m.drilldownList)

	s.AddTool(mcp.NewTool("memory_drilldown_get",
		withPagination(
			mcp.WithDescription("Get full drill-down details for a parent item."),
			mcp.WithString("parent_type", mcp.Required(), mcp.Enum("learning", "pattern", "project"), mcp.Description("Parent item type")),
			mcp.WithNumber("parent_id", mcp.Required(), mcp.Description("Parent item id")),
		)...), m.drilldownGet)

	s.AddTool(mcp.NewTool("memory_drilldown_save",
		mcp.WithDescription("Attach detailed knowledge (code snippets, file paths) to a learning, pattern, or project."),
		mcp.WithString("parent_type", mcp.Required(), mcp.Enum("learning", "pattern", "project"), mcp.Description("Parent item type")),
		mcp.WithNumber("parent_id", mcp.Required(), mcp.Description("Parent item id")),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Drill-down topic")),
		mcp.WithString("details", mcp.Required(), mcp.Description("Detailed knowledge text")),
		mcp.WithObject("code_snippets", mcp.Description("Named code snippets")),
		mcp.WithArray("file_paths", mcp.Description("Relevant file paths"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("tags", mcp.Description("Searchable tags"), mcp.Items(map[string]any{"type": "string"})),
	), m.drilldownSave)

	s.AddTool(mcp.NewTool("memory_drilldown_search",
		withPagination(
			mcp.WithDescription("Full-text search over drill-down details."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
			mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
		)...), m.drilldownSearch)

	s.AddTool(mcp.NewTool("memory_index_search",
		withPagination(
			mcp.WithDescription("Search the compact knowledge index."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
			mcp.WithString("domain", mcp.Description("Restrict to one domain")),
			mcp.WithNumber("limit", mcp.Description("Max results (default 20)")),
		)...), m.indexSearch)

	s.AddTool(mcp.NewTool("memory_index_domains",
		withPagination(
			mcp.WithDescription("List knowledge index domains with entry counts."),
		)...), m.indexDomains)

	s.AddTool(mcp.NewTool("memory_index_upsert",
		mcp.WithDescription("Insert or update a knowledge index entry; (domain, name) is the natural key."),
		mcp.WithString("domain", mcp.Required(), mcp.Description("Knowledge domain")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Entry name")),
		mcp.WithString("summary", mcp.Required(), mcp.Description("Compact summary")),
		mcp.WithArray("keywords", mcp.Description("Search keywords"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("detail_table", mcp.Description("Table holding the full record")),
		mcp.WithNumber("detail_id", mcp.Description("Id of the full record")),
	), m.indexUpsert)

	s.AddTool(mcp.NewTool("memory_get_project_learnings",
		withPagination(
			mcp.WithDescription("Learnings recorded for one project."),
			mcp.WithString("project_name", mcp.Required(), mcp.Description("Project name (case-insensitive)")),
			mcp.WithNumber("limit", mcp.Description("Max results (default 20)")),
		)...), m.projectLearnings)

	s.AddTool(mcp.NewTool("memory_get_sessions",
		withPagination(
			mcp.WithDescription("Recent work sessions for one project."),
			mcp.WithString("project_name", mcp.Required(), mcp.Description("Project name (case-insensitive)")),
			mcp.WithNumber("limit", mcp.Description("Max sessions (default 10)")),
		)...), m.projectSessions)

	s.AddTool(mcp.NewTool("db_describe_schema",
		withPagination(
			mcp.WithDescription("Describe the PostgreSQL public schema (tables and columns)."),
		)...), m.describeSchema)

	s.AddTool(mcp.NewTool("db_select",
		withPagination(
			mcp.WithDescription("Execute a read-only SELECT query on the memory database."),
			mcp.WithString("sql", mcp.Required(), mcp.Description("SELECT statement with $1-style placeholders")),
			mcp.WithArray("params", mcp.Description("Query parameters")),
		)...), m.dbSelect)

	s.AddTool(mcp.NewTool("db_execute_migration_scoped",
		mcp.WithDescription("Execute a migration restricted to an explicit whitelist of tables."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Migration name")),
		mcp.WithArray("tables", mcp.Required(), mcp.Description("Tables the migration may touch"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("sql", mcp.Required(), mcp.Description("DDL statements, semicolon-separated")),
	), m.migrationScoped)

	s.AddTool(mcp.NewTool("db_execute",
		mcp.WithDescription(fmt.Sprintf("Execute UPDATE, INSERT, or DELETE on memory tables. Restricted to: %s. Returns affected row count.",
			strings.Join(writableTables, ", "))),
		mcp.WithString("sql", mcp.Required(), mcp.Description("SQL statement (UPDATE/INSERT/DELETE only)")),
		mcp.WithArray("params", mcp.Description("Query parameters")),
	), m.dbExecute)

	return s
}

// projectID resolves an optional project name; unknown names resolve to
// nil rather than failing the save.
func (m *memoryServer) projectID(ctx context.Context, name string) *int64 {
	if name == "" {
		return nil
	}
	project, err := m.st.GetProject(ctx, name)
	if err != nil {
		return nil
	}
	id, ok := project["id"].(int64)
	if !ok {
		return nil
	}
	return &id
}

func queryParams(req mcp.CallToolRequest) []any {
	raw, ok := req.GetArguments()["params"]
	if !ok {
		return nil
	}
	params, _ := raw.([]any)
	return params
}

func (m *memoryServer) search(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	results, err := m.st.SmartSearch(ctx, query, req.GetInt("limit", 5))
	if err != nil {
		return errEnvelope("search failed: %v", err), nil
	}
	total := 0
	for _, rows := range results {
		total += len(rows)
	}
	return textResult(Format(map[string]any{
		"query":       query,
		"results":     results,
		"total_found": total,
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) getProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	if id, parseErr := strconv.ParseInt(name, 10, 64); parseErr == nil {
		project, err := m.st.GetProjectByID(ctx, id)
		if err != nil {
			return errEnvelope("Project '%s' not found", name), nil
		}
		name, _ = project["name"].(string)
	}

	projectCtx, err := m.st.ProjectContext(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errEnvelope("Project '%s' not found", name), nil
		}
		return errEnvelope("project context failed: %v", err), nil
	}
	return textResult(Format(projectCtx, maxChars, offset, filter)), nil
}

func (m *memoryServer) listProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxChars, offset, filter := pageArgs(req)
	status := req.GetString("status", "active")

	projects, err := m.st.ListProjects(ctx, status)
	if err != nil {
		return errEnvelope("list projects failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"projects": projects,
		"count":    len(projects),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) saveLearning(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := req.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	insight, err := req.RequireString("insight")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := m.st.AddLearning(ctx, topic, insight,
		req.GetString("category", ""),
		req.GetString("context", ""),
		req.GetStringSlice("tags", nil),
		"mcp-session",
		m.projectID(ctx, req.GetString("project_name", "")))
	if err != nil {
		return errEnvelope("save learning failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true, "id": id,
		"message": fmt.Sprintf("Learning saved with ID %d", id),
	}, 0, 0, "")), nil
}

func (m *memoryServer) saveError(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signature, err := req.RequireString("error_signature")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	solution, err := req.RequireString("solution")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := m.st.AddErrorSolution(ctx, signature, solution,
		req.GetString("error_message", ""),
		req.GetString("root_cause", ""),
		req.GetString("prevention", ""),
		req.GetStringSlice("tags", nil),
		m.projectID(ctx, req.GetString("project_name", "")))
	if err != nil {
		return errEnvelope("save error failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true, "id": id,
		"message": fmt.Sprintf("Error/solution saved with ID %d", id),
	}, 0, 0, "")), nil
}

func (m *memoryServer) savePattern(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	category, err := req.RequireString("category")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	problem, err := req.RequireString("problem")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	solution, err := req.RequireString("solution")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := m.st.AddPattern(ctx, name, category, problem, solution,
		req.GetString("context", ""),
		req.GetString("code_example", ""),
		req.GetString("language", ""),
		req.GetStringSlice("tags", nil))
	if err != nil {
		return errEnvelope("save pattern failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true, "id": id,
		"message": fmt.Sprintf("Pattern saved with ID %d", id),
	}, 0, 0, "")), nil
}

func (m *memoryServer) logSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sessionID, err := m.st.StartSession(ctx,
		m.projectID(ctx, req.GetString("project_name", "")),
		req.GetString("session_type", "standard"))
	if err != nil {
		return errEnvelope("log session failed: %v", err), nil
	}
	err = m.st.EndSession(ctx, sessionID, summary,
		req.GetStringSlice("tasks_completed", nil),
		req.GetStringSlice("tasks_remaining", nil))
	if err != nil {
		return errEnvelope("log session failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true, "session_id": sessionID,
		"message": fmt.Sprintf("Session logged with ID %d", sessionID),
	}, 0, 0, "")), nil
}

func (m *memoryServer) stats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxChars, offset, filter := pageArgs(req)
	stats, err := m.st.MemoryStats(ctx)
	if err != nil {
		return errEnvelope("stats failed: %v", err), nil
	}
	return textResult(Format(map[string]any{"stats": stats}, maxChars, offset, filter)), nil
}

func (m *memoryServer) preferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category, err := req.RequireString("category")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	prefs, err := m.st.PreferencesByCategory(ctx, category,
		m.projectID(ctx, req.GetString("project_name", "")))
	if err != nil {
		return errEnvelope("preferences failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"category":    category,
		"preferences": prefs,
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) searchErrors(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	results, err := m.st.SearchErrors(ctx, query, req.GetInt("limit", 10))
	if err != nil {
		return errEnvelope("search errors failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"query": query, "errors": results, "count": len(results),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) searchPatterns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	results, err := m.st.SearchPatterns(ctx, query, req.GetInt("limit", 10))
	if err != nil {
		return errEnvelope("search patterns failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"query": query, "patterns": results, "count": len(results),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) addProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := m.st.AddProject(ctx, name, path,
		req.GetString("description", ""),
		req.GetStringSlice("stack", nil),
		req.GetString("git_repo", ""))
	if err != nil {
		return errEnvelope("add project failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true, "id": id,
		"message": fmt.Sprintf("Project '%s' created with ID %d", name, id),
	}, 0, 0, "")), nil
}

func (m *memoryServer) recentLearnings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxChars, offset, filter := pageArgs(req)
	learnings, err := m.st.RecentLearnings(ctx, req.GetInt("limit", 20))
	if err != nil {
		return errEnvelope("recent learnings failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"learnings": learnings, "count": len(learnings),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) drilldownList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parentType, err := req.RequireString("parent_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	parentID := int64(req.GetInt("parent_id", 0))
	maxChars, offset, filter := pageArgs(req)

	topics, err := m.st.ListTopicsForParent(ctx, parentType, parentID)
	if err != nil {
		return errEnvelope("drilldown list failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"parent_type": parentType, "parent_id": parentID,
		"topics": topics, "count": len(topics),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) drilldownGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parentType, err := req.RequireString("parent_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	parentID := int64(req.GetInt("parent_id", 0))
	maxChars, offset, filter := pageArgs(req)

	details, err := m.st.GetKnowledgeDetails(ctx, parentType, parentID)
	if err != nil {
		return errEnvelope("drilldown get failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"parent_type": parentType, "parent_id": parentID,
		"details": details, "count": len(details),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) drilldownSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parentType, err := req.RequireString("parent_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	topic, err := req.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	details, err := req.RequireString("details")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var snippets map[string]string
	if raw, ok := req.GetArguments()["code_snippets"].(map[string]any); ok {
		snippets = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				snippets[k] = s
			}
		}
	}

	id, err := m.st.AddKnowledgeDetail(ctx, parentType, int64(req.GetInt("parent_id", 0)),
		topic, details, snippets,
		req.GetStringSlice("file_paths", nil),
		req.GetStringSlice("tags", nil))
	if err != nil {
		return errEnvelope("drilldown save failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true, "id": id,
		"message": fmt.Sprintf("Knowledge detail saved with ID %d", id),
	}, 0, 0, "")), nil
}

func (m *memoryServer) drilldownSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	results, err := m.st.SearchKnowledgeDetails(ctx, query, req.GetInt("limit", 10))
	if err != nil {
		return errEnvelope("drilldown search failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"query": query, "details": results, "count": len(results),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) indexSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	results, err := m.st.SearchKnowledgeIndex(ctx, query, req.GetString("domain", ""), req.GetInt("limit", 20))
	if err != nil {
		return errEnvelope("index search failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"query": query, "results": results, "count": len(results),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) indexDomains(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxChars, offset, filter := pageArgs(req)
	domains, err := m.st.KnowledgeDomains(ctx)
	if err != nil {
		return errEnvelope("index domains failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"domains": domains, "count": len(domains),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) indexUpsert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain, err := req.RequireString("domain")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var detailID *int64
	if raw := req.GetInt("detail_id", 0); raw > 0 {
		id := int64(raw)
		detailID = &id
	}

	err = m.st.UpsertKnowledgeIndex(ctx, domain, name, summary,
		req.GetStringSlice("keywords", nil),
		req.GetString("detail_table", ""), detailID)
	if err != nil {
		return errEnvelope("index upsert failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Knowledge index entry upserted for %s/%s", domain, name),
	}, 0, 0, "")), nil
}

func (m *memoryServer) projectLearnings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectName, err := req.RequireString("project_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	learnings, err := m.st.ProjectLearnings(ctx, projectName, req.GetInt("limit", 20))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errEnvelope("Project '%s' not found", projectName), nil
		}
		return errEnvelope("project learnings failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"project": projectName, "learnings": learnings, "count": len(learnings),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) projectSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectName, err := req.RequireString("project_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	sessions, err := m.st.ProjectSessions(ctx, projectName, req.GetInt("limit", 10))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errEnvelope("Project '%s' not found", projectName), nil
		}
		return errEnvelope("project sessions failed: %v", err), nil
	}
	return textResult(Format(map[string]any{
		"project": projectName, "sessions": sessions, "count": len(sessions),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) describeSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxChars, offset, filter := pageArgs(req)
	schema, err := m.st.DescribeSchema(ctx)
	if err != nil {
		return errEnvelope("describe schema failed: %v", err), nil
	}
	return textResult(Format(map[string]any{"schema": schema}, maxChars, offset, filter)), nil
}

func (m *memoryServer) dbSelect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sqlText, err := req.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxChars, offset, filter := pageArgs(req)

	rows, err := m.st.SelectQuery(ctx, sqlText, queryParams(req)...)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(map[string]any{
		"rows": rows, "count": len(rows),
	}, maxChars, offset, filter)), nil
}

func (m *memoryServer) migrationScoped(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sqlText, err := req.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := m.st.ExecuteScopedMigration(ctx, name, req.GetStringSlice("tables", nil), sqlText)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(result, 0, 0, "")), nil
}

func (m *memoryServer) dbExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sqlText, err := req.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	lower := strings.ToLower(sqlText)
	allowed := false
	for _, table := range writableTables {
		if strings.Contains(lower, table) {
			allowed = true
			break
		}
	}
	if !allowed {
		return errEnvelope("statement does not touch an allowed table: %s",
			strings.Join(writableTables, ", ")), nil
	}

	affected, err := m.st.ExecuteWrite(ctx, sqlText, queryParams(req)...)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(map[string]any{
		"success": true, "affected_rows": affected, "sql": sqlText,
	}, 0, 0, "")), nil
}
