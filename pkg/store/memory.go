package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Domain helpers over the knowledge tables. Rows come back as
// column-name maps so the MCP formatter can render any of them without
// per-table types.

func jsonOrNil(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

// ---- projects ----

func (s *Store) AddProject(ctx context.Context, name, path, description string, stack []string, gitRepo string) (int64, error) {
	return s.InsertReturningID(ctx, `
INSERT INTO projects (name, path, description, stack, git_repo)
VALUES ($1, $2, $3, $4, $5)`,
		name, path, nullable(description), jsonOrNil(stack), nullable(gitRepo))
}

// GetProject looks a project up by case-insensitive name.
func (s *Store) GetProject(ctx context.Context, name string) (map[string]any, error) {
	rows, err := s.Select(ctx, `SELECT * FROM projects WHERE LOWER(name) = LOWER($1)`, name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	return rows[0], nil
}

// GetProjectByID looks a project up by numeric id.
func (s *Store) GetProjectByID(ctx context.Context, id int64) (map[string]any, error) {
	rows, err := s.Select(ctx, `SELECT * FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return rows[0], nil
}

// ListProjects returns projects filtered by status; empty status lists all.
func (s *Store) ListProjects(ctx context.Context, status string) ([]map[string]any, error) {
	if status != "" {
		return s.Select(ctx, `SELECT * FROM projects WHERE status = $1 ORDER BY last_session_at DESC NULLS LAST`, status)
	}
	return s.Select(ctx, `SELECT * FROM projects ORDER BY last_session_at DESC NULLS LAST`)
}

func (s *Store) TouchProjectSession(ctx context.Context, projectID int64) error {
	_, err := s.Write(ctx, `UPDATE projects SET last_session_at = CURRENT_TIMESTAMP WHERE id = $1`, projectID)
	return err
}

// ---- tools ----

func (s *Store) AddTool(ctx context.Context, name, description, category, language, filePath, code string, tags []string, projectID *int64) (int64, error) {
	return s.InsertReturningID(ctx, `
INSERT INTO tools (name, description, category, language, file_path, code, tags, project_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		name, description, category, language, nullable(filePath), nullable(code), jsonOrNil(tags), projectID)
}

func (s *Store) SearchTools(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	return s.searchFTS(ctx, "tools", query, limit)
}

func (s *Store) UseTool(ctx context.Context, toolID int64) error {
	_, err := s.Write(ctx, `
UPDATE tools SET usage_count = usage_count + 1, last_used_at = CURRENT_TIMESTAMP
WHERE id = $1`, toolID)
	return err
}

// ---- patterns ----

func (s *Store) AddPattern(ctx context.Context, name, category, problem, solution, context_, codeExample, language string, tags []string) (int64, error) {
	return s.InsertReturningID(ctx, `
INSERT INTO patterns (name, category, problem, solution, context, code_example, language, tags)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		name, category, problem, solution, nullable(context_), nullable(codeExample), nullable(language), jsonOrNil(tags))
}

func (s *Store) SearchPatterns(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	return s.searchFTS(ctx, "patterns", query, limit)
}

// ---- learnings ----

func (s *Store) AddLearning(ctx context.Context, topic, insight, category, context_ string, tags []string, source string, projectID *int64) (int64, error) {
	return s.InsertReturningID(ctx, `
INSERT INTO learnings (topic, insight, category, context, tags, source, related_project_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		topic, insight, nullable(category), nullable(context_), jsonOrNil(tags), nullable(source), projectID)
}

func (s *Store) SearchLearnings(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	return s.searchFTS(ctx, "learnings", query, limit)
}

func (s *Store) RecentLearnings(ctx context.Context, limit int) ([]map[string]any, error) {
	return s.Select(ctx, `SELECT * FROM learnings ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *Store) ProjectLearnings(ctx context.Context, projectName string, limit int) ([]map[string]any, error) {
	project, err := s.GetProject(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return s.Select(ctx, `
SELECT * FROM learnings
WHERE related_project_id = $1
ORDER BY created_at DESC
LIMIT $2`, project["id"], limit)
}

// ---- errors ----

func (s *Store) AddErrorSolution(ctx context.Context, signature, solution, message, rootCause, prevention string, tags []string, projectID *int64) (int64, error) {
	return s.InsertReturningID(ctx, `
INSERT INTO errors_solutions (error_signature, error_message, root_cause, solution, prevention, tags, related_project_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		signature, nullable(message), nullable(rootCause), solution, nullable(prevention), jsonOrNil(tags), projectID)
}

func (s *Store) SearchErrors(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	return s.searchFTS(ctx, "errors_solutions", query, limit)
}

// ---- preferences ----

func (s *Store) SetPreference(ctx context.Context, category, key, value, notes string, projectID *int64) error {
	_, err := s.Write(ctx, `
INSERT INTO user_preferences (category, key, value, notes, project_id)
VALUES ($1, $2, $3, $4, $5)`,
		category, key, value, nullable(notes), projectID)
	return err
}

// PreferencesByCategory returns key → value for a category; without a
// project id only global preferences are considered.
func (s *Store) PreferencesByCategory(ctx context.Context, category string, projectID *int64) (map[string]string, error) {
	var rows []map[string]any
	var err error
	if projectID != nil {
		rows, err = s.Select(ctx, `
SELECT key, value FROM user_preferences
WHERE category = $1 AND (project_id = $2 OR project_id IS NULL)`, category, *projectID)
	} else {
		rows, err = s.Select(ctx, `
SELECT key, value FROM user_preferences
WHERE category = $1 AND project_id IS NULL`, category)
	}
	if err != nil {
		return nil, err
	}
	prefs := make(map[string]string, len(rows))
	for _, r := range rows {
		k, _ := r["key"].(string)
		v, _ := r["value"].(string)
		prefs[k] = v
	}
	return prefs, nil
}

// ---- commands ----

func (s *Store) AddCommand(ctx context.Context, name, command, description, category string, tags []string, projectID *int64) (int64, error) {
	return s.InsertReturningID(ctx, `
INSERT INTO commands (name, command, description, category, tags, project_id)
VALUES ($1, $2, $3, $4, $5, $6)`,
		name, command, nullable(description), nullable(category), jsonOrNil(tags), projectID)
}

// ---- work sessions ----

func (s *Store) StartSession(ctx context.Context, projectID *int64, sessionType string) (int64, error) {
	if sessionType == "" {
		sessionType = "standard"
	}
	id, err := s.InsertReturningID(ctx, `
INSERT INTO sessions (project_id, session_type)
VALUES ($1, $2)`, projectID, sessionType)
	if err != nil {
		return 0, err
	}
	if projectID != nil {
		if err := s.TouchProjectSession(ctx, *projectID); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (s *Store) EndSession(ctx context.Context, sessionID int64, summary string, completed, remaining []string) error {
	_, err := s.Write(ctx, `
UPDATE sessions
SET ended_at = CURRENT_TIMESTAMP, summary = $1, tasks_completed = $2, tasks_remaining = $3
WHERE id = $4`,
		nullable(summary), jsonOrNil(completed), jsonOrNil(remaining), sessionID)
	return err
}

func (s *Store) ProjectSessions(ctx context.Context, projectName string, limit int) ([]map[string]any, error) {
	project, err := s.GetProject(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return s.Select(ctx, `
SELECT * FROM sessions
WHERE project_id = $1
ORDER BY started_at DESC
LIMIT $2`, project["id"], limit)
}

// ---- drill-down knowledge ----

func (s *Store) AddKnowledgeDetail(ctx context.Context, parentType string, parentID int64, topic, details string, codeSnippets map[string]string, filePaths, tags []string) (int64, error) {
	return s.InsertReturningID(ctx, `
INSERT INTO knowledge_details (parent_type, parent_id, topic, details, code_snippets, file_paths, tags)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		parentType, parentID, topic, details, jsonOrNil(codeSnippets), jsonOrNil(filePaths), jsonOrNil(tags))
}

func (s *Store) GetKnowledgeDetails(ctx context.Context, parentType string, parentID int64) ([]map[string]any, error) {
	return s.Select(ctx, `
SELECT * FROM knowledge_details
WHERE parent_type = $1 AND parent_id = $2
ORDER BY created_at`, parentType, parentID)
}

func (s *Store) SearchKnowledgeDetails(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	return s.searchFTS(ctx, "knowledge_details", query, limit)
}

// ListTopicsForParent lists drill-down options: id, topic, 100-char preview.
func (s *Store) ListTopicsForParent(ctx context.Context, parentType string, parentID int64) ([]map[string]any, error) {
	return s.Select(ctx, `
SELECT id, topic, LEFT(details, 100) AS preview, tags
FROM knowledge_details
WHERE parent_type = $1 AND parent_id = $2
ORDER BY topic`, parentType, parentID)
}

// ---- knowledge index ----

// UpsertKnowledgeIndex registers a compact retrieval entry; (domain, name)
// is the natural key.
func (s *Store) UpsertKnowledgeIndex(ctx context.Context, domain, name, summary string, keywords []string, detailTable string, detailID *int64) error {
	_, err := s.Write(ctx, `
INSERT INTO knowledge_index (domain, name, summary, keywords, detail_table, detail_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (domain, name)
DO UPDATE SET summary = EXCLUDED.summary, keywords = EXCLUDED.keywords,
              detail_table = EXCLUDED.detail_table, detail_id = EXCLUDED.detail_id,
              updated_at = CURRENT_TIMESTAMP`,
		domain, name, summary, jsonOrNil(keywords), nullable(detailTable), detailID)
	return err
}

func (s *Store) SearchKnowledgeIndex(ctx context.Context, query, domain string, limit int) ([]map[string]any, error) {
	if domain != "" {
		return s.Select(ctx, `
SELECT * FROM knowledge_index
WHERE domain = $1 AND search_vector @@ plainto_tsquery('english', $2)
ORDER BY ts_rank(search_vector, plainto_tsquery('english', $2)) DESC
LIMIT $3`, domain, query, limit)
	}
	return s.searchFTS(ctx, "knowledge_index", query, limit)
}

// KnowledgeDomains lists domains with entry counts.
func (s *Store) KnowledgeDomains(ctx context.Context) ([]map[string]any, error) {
	return s.Select(ctx, `
SELECT domain, COUNT(*) AS entries
FROM knowledge_index
GROUP BY domain
ORDER BY domain`)
}

// ---- cross-table search & stats ----

// SmartSearch runs the same full-text query over the four knowledge
// tables and returns per-table hits.
func (s *Store) SmartSearch(ctx context.Context, query string, limitPerTable int) (map[string][]map[string]any, error) {
	out := make(map[string][]map[string]any, 4)
	for label, table := range map[string]string{
		"tools":     "tools",
		"patterns":  "patterns",
		"learnings": "learnings",
		"errors":    "errors_solutions",
	} {
		rows, err := s.searchFTS(ctx, table, query, limitPerTable)
		if err != nil {
			return nil, err
		}
		out[label] = rows
	}
	return out, nil
}

// ProjectContext gathers everything relevant to one project.
func (s *Store) ProjectContext(ctx context.Context, projectName string) (map[string]any, error) {
	project, err := s.GetProject(ctx, projectName)
	if err != nil {
		return nil, err
	}
	id := project["id"]

	learnings, err := s.Select(ctx, `
SELECT * FROM learnings WHERE related_project_id = $1 ORDER BY created_at DESC LIMIT 20`, id)
	if err != nil {
		return nil, err
	}
	tools, err := s.Select(ctx, `
SELECT * FROM tools WHERE is_active = true AND (project_id = $1 OR project_id IS NULL)
ORDER BY usage_count DESC`, id)
	if err != nil {
		return nil, err
	}
	commands, err := s.Select(ctx, `
SELECT * FROM commands WHERE project_id = $1 OR project_id IS NULL ORDER BY usage_count DESC`, id)
	if err != nil {
		return nil, err
	}
	sessions, err := s.Select(ctx, `
SELECT * FROM sessions WHERE project_id = $1 ORDER BY started_at DESC LIMIT 5`, id)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"project":   project,
		"learnings": learnings,
		"tools":     tools,
		"commands":  commands,
		"sessions":  sessions,
	}, nil
}

// MemoryStats counts rows per knowledge table.
func (s *Store) MemoryStats(ctx context.Context) (map[string]int64, error) {
	tables := []string{
		"projects", "tools", "commands", "sessions",
		"learnings", "patterns", "errors_solutions",
		"user_preferences", "knowledge_details", "knowledge_index",
	}
	stats := make(map[string]int64, len(tables))
	for _, t := range tables {
		rows, err := s.Select(ctx, fmt.Sprintf(`SELECT COUNT(*) AS n FROM %s`, t))
		if err != nil {
			return nil, err
		}
		if len(rows) == 1 {
			if n, ok := rows[0]["n"].(int64); ok {
				stats[t] = n
			}
		}
	}
	return stats, nil
}

func (s *Store) searchFTS(ctx context.Context, table, query string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 10
	}
	q := fmt.Sprintf(`
SELECT * FROM %s
WHERE search_vector @@ plainto_tsquery('english', $1)
ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC
LIMIT $2`, table)
	rows, err := s.Select(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", strings.TrimSpace(table), err)
	}
	return rows, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
