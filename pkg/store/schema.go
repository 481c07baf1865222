package store

import (
	"context"
	"fmt"
)

// schemaDDL bootstraps the memory database. Statements are idempotent so
// EnsureSchema can run on every sidecar start.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		description TEXT,
		stack JSONB,
		git_repo TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		last_session_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS tools (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL,
		language TEXT NOT NULL,
		file_path TEXT,
		code TEXT,
		parameters JSONB,
		use_cases TEXT,
		tags JSONB,
		project_id INTEGER REFERENCES projects(id),
		is_active BOOLEAN NOT NULL DEFAULT true,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		search_vector tsvector GENERATED ALWAYS AS (
			to_tsvector('english', coalesce(name, '') || ' ' || coalesce(description, '') || ' ' || coalesce(use_cases, ''))
		) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tools_search ON tools USING GIN (search_vector)`,

	`CREATE TABLE IF NOT EXISTS commands (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		command TEXT NOT NULL,
		description TEXT,
		category TEXT,
		tags JSONB,
		project_id INTEGER REFERENCES projects(id),
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id SERIAL PRIMARY KEY,
		project_id INTEGER REFERENCES projects(id),
		session_type TEXT NOT NULL DEFAULT 'standard',
		worker_params TEXT,
		summary TEXT,
		tasks_completed JSONB,
		tasks_remaining JSONB,
		started_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS learnings (
		id SERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		insight TEXT NOT NULL,
		category TEXT,
		context TEXT,
		tags JSONB,
		source TEXT,
		related_project_id INTEGER REFERENCES projects(id),
		confidence TEXT NOT NULL DEFAULT 'confirmed',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		search_vector tsvector GENERATED ALWAYS AS (
			to_tsvector('english', coalesce(topic, '') || ' ' || coalesce(insight, '') || ' ' || coalesce(context, ''))
		) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learnings_search ON learnings USING GIN (search_vector)`,

	`CREATE TABLE IF NOT EXISTS patterns (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		problem TEXT NOT NULL,
		solution TEXT NOT NULL,
		context TEXT,
		code_example TEXT,
		language TEXT,
		tags JSONB,
		source TEXT,
		confidence TEXT NOT NULL DEFAULT 'proven',
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		search_vector tsvector GENERATED ALWAYS AS (
			to_tsvector('english', coalesce(name, '') || ' ' || coalesce(problem, '') || ' ' || coalesce(solution, ''))
		) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_search ON patterns USING GIN (search_vector)`,

	`CREATE TABLE IF NOT EXISTS errors_solutions (
		id SERIAL PRIMARY KEY,
		error_signature TEXT NOT NULL,
		error_message TEXT,
		root_cause TEXT,
		solution TEXT NOT NULL,
		prevention TEXT,
		tags JSONB,
		related_project_id INTEGER REFERENCES projects(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		search_vector tsvector GENERATED ALWAYS AS (
			to_tsvector('english', coalesce(error_signature, '') || ' ' || coalesce(error_message, '') || ' ' || coalesce(solution, ''))
		) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_search ON errors_solutions USING GIN (search_vector)`,

	`CREATE TABLE IF NOT EXISTS user_preferences (
		id SERIAL PRIMARY KEY,
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		notes TEXT,
		project_id INTEGER REFERENCES projects(id),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS knowledge_details (
		id SERIAL PRIMARY KEY,
		parent_type TEXT NOT NULL,
		parent_id INTEGER NOT NULL,
		topic TEXT NOT NULL,
		details TEXT NOT NULL,
		code_snippets JSONB,
		file_paths JSONB,
		tags JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		search_vector tsvector GENERATED ALWAYS AS (
			to_tsvector('english', coalesce(topic, '') || ' ' || coalesce(details, ''))
		) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_details_search ON knowledge_details USING GIN (search_vector)`,

	`CREATE TABLE IF NOT EXISTS knowledge_index (
		id SERIAL PRIMARY KEY,
		domain TEXT NOT NULL,
		name TEXT NOT NULL,
		summary TEXT NOT NULL,
		keywords JSONB,
		detail_table TEXT,
		detail_id INTEGER,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (domain, name),
		search_vector tsvector GENERATED ALWAYS AS (
			to_tsvector('english', coalesce(name, '') || ' ' || coalesce(summary, ''))
		) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_index_search ON knowledge_index USING GIN (search_vector)`,

	`CREATE TABLE IF NOT EXISTS memory_meta (
		id SERIAL PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		value TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS memory_associations (
		id SERIAL PRIMARY KEY,
		from_type TEXT NOT NULL,
		from_id INTEGER NOT NULL,
		to_type TEXT NOT NULL,
		to_id INTEGER NOT NULL,
		relation TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS generated_tools (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		file_path TEXT NOT NULL,
		language TEXT NOT NULL,
		tags JSONB,
		is_active BOOLEAN NOT NULL DEFAULT true,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS cognitive_inbox (
		id SERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cognitive_inbox_pending ON cognitive_inbox (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS retrieval_inbox (
		id SERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt_hash TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_text TEXT NOT NULL,
		relevance REAL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retrieval_inbox_lookup ON retrieval_inbox (session_id, prompt_hash, status)`,

	`CREATE TABLE IF NOT EXISTS orchestrator_state (
		id SERIAL PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'running',
		pid INTEGER,
		started_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS agent_usage (
		id SERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		invocation_count INTEGER NOT NULL DEFAULT 0,
		total_cost_usd NUMERIC(10,4) NOT NULL DEFAULT 0,
		last_cost_usd NUMERIC(10,4) NOT NULL DEFAULT 0,
		budget_per_call NUMERIC(10,4) NOT NULL DEFAULT 0.5,
		budget_session NUMERIC(10,4) NOT NULL DEFAULT 5.0,
		status TEXT NOT NULL DEFAULT 'idle',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (session_id, agent_name)
	)`,

	`CREATE TABLE IF NOT EXISTS session_state (
		id SERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		state_text TEXT NOT NULL,
		raw_tail_path TEXT,
		token_estimate INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (session_id, version)
	)`,
}

// EnsureSchema creates every table and index the plugin relies on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		_, err := s.db.ExecContext(ctx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}
