package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateScopedMigration(t *testing.T) {
	tests := []struct {
		name    string
		tables  []string
		sql     string
		wantErr string
	}{
		{
			name:   "alter declared table",
			tables: []string{"learnings"},
			sql:    "ALTER TABLE learnings ADD COLUMN importance INTEGER DEFAULT 0",
		},
		{
			name:   "create declared table if not exists",
			tables: []string{"memory_associations"},
			sql:    "CREATE TABLE IF NOT EXISTS memory_associations (id SERIAL PRIMARY KEY)",
		},
		{
			name:   "multiple declared tables",
			tables: []string{"learnings", "patterns"},
			sql:    "ALTER TABLE learnings ADD COLUMN x TEXT; ALTER TABLE patterns ADD COLUMN x TEXT",
		},
		{
			name:    "no tables declared",
			tables:  nil,
			sql:     "ALTER TABLE learnings ADD COLUMN x TEXT",
			wantErr: "at least one table",
		},
		{
			name:    "table outside whitelist",
			tables:  []string{"orchestrator_state"},
			sql:     "ALTER TABLE orchestrator_state ADD COLUMN x TEXT",
			wantErr: "not allowed",
		},
		{
			name:    "undeclared table in sql",
			tables:  []string{"learnings"},
			sql:     "ALTER TABLE patterns ADD COLUMN x TEXT",
			wantErr: "undeclared table: patterns",
		},
		{
			name:    "truncate forbidden",
			tables:  []string{"learnings"},
			sql:     "TRUNCATE learnings",
			wantErr: "forbidden statement",
		},
		{
			name:    "drop database forbidden",
			tables:  []string{"learnings"},
			sql:     "DROP DATABASE claude_memory",
			wantErr: "forbidden statement",
		},
		{
			name:    "create extension forbidden",
			tables:  []string{"learnings"},
			sql:     "CREATE EXTENSION pg_trgm; ALTER TABLE learnings ADD COLUMN x TEXT",
			wantErr: "forbidden statement",
		},
		{
			name:   "quoted and schema-qualified identifier",
			tables: []string{"patterns"},
			sql:    `ALTER TABLE "public.patterns" ADD COLUMN x TEXT`,
		},
		{
			name:    "drop undeclared table",
			tables:  []string{"memory_meta"},
			sql:     "DROP TABLE IF EXISTS sessions",
			wantErr: "undeclared table: sessions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopedMigration(tt.tables, tt.sql)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTableIdentifier(t *testing.T) {
	assert.Equal(t, "learnings", tableIdentifier(" learnings ADD COLUMN x TEXT"))
	assert.Equal(t, "patterns", tableIdentifier(" if not exists patterns (id SERIAL)"))
	assert.Equal(t, "tools", tableIdentifier(` "tools" RENAME TO tools_old`))
	assert.Equal(t, "commands", tableIdentifier(" public.commands drop column tags"))
	assert.Equal(t, "", tableIdentifier("   "))
}

func TestStatementGates(t *testing.T) {
	s := NewWithDB(nil)
	ctx := context.Background()

	_, err := s.SelectQuery(ctx, "UPDATE learnings SET topic = 'x'")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = s.ExecuteWrite(ctx, "SELECT * FROM learnings")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = s.ExecuteWrite(ctx, "DROP TABLE learnings")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = s.ExecuteWrite(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestFirstToken(t *testing.T) {
	assert.Equal(t, "SELECT", firstToken("  select * from learnings"))
	assert.Equal(t, "UPDATE", firstToken("\n\tUPDATE x SET y = 1"))
	assert.Equal(t, "", firstToken("   "))
}
