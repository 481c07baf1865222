package store

import (
	"context"
	"fmt"
	"strings"
)

// allowedMigrationTables is the fixed whitelist of tables a scoped
// migration may declare. Coordination tables (inboxes, orchestrator
// state, session state) are deliberately absent: their schema belongs
// to the plugin, not to the agents.
var allowedMigrationTables = map[string]bool{
	"learnings":           true,
	"patterns":            true,
	"errors_solutions":    true,
	"knowledge_details":   true,
	"tools":               true,
	"commands":            true,
	"projects":            true,
	"sessions":            true,
	"user_preferences":    true,
	"memory_meta":         true,
	"memory_associations": true,
}

var forbiddenMigrationPhrases = []string{
	"drop database",
	"truncate",
	"alter system",
	"create extension",
	"drop extension",
}

var ddlKeywords = []string{"alter table", "create table", "drop table"}

// MigrationResult reports an applied scoped migration.
type MigrationResult struct {
	Migration string   `json:"migration"`
	Tables    []string `json:"tables"`
	Status    string   `json:"status"`
}

// ValidateScopedMigration checks a migration against the whitelist and
// the declared tables without touching the database.
func ValidateScopedMigration(tables []string, sqlText string) error {
	if len(tables) == 0 {
		return fmt.Errorf("%w: at least one table must be declared for scoped migration", ErrValidation)
	}

	declared := make(map[string]bool, len(tables))
	for _, t := range tables {
		if !allowedMigrationTables[t] {
			return fmt.Errorf("%w: table '%s' is not allowed for migrations", ErrValidation, t)
		}
		declared[t] = true
	}

	lower := strings.ToLower(sqlText)
	for _, phrase := range forbiddenMigrationPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Errorf("%w: forbidden statement detected: %s", ErrValidation, phrase)
		}
	}

	for _, kw := range ddlKeywords {
		parts := strings.Split(lower, kw)
		for _, part := range parts[1:] {
			name := tableIdentifier(part)
			if name == "" {
				return fmt.Errorf("%w: cannot determine table after %s", ErrValidation, strings.ToUpper(kw))
			}
			if !declared[name] {
				return fmt.Errorf("%w: SQL touches undeclared table: %s", ErrValidation, name)
			}
		}
	}
	return nil
}

// tableIdentifier extracts the table name following a DDL keyword,
// skipping IF [NOT] EXISTS and stripping quoting and schema prefix.
func tableIdentifier(rest string) string {
	fields := strings.Fields(rest)
	for _, f := range fields {
		switch f {
		case "if", "not", "exists", "only":
			continue
		}
		name := strings.Trim(f, `"(,;`)
		if i := strings.IndexByte(name, '('); i >= 0 {
			name = name[:i]
		}
		name = strings.TrimPrefix(name, "public.")
		return name
	}
	return ""
}

// ExecuteScopedMigration validates and runs a migration in a single
// transaction.
func (s *Store) ExecuteScopedMigration(ctx context.Context, name string, tables []string, sqlText string) (*MigrationResult, error) {
	if err := ValidateScopedMigration(tables, sqlText); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("migration %s failed: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit migration %s: %w", name, err)
	}

	return &MigrationResult{Migration: name, Tables: tables, Status: "applied"}, nil
}
