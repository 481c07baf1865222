// Package store provides typed access to the shared PostgreSQL memory
// database. Every cross-process interaction in the plugin (hook → agent,
// agent → coordinator) goes through tables owned by this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/config"
)

// ErrValidation marks contract violations: a statement of the wrong kind,
// a migration touching undeclared tables, a path escaping the tool root.
// Callers must not retry these.
var ErrValidation = errors.New("validation error")

// ErrNotFound marks lookups that matched nothing.
var ErrNotFound = errors.New("not found")

const queryTimeout = 10 * time.Second

// Store wraps the shared connection pool. All statements run with a
// per-call context; no transaction state crosses operations except the
// scoped migration, which is a single explicit transaction.
type Store struct {
	db *sql.DB
}

// Open connects to the memory database and verifies the connection.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool so sibling packages can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Select runs an arbitrary query and returns the rows as column-name maps.
func (s *Store) Select(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return rowsToMaps(rows)
}

// Write executes a statement and returns the affected row count.
func (s *Store) Write(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// InsertReturningID executes an INSERT carrying a RETURNING id clause and
// returns the new id. The clause is appended when absent.
func (s *Store) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if !strings.Contains(strings.ToUpper(query), "RETURNING") {
		query += " RETURNING id"
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert failed: %w", err)
	}
	return id, nil
}

// SelectQuery is the restricted read entry point exposed over MCP: the
// first non-space token must be SELECT.
func (s *Store) SelectQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if firstToken(query) != "SELECT" {
		return nil, fmt.Errorf("%w: only SELECT queries are allowed", ErrValidation)
	}
	return s.Select(ctx, query, args...)
}

// ExecuteWrite is the restricted write entry point exposed over MCP: the
// first non-space token must be UPDATE, INSERT, or DELETE.
func (s *Store) ExecuteWrite(ctx context.Context, query string, args ...any) (int64, error) {
	switch firstToken(query) {
	case "UPDATE", "INSERT", "DELETE":
	default:
		return 0, fmt.Errorf("%w: only UPDATE, INSERT, DELETE queries are allowed", ErrValidation)
	}
	return s.Write(ctx, query, args...)
}

// TableSchema describes one table of the public schema.
type TableSchema struct {
	Columns []ColumnSchema `json:"columns"`
}

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name       string `json:"column_name"`
	DataType   string `json:"data_type"`
	IsNullable string `json:"is_nullable"`
}

// DescribeSchema returns tables and columns of the public schema.
func (s *Store) DescribeSchema(ctx context.Context) (map[string]TableSchema, error) {
	tables, err := s.Select(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'public'
ORDER BY table_name`)
	if err != nil {
		return nil, err
	}

	schema := make(map[string]TableSchema, len(tables))
	for _, t := range tables {
		name, _ := t["table_name"].(string)
		if name == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		rows, err := s.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`, name)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("describe %s: %w", name, err)
		}

		var ts TableSchema
		for rows.Next() {
			var col ColumnSchema
			if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable); err != nil {
				rows.Close()
				cancel()
				return nil, fmt.Errorf("scan column of %s: %w", name, err)
			}
			ts.Columns = append(ts.Columns, col)
		}
		err = rows.Err()
		rows.Close()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("iterate columns of %s: %w", name, err)
		}
		schema[name] = ts
	}
	return schema, nil
}

func firstToken(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// rowsToMaps materializes a result set as column-name maps, converting
// []byte values to strings so they JSON-encode as text.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if t, ok := v.(time.Time); ok {
				v = t.Format(time.RFC3339)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}
