// Package toolexec registers and runs generated tool scripts. Every
// script must live under the generated-tools root; both register and
// execute canonicalize paths before the prefix check so a symlink
// cannot smuggle execution outside the root.
package toolexec

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/store"
)

const (
	execTimeout = 30 * time.Second
	maxStdout   = 4000
	maxStderr   = 2000
)

// Registry manages generated_tools rows and script execution.
type Registry struct {
	db   *sql.DB
	root string
	home string
}

// New builds a registry rooted at the generated-tools directory.
func New(db *sql.DB, root, home string) *Registry {
	return &Registry{db: db, root: root, home: home}
}

// ResolveUnderRoot resolves path (relative paths are taken under root)
// and verifies the canonical result stays inside the canonical root.
func ResolveUnderRoot(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve tool root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("script file not found: %s: %w", path, store.ErrNotFound)
		}
		return "", fmt.Errorf("resolve script path: %w", err)
	}

	if canonical != canonicalRoot && !strings.HasPrefix(canonical, canonicalRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: script must be under %s", store.ErrValidation, canonicalRoot)
	}
	return canonical, nil
}

// RegisterResult reports a registered tool.
type RegisterResult struct {
	Status   string `json:"status"`
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
	Message  string `json:"message"`
}

// Register upserts a tool by name. The stored path is root-relative for
// portability; re-registering reactivates a disabled tool. The tool is
// also indexed under the generated-tools knowledge domain so retrieval
// finds it.
func (r *Registry) Register(ctx context.Context, name, description, filePath, language string, tags []string) (*RegisterResult, error) {
	if language == "" {
		language = "bash"
	}

	canonical, err := ResolveUnderRoot(r.root, filePath)
	if err != nil {
		return nil, err
	}
	canonicalRoot, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return nil, fmt.Errorf("resolve tool root: %w", err)
	}
	relPath, err := filepath.Rel(canonicalRoot, canonical)
	if err != nil {
		return nil, fmt.Errorf("relativize script path: %w", err)
	}

	var tagsJSON any
	if len(tags) > 0 {
		b, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		tagsJSON = string(b)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
INSERT INTO generated_tools (name, description, file_path, language, tags)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name)
DO UPDATE SET description = EXCLUDED.description, file_path = EXCLUDED.file_path,
              language = EXCLUDED.language, tags = EXCLUDED.tags, is_active = TRUE
RETURNING id`, name, description, relPath, language, tagsJSON).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("register tool %s: %w", name, err)
	}

	if err := r.indexTool(ctx, id, name, description, tags); err != nil {
		return nil, err
	}

	return &RegisterResult{
		Status:   "created",
		ID:       id,
		Name:     name,
		FilePath: relPath,
		Message:  fmt.Sprintf("Tool '%s' registered and indexed.", name),
	}, nil
}

func (r *Registry) indexTool(ctx context.Context, id int64, name, description string, tags []string) error {
	var keywords any
	if len(tags) > 0 {
		b, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("encode keywords: %w", err)
		}
		keywords = string(b)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO knowledge_index (domain, name, summary, keywords, detail_table, detail_id)
VALUES ('generated-tools', $1, $2, $3, 'generated_tools', $4)
ON CONFLICT (domain, name)
DO UPDATE SET summary = EXCLUDED.summary, keywords = EXCLUDED.keywords,
              detail_id = EXCLUDED.detail_id, updated_at = CURRENT_TIMESTAMP`,
		name, description, keywords, id)
	if err != nil {
		return fmt.Errorf("index tool %s: %w", name, err)
	}
	return nil
}

// ExecResult is the execution envelope returned to the caller. Status
// is empty on a normal run and "timeout" when the deadline hit.
type ExecResult struct {
	Tool     string `json:"tool"`
	Status   string `json:"status,omitempty"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Execute runs a registered active tool with a hard 30 s timeout. The
// stored path is re-verified against the root on every run: registration
// time checks do not survive later symlink swaps.
func (r *Registry) Execute(ctx context.Context, name, args string) (*ExecResult, error) {
	var filePath, language string
	err := r.db.QueryRowContext(ctx, `
SELECT file_path, language FROM generated_tools
WHERE name = $1 AND is_active = TRUE`, name).Scan(&filePath, &language)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool '%s' not found or inactive: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tool %s: %w", name, err)
	}

	canonical, err := ResolveUnderRoot(r.root, filePath)
	if err != nil {
		return nil, err
	}

	var launcher string
	switch language {
	case "python":
		launcher = "python"
	case "javascript", "node":
		launcher = "node"
	default:
		launcher = "bash"
	}

	cmdArgs := []string{canonical}
	if args != "" {
		cmdArgs = append(cmdArgs, strings.Fields(args)...)
	}

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, launcher, cmdArgs...)
	cmd.Dir = r.home
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return &ExecResult{Tool: name, Status: "timeout", ExitCode: -1}, nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execute tool %s: %w", name, runErr)
		}
	}

	_, err = r.db.ExecContext(ctx, `
UPDATE generated_tools SET usage_count = usage_count + 1, last_used_at = CURRENT_TIMESTAMP
WHERE name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("update usage for %s: %w", name, err)
	}

	return &ExecResult{
		Tool:     name,
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String(), maxStdout),
		Stderr:   truncate(stderr.String(), maxStderr),
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
