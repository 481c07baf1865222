package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const commandTimeout = 30 * time.Second

// CommandRouter intercepts /command prompts and runs the matching
// script from the plugin's commands directory. A matched command blocks
// the prompt (exit 2) with the script output on stderr, so the host
// never spends tokens on it.
type CommandRouter struct {
	PluginRoot  string
	CommandsDir string
}

func NewCommandRouter(pluginRoot, commandsDir string) *CommandRouter {
	return &CommandRouter{PluginRoot: pluginRoot, CommandsDir: commandsDir}
}

// SplitCommand extracts the command name and argument string from a
// /prefixed prompt. ok is false when the prompt is not a command shape.
func SplitCommand(prompt string) (name, args string, ok bool) {
	prompt = strings.TrimSpace(prompt)
	if !strings.HasPrefix(prompt, "/") || len(prompt) < 2 {
		return "", "", false
	}
	parts := strings.SplitN(prompt[1:], " ", 2)
	name = strings.ToLower(parts[0])
	if name == "" {
		return "", "", false
	}
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args, true
}

// Lookup finds the script for a command name, trying .py, .sh, .js in
// order. Empty when no script matches.
func (c *CommandRouter) Lookup(name string) string {
	for _, ext := range []string{".py", ".sh", ".js"} {
		candidate := filepath.Join(c.CommandsDir, name+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// Route runs the prompt through the command table. The second return is
// false when the prompt is not a registered command and should flow on
// to retrieval.
func (c *CommandRouter) Route(ctx context.Context, prompt string) (*Result, bool) {
	name, args, ok := SplitCommand(prompt)
	if !ok {
		return nil, false
	}
	script := c.Lookup(name)
	if script == "" {
		return nil, false
	}

	output := c.run(ctx, name, script, args)
	return &Result{ExitCode: ExitBlock, Stderr: output}, true
}

func (c *CommandRouter) run(ctx context.Context, name, script, args string) string {
	var launcher string
	switch filepath.Ext(script) {
	case ".py":
		launcher = "python3"
	case ".js":
		launcher = "node"
	default:
		launcher = "bash"
	}

	execCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, launcher, script)
	cmd.Dir = c.PluginRoot
	cmd.Env = append(os.Environ(),
		"AIDAM_CMD_ARGS="+args,
		"AIDAM_PLUGIN_ROOT="+c.PluginRoot,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("/%s timed out after 30s.", name)
	}

	// stderr wins; scripts that only print to stdout still reach the user.
	out := strings.TrimSpace(stderr.String())
	if out == "" {
		out = strings.TrimSpace(stdout.String())
	}
	if out == "" {
		if err != nil {
			return fmt.Sprintf("/%s error: %v", name, err)
		}
		out = fmt.Sprintf("/%s executed (no output).", name)
	}
	return out
}
