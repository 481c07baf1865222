// Package supervisor spawns and controls interactive child CLI
// sessions on pseudo-terminals, so one assistant session can drive
// another like a user at a keyboard.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// PTY geometry for child CLIs. Wide enough that the CLI does not wrap
// its status line.
const (
	ptyRows = 50
	ptyCols = 200
)

// StartOptions configure a new child session.
type StartOptions struct {
	WorkingDir string
	WithPlugin bool
	Model      string
	Wait       bool

	// ClaudeBinary runs plain sessions; PluginBinary is the wrapper
	// that arms the memory plugin.
	ClaudeBinary string
	PluginBinary string
}

// StartResult reports a spawned session.
type StartResult struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	WorkingDir string `json:"working_dir"`
	Output     string `json:"output,omitempty"`
}

// Registry owns all live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// osProcess adapts *os.Process to the supervisor's shutdown interface.
type osProcess struct {
	p *os.Process
}

func (o *osProcess) Alive() bool {
	if o.p == nil {
		return false
	}
	return o.p.Signal(syscall.Signal(0)) == nil
}

func (o *osProcess) Interrupt() error { return o.p.Signal(os.Interrupt) }
func (o *osProcess) Terminate() error { return o.p.Signal(syscall.SIGTERM) }
func (o *osProcess) Kill() error      { return o.p.Kill() }

// Start spawns a child CLI in workingDir on a fresh PTY and begins
// reading its output. The child must not think it is nested inside the
// host session, so the host's entry-point variables are stripped.
func (r *Registry) Start(opts StartOptions) (*StartResult, error) {
	info, err := os.Stat(opts.WorkingDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory does not exist: %s", opts.WorkingDir)
	}

	binary := opts.ClaudeBinary
	if opts.WithPlugin && opts.PluginBinary != "" {
		binary = opts.PluginBinary
	}
	var args []string
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, "--dangerously-skip-permissions")

	cmd := exec.Command(binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = filteredEnv()

	term, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn: %w", err)
	}

	id := uuid.NewString()[:8]
	sess := newSession(id, opts.WorkingDir, opts.WithPlugin, term, &osProcess{p: cmd.Process})

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	go sess.readLoop()
	go func() {
		// Reap the child so a crashed CLI does not linger as a zombie.
		_ = cmd.Wait()
	}()

	result := &StartResult{SessionID: id, Status: "started", WorkingDir: opts.WorkingDir}
	if opts.Wait {
		startup := sess.WaitForIdle(5*time.Second, 30*time.Second)
		if startup == "" {
			startup = "(no output yet)"
		} else if len(startup) > 2000 {
			startup = startup[:2000]
		}
		result.Output = startup
	}
	return result, nil
}

// Get returns a live session by id.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return sess, nil
}

// StopResult reports a terminated session.
type StopResult struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	FinalOutput string `json:"final_output"`
}

// Stop terminates a session and removes it from the registry.
func (r *Registry) Stop(sessionID string) (*StopResult, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	final := sess.stop()
	return &StopResult{SessionID: sessionID, Status: "stopped", FinalOutput: final}, nil
}

// StopAll terminates every session. Used on server shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// filteredEnv strips the host assistant's nesting markers so the child
// CLI starts a fresh session.
func filteredEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}
