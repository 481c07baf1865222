// Command aidam is the single binary behind the memory plugin: the four
// host hook adapters, the three stdio MCP servers, and the per-session
// sidecar all live here as subcommands.
//
// Usage:
//
//	aidam hook user-prompt-submit < event.json
//	aidam serve memory
//	aidam sidecar --session-id abc123 --http-addr :9090
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/compaction"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/config"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/hooks"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/inbox"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/logger"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/mcpserver"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/orchestrator"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/retrieval"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/sessionstate"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/sidecar"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/store"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/supervisor"
	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/toolexec"
)

// CLI defines the command-line interface.
type CLI struct {
	Hook    HookCmd    `cmd:"" help:"Run a host hook adapter: reads one JSON event from stdin."`
	Serve   ServeCmd   `cmd:"" help:"Run a stdio MCP server."`
	Sidecar SidecarCmd `cmd:"" help:"Run the per-session background sidecar."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("aidam version %s\n", version)
	return nil
}

// HookCmd groups the four host hook adapters.
type HookCmd struct {
	UserPromptSubmit UserPromptSubmitCmd `cmd:"" name:"user-prompt-submit" help:"Inject retrieved memory before the prompt reaches the model."`
	PostToolUse      PostToolUseCmd      `cmd:"" name:"post-tool-use" help:"Feed significant tool activity to the learner."`
	SessionEnd       SessionEndCmd       `cmd:"" name:"session-end" help:"Persist end-of-session state for the clear hand-off."`
	SessionStart     SessionStartCmd     `cmd:"" name:"session-start" help:"Restore the previous session's state after a clear."`
}

type UserPromptSubmitCmd struct{}

func (c *UserPromptSubmitCmd) Run(cli *CLI) error {
	return runHook(cli, func(ctx context.Context, a *hooks.Adapters, in *hooks.Input) (*hooks.Result, error) {
		return a.UserPromptSubmit(ctx, in)
	})
}

type PostToolUseCmd struct{}

func (c *PostToolUseCmd) Run(cli *CLI) error {
	return runHook(cli, func(ctx context.Context, a *hooks.Adapters, in *hooks.Input) (*hooks.Result, error) {
		return a.PostToolUse(ctx, in)
	})
}

type SessionEndCmd struct{}

func (c *SessionEndCmd) Run(cli *CLI) error {
	return runHook(cli, func(ctx context.Context, a *hooks.Adapters, in *hooks.Input) (*hooks.Result, error) {
		return a.SessionEnd(ctx, in)
	})
}

type SessionStartCmd struct{}

func (c *SessionStartCmd) Run(cli *CLI) error {
	return runHook(cli, func(ctx context.Context, a *hooks.Adapters, in *hooks.Input) (*hooks.Result, error) {
		return a.SessionStart(ctx, in)
	})
}

// runHook drives one adapter end to end. A broken hook must never break
// the host session, so every failure path logs and exits 0; only an
// adapter that explicitly blocks reaches os.Exit with a nonzero code.
func runHook(cli *CLI, fn func(context.Context, *hooks.Adapters, *hooks.Input) (*hooks.Result, error)) error {
	logger.Init(config.LogDir(), cli.LogLevel)

	in, err := hooks.ParseInput(os.Stdin)
	if err != nil {
		slog.Error("hook input unreadable", "error", err)
		return nil
	}

	cfg := config.Load()
	st, err := store.Open(&cfg.Database)
	if err != nil {
		slog.Error("memory database unavailable", "error", err)
		return nil
	}
	defer st.Close()

	res, err := fn(context.Background(), buildAdapters(cfg, st), in)
	if err != nil {
		slog.Error("hook adapter failed", "session_id", in.SessionID, "error", err)
		return nil
	}

	if res.Output != nil {
		if err := json.NewEncoder(os.Stdout).Encode(res.Output); err != nil {
			slog.Error("hook output write failed", "error", err)
			return nil
		}
	}
	if res.Stderr != "" {
		fmt.Fprintln(os.Stderr, res.Stderr)
	}
	if res.ExitCode != hooks.ExitAllow {
		st.Close()
		os.Exit(res.ExitCode)
	}
	return nil
}

// buildAdapters wires the hook entry points onto one shared pool.
func buildAdapters(cfg *config.Config, st *store.Store) *hooks.Adapters {
	db := st.DB()
	bus := inbox.New(db)
	states := sessionstate.New(db)
	return &hooks.Adapters{
		Jobs:      bus,
		Retriever: retrieval.NewCoordinator(bus),
		Registry:  orchestrator.New(db),
		States:    states,
		Compactor: compaction.NewCoordinator(states, bus),
		Router:    hooks.NewCommandRouter(cfg.PluginRoot, config.CommandsDir(cfg.PluginRoot)),

		RetrieverEnabled: config.RetrieverEnabled(),
		LearnerEnabled:   config.LearnerEnabled(),
	}
}

// ServeCmd groups the stdio MCP servers.
type ServeCmd struct {
	Memory            ServeMemoryCmd            `cmd:"" help:"Serve the claude-memory database tools."`
	Aidam             ServeAidamCmd             `cmd:"" help:"Serve the on-demand agent tools."`
	SessionController ServeSessionControllerCmd `cmd:"" name:"session-controller" help:"Serve the child-session control tools."`
}

type ServeMemoryCmd struct{}

func (c *ServeMemoryCmd) Run(cli *CLI) error {
	logger.Init(config.LogDir(), cli.LogLevel)

	cfg := config.Load()
	st, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open memory database: %w", err)
	}
	defer st.Close()

	return server.ServeStdio(mcpserver.NewMemoryServer(st))
}

type ServeAidamCmd struct{}

func (c *ServeAidamCmd) Run(cli *CLI) error {
	logger.Init(config.LogDir(), cli.LogLevel)

	cfg := config.Load()
	st, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open memory database: %w", err)
	}
	defer st.Close()

	home, _ := os.UserHomeDir()
	db := st.DB()
	bus := inbox.New(db)
	states := sessionstate.New(db)
	deps := mcpserver.AidamDeps{
		Store:         st,
		Orchestrators: orchestrator.New(db),
		Jobs:          bus,
		Retrieval:     retrieval.NewCoordinator(bus),
		Compaction:    compaction.NewCoordinator(states, bus),
		States:        states,
		Tools:         toolexec.New(db, config.GeneratedToolsRoot(), home),
	}
	return server.ServeStdio(mcpserver.NewAidamServer(deps))
}

type ServeSessionControllerCmd struct{}

func (c *ServeSessionControllerCmd) Run(cli *CLI) error {
	logger.Init(config.LogDir(), cli.LogLevel)

	cfg := config.Load()
	reg := supervisor.NewRegistry()
	// Orphaned child CLIs outlive nobody: when stdin closes, every
	// session this server spawned goes down with it.
	defer reg.StopAll()

	return server.ServeStdio(mcpserver.NewSessionControllerServer(reg, mcpserver.SessionControllerConfig{
		ClaudeBinary: cfg.ClaudeBinary,
		PluginBinary: cfg.AidamBinary,
	}))
}

// SidecarCmd runs the long-lived per-session process.
type SidecarCmd struct {
	SessionID string `name:"session-id" env:"AIDAM_SESSION_ID" help:"Session id owning the orchestrator row (default: generated)."`
	HTTPAddr  string `name:"http-addr" help:"Expose /healthz and /metrics on this address."`
}

func (c *SidecarCmd) Run(cli *CLI) error {
	logger.Init(config.LogDir(), cli.LogLevel)

	cfg := config.Load()
	st, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open memory database: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The sidecar is the first plugin process of a session, so it owns
	// schema bootstrap.
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	sessionID := c.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	promReg := prometheus.NewRegistry()
	metrics := sidecar.NewMetrics(promReg)
	bus := sidecar.NewMeteredBus(inbox.New(st.DB()), metrics)

	sc := sidecar.New(orchestrator.New(st.DB()), bus, metrics, promReg, slog.Default(), sidecar.Options{
		SessionID: sessionID,
		HTTPAddr:  c.HTTPAddr,
	})
	return sc.Run(ctx)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("aidam"),
		kong.Description("AIDAM memory plugin: hook adapters, MCP servers, and the session sidecar."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
