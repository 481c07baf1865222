package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/supervisor"
)

// SessionControllerConfig names the binaries a new child session runs.
type SessionControllerConfig struct {
	ClaudeBinary string
	PluginBinary string
}

type sessionServer struct {
	reg *supervisor.Registry
	cfg SessionControllerConfig
}

// NewSessionControllerServer builds the session-controller stdio
// server: spawn, drive, and inspect child CLI sessions on PTYs.
func NewSessionControllerServer(reg *supervisor.Registry, cfg SessionControllerConfig) *server.MCPServer {
	c := &sessionServer{reg: reg, cfg: cfg}
	s := server.NewMCPServer("session-controller", serverVersion)

	s.AddTool(mcp.NewTool("session_start",
		mcp.WithDescription("Start a new interactive CLI session in a working directory. Returns a session_id for the other session tools. Use for parallel instances, plugin testing, or delegating autonomous sub-tasks."),
		mcp.WithString("working_dir", mcp.Required(), mcp.Description("Absolute path to the working directory for the subprocess")),
		mcp.WithBoolean("with_plugin", mcp.Description("Launch through the plugin wrapper (default true). Plugin sessions spawn background agents that consume API budget; prefer false for autonomous workers.")),
		mcp.WithString("model", mcp.Description("Model to use (e.g. 'sonnet', 'opus'). Default: the CLI's default.")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the CLI to be ready before returning (default false)")),
	), c.start)

	s.AddTool(mcp.NewTool("session_send",
		mcp.WithDescription("Send a message to a running session as if a user typed it, optionally waiting for the response."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID from session_start")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message to send")),
		mcp.WithNumber("timeout", mcp.Description("Max seconds to wait for the response (default 180)")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the subprocess to finish responding (default true). With false, use session_read later.")),
		mcp.WithNumber("max_response_chars", mcp.Description("Max chars of response to return (0=no limit). Truncation keeps the LAST N chars.")),
	), c.send)

	s.AddTool(mcp.NewTool("session_send_keys",
		mcp.WithDescription("Send special keys or key sequences: menu navigation (arrows), confirmation (enter), cancel (escape, ctrl+c). Unrecognized strings are typed literally."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithArray("keys", mcp.Required(),
			mcp.Description("Key names (up, down, left, right, enter, escape, tab, backspace, delete, home, end, space, ctrl+a..ctrl+z) or literal text"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("timeout", mcp.Description("Max seconds to wait after the keys (default 30)")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the response (default true)")),
		mcp.WithNumber("max_response_chars", mcp.Description("Max chars of response to return (0=no limit)")),
	), c.sendKeys)

	s.AddTool(mcp.NewTool("session_read",
		mcp.WithDescription("Read the session's output buffer without blocking. Empty output means the subprocess is still working. Returns the last 4000 chars by default; use offset to paginate."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithNumber("max_chars", mcp.Description("Max chars to return (default 4000, cap 20000). Without offset, the LAST max_chars.")),
		mcp.WithNumber("offset", mcp.Description("Character offset for pagination (0=start)")),
	), c.read)

	s.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Session metadata: alive, idle seconds, buffer size, uptime."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), c.status)

	s.AddTool(mcp.NewTool("session_stop",
		mcp.WithDescription("Stop and clean up a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID to stop")),
	), c.stop)

	return s
}

func (c *sessionServer) start(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workingDir, err := req.RequireString("working_dir")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := c.reg.Start(supervisor.StartOptions{
		WorkingDir:   workingDir,
		WithPlugin:   req.GetBool("with_plugin", true),
		Model:        req.GetString("model", ""),
		Wait:         req.GetBool("wait", false),
		ClaudeBinary: c.cfg.ClaudeBinary,
		PluginBinary: c.cfg.PluginBinary,
	})
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(result, 0, 0, "")), nil
}

func (c *sessionServer) send(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := c.reg.Get(sessionID)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	result, err := sess.Send(message, supervisor.SendOptions{
		Timeout:          time.Duration(req.GetFloat("timeout", 180) * float64(time.Second)),
		Wait:             req.GetBool("wait", true),
		MaxResponseChars: req.GetInt("max_response_chars", 0),
	})
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(result, 0, 0, "")), nil
}

func (c *sessionServer) sendKeys(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	keys := req.GetStringSlice("keys", nil)
	if len(keys) == 0 {
		return errEnvelope("No keys to send"), nil
	}

	sess, err := c.reg.Get(sessionID)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	result, err := sess.SendKeys(keys, supervisor.SendOptions{
		Timeout:          time.Duration(req.GetFloat("timeout", 30) * float64(time.Second)),
		Wait:             req.GetBool("wait", true),
		MaxResponseChars: req.GetInt("max_response_chars", 0),
	})
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(result, 0, 0, "")), nil
}

func (c *sessionServer) read(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := c.reg.Get(sessionID)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	out := sess.Read(req.GetInt("max_chars", supervisor.DefaultMaxChars), req.GetInt("offset", 0))
	return textResult(Format(out, 0, 0, "")), nil
}

func (c *sessionServer) status(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := c.reg.Get(sessionID)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(sess.Status(), 0, 0, "")), nil
}

func (c *sessionServer) stop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := c.reg.Stop(sessionID)
	if err != nil {
		return errEnvelope("%v", err), nil
	}
	return textResult(Format(result, 0, 0, "")), nil
}
