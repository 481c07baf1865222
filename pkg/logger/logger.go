// Package logger configures the process-wide slog logger.
//
// Hook adapters and MCP servers own stdout (it carries the hook/JSON-RPC
// protocol), so the default sink is a file under ~/.claude/logs.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init sets the default logger writing to <logDir>/aidam.log at the given
// level. If the log directory cannot be created the logger degrades to
// stderr; it never writes to stdout.
func Init(logDir, levelStr string) {
	level := ParseLevel(levelStr)
	if env := os.Getenv("AIDAM_LOG_LEVEL"); env != "" {
		level = ParseLevel(env)
	}

	var w io.Writer = os.Stderr
	if err := os.MkdirAll(logDir, 0o755); err == nil {
		f, err := os.OpenFile(filepath.Join(logDir, "aidam.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			w = f
		}
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// InitDiscard silences logging entirely. Used by tests.
func InitDiscard() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}
