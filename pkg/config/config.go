// Package config holds runtime configuration for the AIDAM plugin:
// database coordinates, filesystem anchors, and the per-agent toggles
// read from the environment or the plugin-root .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultSessionBudgetUSD is the session budget used when no agent_usage
// row declares one.
const DefaultSessionBudgetUSD = 5.0

// DatabaseConfig describes the PostgreSQL connection shared by all
// components. The database is the single coordination point between the
// hooks, the MCP servers, and the background agent workers, so there is
// exactly one dialect.
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// DSN returns the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// SetDefaults fills unset fields with the canonical local deployment.
func (c *DatabaseConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = envOr("AIDAM_DB_HOST", "localhost")
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Database == "" {
		c.Database = envOr("AIDAM_DB_NAME", "claude_memory")
	}
	if c.User == "" {
		c.User = envOr("AIDAM_DB_USER", "postgres")
	}
	if c.Password == "" {
		c.Password = os.Getenv("PGPASSWORD")
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Config is the process-wide configuration. Values come from the
// environment; Load fills missing variables from the plugin .env first.
type Config struct {
	Database DatabaseConfig

	// PluginRoot is the installation directory of the plugin. Command
	// scripts live under <PluginRoot>/scripts/commands.
	PluginRoot string

	// ClaudeBinary and AidamBinary are the CLI entry points the session
	// supervisor spawns (plain vs plugin-wrapped).
	ClaudeBinary string
	AidamBinary  string
}

// Load builds a Config from the environment, loading the plugin .env for
// any variables not already set.
func Load() *Config {
	cfg := &Config{
		PluginRoot: pluginRoot(),
	}
	LoadEnv(cfg.PluginRoot)

	cfg.Database.SetDefaults()
	cfg.ClaudeBinary = envOr("AIDAM_CLAUDE_BIN", "claude")
	cfg.AidamBinary = envOr("AIDAM_WRAPPER_BIN", filepath.Join(cfg.PluginRoot, "bin", "aidam"))
	return cfg
}

// LoadEnv loads <root>/.env without overriding variables that are
// already set. Hooks run with a minimal environment, so PGPASSWORD and
// the agent toggles usually arrive this way.
func LoadEnv(root string) {
	if os.Getenv("PGPASSWORD") != "" {
		return
	}
	envFile := filepath.Join(root, ".env")
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	// Best effort: a malformed .env must never break a hook.
	_ = godotenv.Load(envFile)
}

// RetrieverEnabled reports whether the Retriever path is active.
// Anything but an explicit "off" counts as on.
func RetrieverEnabled() bool {
	return !strings.EqualFold(os.Getenv("AIDAM_MEMORY_RETRIEVER"), "off")
}

// LearnerEnabled reports whether the Learner path is active.
func LearnerEnabled() bool {
	return !strings.EqualFold(os.Getenv("AIDAM_MEMORY_LEARNER"), "off")
}

// GeneratedToolsRoot is the single directory all registered tool scripts
// must resolve under.
func GeneratedToolsRoot() string {
	return filepath.Join(homeDir(), ".claude", "generated_tools")
}

// LogDir is where the plugin writes its own logs. Hooks must keep stdout
// clean for the hook protocol, so everything goes to files here.
func LogDir() string {
	return filepath.Join(homeDir(), ".claude", "logs")
}

// CommandsDir returns the directory scanned by the command router.
func CommandsDir(pluginRoot string) string {
	return filepath.Join(pluginRoot, "scripts", "commands")
}

func pluginRoot() string {
	if root := os.Getenv("CLAUDE_PLUGIN_ROOT"); root != "" {
		return root
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	// The binary lives in <root>/bin.
	return filepath.Dir(filepath.Dir(exe))
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
