package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full service configuration, loaded from a TOML file.
// Missing fields fall back to defaults so an empty file is valid.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Agent    AgentConfig    `toml:"agent"`
	Watchdog WatchdogConfig `toml:"watchdog"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// HeartbeatSeconds is the SSE keep-alive interval.
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type AgentConfig struct {
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`
	// WorkspaceDir holds one subdirectory per task.
	WorkspaceDir string `toml:"workspace_dir"`
	// MaxConcurrent caps simultaneous agent runs. Zero means unlimited.
	MaxConcurrent int `toml:"max_concurrent"`
}

type WatchdogConfig struct {
	// InactivityMinutes is how long a run may go without agent output
	// before it is cancelled.
	InactivityMinutes int `toml:"inactivity_minutes"`
	// SweepSpec is the cron expression for the orphan/idle sweep.
	SweepSpec string `toml:"sweep_spec"`
}

// DefaultConfigPath is where Load looks when no --config flag is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskpilot.toml"
	}
	return filepath.Join(home, ".taskpilot", "config.toml")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".taskpilot")
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8844,
			HeartbeatSeconds: 30,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(base, "taskpilot.db"),
		},
		Agent: AgentConfig{
			Binary:        "claude",
			Args:          []string{"--output-format", "stream-json"},
			WorkspaceDir:  filepath.Join(base, "workspaces"),
			MaxConcurrent: 3,
		},
		Watchdog: WatchdogConfig{
			InactivityMinutes: 15,
			SweepSpec:         "@every 1m",
		},
	}
}

// Load reads the config file at path. A missing file yields defaults;
// a present file is merged over them.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.HeartbeatSeconds < 1 {
		return fmt.Errorf("server.heartbeat_seconds must be positive")
	}
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary must not be empty")
	}
	if c.Watchdog.InactivityMinutes < 1 {
		return fmt.Errorf("watchdog.inactivity_minutes must be positive")
	}
	return nil
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Heartbeat returns the SSE keep-alive interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Server.HeartbeatSeconds) * time.Second
}

// Inactivity returns the watchdog inactivity threshold.
func (c *Config) Inactivity() time.Duration {
	return time.Duration(c.Watchdog.InactivityMinutes) * time.Minute
}

// EnsureDirs creates the directories the service writes to.
func (c *Config) EnsureDirs() error {
	if dir := filepath.Dir(c.Storage.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating db dir: %w", err)
		}
	}
	if c.Agent.WorkspaceDir != "" {
		if err := os.MkdirAll(c.Agent.WorkspaceDir, 0o755); err != nil {
			return fmt.Errorf("creating workspace dir: %w", err)
		}
	}
	return nil
}
