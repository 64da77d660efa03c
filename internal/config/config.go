package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sandrasocial/agent-bridge/internal/otel"
)

// FileSyncConfig controls the file sync registry and its watcher.
type FileSyncConfig struct {
	// WatchPaths lists files and directories tracked for fingerprint changes.
	WatchPaths []string `yaml:"watch_paths"`

	// RescanCron is a standard 5-field cron expression for periodic rescans.
	// Empty disables scheduled rescans (the fsnotify feed still runs).
	RescanCron string `yaml:"rescan_cron"`
}

// EngineConfig controls the execution engine's pacing and limits.
type EngineConfig struct {
	// PlanningDelayMs is the deliberate planning-phase pause. Default 1500.
	PlanningDelayMs int `yaml:"planning_delay_ms"`

	// ExecutionTimeoutSeconds bounds the executing phase. A task whose
	// implementation step never returns is forced to failed. Default 300.
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds"`

	// WorkspaceDir is where the implementation step materializes files.
	// Default: <home>/workspace.
	WorkspaceDir string `yaml:"workspace_dir"`
}

// MemoryConfig controls conversation context retention.
type MemoryConfig struct {
	// HistoryCap bounds per-conversation snapshot history. Default 20.
	HistoryCap int `yaml:"history_cap"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	Engine   EngineConfig   `yaml:"engine"`
	Memory   MemoryConfig   `yaml:"memory"`
	FileSync FileSyncConfig `yaml:"file_sync"`
	OTel     otel.Config    `yaml:"otel"`
}

// DefaultHomeDir returns ~/.agent-bridge, honoring AGENT_BRIDGE_HOME.
func DefaultHomeDir() string {
	if v := strings.TrimSpace(os.Getenv("AGENT_BRIDGE_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agent-bridge")
}

// Load reads config.yaml from the home directory, applies env overrides,
// and fills defaults. A missing config file yields pure defaults.
func Load() (*Config, error) {
	return LoadFrom(DefaultHomeDir())
}

func LoadFrom(homeDir string) (*Config, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.HomeDir = homeDir
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BRIDGE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("BRIDGE_HISTORY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Memory.HistoryCap = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8799"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Engine.PlanningDelayMs <= 0 {
		cfg.Engine.PlanningDelayMs = 1500
	}
	if cfg.Engine.ExecutionTimeoutSeconds <= 0 {
		cfg.Engine.ExecutionTimeoutSeconds = 300
	}
	if cfg.Engine.WorkspaceDir == "" {
		cfg.Engine.WorkspaceDir = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Memory.HistoryCap <= 0 {
		cfg.Memory.HistoryCap = 20
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "agent-bridge"
	}
}

// DBPath returns the sqlite database location for this home dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.HomeDir, "bridge.db")
}

// Fingerprint returns a stable hash of the effective configuration,
// surfaced in /health so operators can confirm what is loaded.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d|%v|%s",
		c.BindAddr, c.LogLevel,
		c.Engine.PlanningDelayMs, c.Engine.ExecutionTimeoutSeconds,
		c.Memory.HistoryCap,
		c.FileSync.WatchPaths, c.FileSync.RescanCron,
	)
	return fmt.Sprintf("%016x", h.Sum64())
}
