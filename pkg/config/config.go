// Package config provides YAML configuration loading for the argo
// daemon: defaults, environment variable substitution, and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file omits a field or no file is given.
const (
	DefaultSocketDir        = "/tmp"
	DefaultSnapshotPath     = "argo_registry.json"
	DefaultEventLogDir      = "logs"
	DefaultMemoryPath       = "argo_memory.db"
	DefaultPollIntervalMs   = 100
	DefaultHeartbeatSec     = 60
	DefaultMaxMissed        = 3
	DefaultMetricsAddr      = ""
	DefaultProvider         = "mock"
	DefaultContextTokens    = 8192
)

// ProviderCfg configures one AI provider backend.
type ProviderCfg struct {
	Model         string `yaml:"model"`
	APIKey        string `yaml:"api_key"`
	Host          string `yaml:"host"`           // ollama only
	ContextTokens int    `yaml:"context_tokens"` // model context limit
}

// Config is the daemon configuration.
type Config struct {
	Name           string                 `yaml:"name"`             // daemon CI identity
	SocketDir      string                 `yaml:"socket_dir"`       // per-CI socket files
	SnapshotPath   string                 `yaml:"snapshot_path"`    // registry snapshot
	EventLogDir    string                 `yaml:"event_log_dir"`    // JSONL audit trail
	MemoryPath     string                 `yaml:"memory_path"`      // working-memory SQLite file
	PollIntervalMs int                    `yaml:"poll_interval_ms"` // event loop cadence
	HeartbeatSec   int                    `yaml:"heartbeat_sec"`    // staleness timeout
	MaxMissed      int                    `yaml:"max_missed"`       // heartbeats before ERROR
	MetricsAddr    string                 `yaml:"metrics_addr"`     // empty disables /metrics
	BasePort       int                    `yaml:"base_port"`        // role port ranges start here
	Provider       string                 `yaml:"provider"`         // default provider name
	Providers      map[string]ProviderCfg `yaml:"providers"`
	Debug          bool                   `yaml:"debug"`
	DebugDomains   []string               `yaml:"debug_domains"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Name:           "argo",
		SocketDir:      DefaultSocketDir,
		SnapshotPath:   DefaultSnapshotPath,
		EventLogDir:    DefaultEventLogDir,
		MemoryPath:     DefaultMemoryPath,
		PollIntervalMs: DefaultPollIntervalMs,
		HeartbeatSec:   DefaultHeartbeatSec,
		MaxMissed:      DefaultMaxMissed,
		MetricsAddr:    DefaultMetricsAddr,
		BasePort:       9000,
		Provider:       DefaultProvider,
		Providers:      map[string]ProviderCfg{},
	}
}

// envPattern matches ${VAR} references in config values.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} references with environment values.
// Unset variables substitute to the empty string.
func substituteEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(substituteEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("config: poll_interval_ms must be positive, got %d", c.PollIntervalMs)
	}
	if c.HeartbeatSec <= 0 {
		return fmt.Errorf("config: heartbeat_sec must be positive, got %d", c.HeartbeatSec)
	}
	if c.MaxMissed <= 0 {
		return fmt.Errorf("config: max_missed must be positive, got %d", c.MaxMissed)
	}
	if c.BasePort <= 0 || c.BasePort > 65485 {
		return fmt.Errorf("config: base_port %d out of range", c.BasePort)
	}
	if c.Provider != "" {
		if _, ok := c.Providers[c.Provider]; !ok && c.Provider != DefaultProvider {
			return fmt.Errorf("config: default provider %q not defined in providers", c.Provider)
		}
	}
	return nil
}

// ContextTokens returns the context window of the default provider,
// falling back to DefaultContextTokens when unset.
func (c *Config) ContextTokens() int {
	if pc, ok := c.Providers[c.Provider]; ok && pc.ContextTokens > 0 {
		return pc.ContextTokens
	}
	return DefaultContextTokens
}

// PollInterval returns the event loop cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the heartbeat staleness cutoff.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}
