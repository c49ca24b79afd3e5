package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.SocketDir != DefaultSocketDir || cfg.PollIntervalMs != DefaultPollIntervalMs {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argo.yaml")
	os.WriteFile(path, []byte(`
name: argo-hub
socket_dir: /run/argo
poll_interval_ms: 250
heartbeat_sec: 30
max_missed: 5
provider: claude
providers:
  claude:
    model: claude-sonnet-4
    api_key: test-key
    context_tokens: 200000
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "argo-hub" || cfg.SocketDir != "/run/argo" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.PollInterval().Milliseconds() != 250 {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.HeartbeatTimeout().Seconds() != 30 {
		t.Errorf("HeartbeatTimeout = %v", cfg.HeartbeatTimeout())
	}
	// Unset fields keep their defaults.
	if cfg.SnapshotPath != DefaultSnapshotPath {
		t.Errorf("SnapshotPath default lost: %s", cfg.SnapshotPath)
	}
	if cfg.Providers["claude"].Model != "claude-sonnet-4" {
		t.Errorf("provider config not parsed: %+v", cfg.Providers)
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("ARGO_TEST_KEY", "sk-secret")

	path := filepath.Join(t.TempDir(), "argo.yaml")
	os.WriteFile(path, []byte(`
name: argo
provider: claude
providers:
  claude:
    model: claude-sonnet-4
    api_key: ${ARGO_TEST_KEY}
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers["claude"].APIKey != "sk-secret" {
		t.Errorf("env substitution failed: %q", cfg.Providers["claude"].APIKey)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"zero poll interval", func(c *Config) { c.PollIntervalMs = 0 }},
		{"negative heartbeat", func(c *Config) { c.HeartbeatSec = -1 }},
		{"zero max missed", func(c *Config) { c.MaxMissed = 0 }},
		{"bad base port", func(c *Config) { c.BasePort = 70000 }},
		{"undefined provider", func(c *Config) { c.Provider = "claude" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestContextTokens(t *testing.T) {
	cfg := Default()
	if got := cfg.ContextTokens(); got != DefaultContextTokens {
		t.Errorf("default ContextTokens = %d, want %d", got, DefaultContextTokens)
	}

	cfg.Provider = "claude"
	cfg.Providers["claude"] = ProviderCfg{Model: "claude-sonnet-4", ContextTokens: 200000}
	if got := cfg.ContextTokens(); got != 200000 {
		t.Errorf("provider ContextTokens = %d, want 200000", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicit missing config file should fail")
	}
}
