package config

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/tmp/workspace", cfg.WorkspaceDir)
	assert.Equal(t, ModeAskBeforeEdits, cfg.AgentMode)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "global.anthropic.claude-haiku-4-5-20251001-v1:0", cfg.ModelID)
	assert.Equal(t, 8080, cfg.Port)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envFrom(map[string]string{
		"WORKSPACE_DIR":      "/work",
		"AGENT_MODE":         "auto",
		"AWS_DEFAULT_REGION": "eu-west-1",
		"AWS_REGION":         "us-west-2",
		"MODEL_ID":           "m",
		"PORT":               "9000",
		"ALLOWED_COMMANDS":   "^ls$, ^go test",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/work", cfg.WorkspaceDir)
	assert.Equal(t, ModeAuto, cfg.AgentMode)
	assert.Equal(t, "us-west-2", cfg.Region)
	assert.Equal(t, "m", cfg.ModelID)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"^ls$", "^go test"}, cfg.AllowedCommands)
}

func TestApplyEnvRegionFallback(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(envFrom(map[string]string{"AWS_DEFAULT_REGION": "eu-west-1"})))
	assert.Equal(t, "eu-west-1", cfg.Region)
}

func TestApplyEnvBadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envFrom(map[string]string{"MAX_TOKENS": "lots"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_TOKENS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad mode", func(c *Config) { c.AgentMode = "yolo" }, "unknown agent mode"},
		{"bad provider", func(c *Config) { c.Provider = "llama" }, "unknown llm provider"},
		{"empty workspace", func(c *Config) { c.WorkspaceDir = "" }, "workspace dir"},
		{"bad port", func(c *Config) { c.Port = 0 }, "invalid port"},
		{"zero tokens", func(c *Config) { c.MaxTokens = 0 }, "max tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestForConnection(t *testing.T) {
	base := Default()
	base.AllowedCommands = []string{"^ls$"}

	cfg, err := base.ForConnection(url.Values{"workspace_dir": {"/other"}, "mode": {"auto"}})
	require.NoError(t, err)
	assert.Equal(t, "/other", cfg.WorkspaceDir)
	assert.Equal(t, ModeAuto, cfg.AgentMode)

	cfg.AllowedCommands[0] = "changed"
	assert.Equal(t, "^ls$", base.AllowedCommands[0], "copy must not alias the base config")
	assert.Equal(t, DefaultWorkspaceDir, base.WorkspaceDir)

	same, err := base.ForConnection(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, base.WorkspaceDir, same.WorkspaceDir)

	_, err = base.ForConnection(url.Values{"mode": {"reckless"}})
	require.Error(t, err)
}

func TestLoadFromYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace_dir: /from/yaml
agent_mode: auto
allowed_commands: ["^ls"]
filesystem_access:
  hidden: [".env"]
`), 0o644))

	t.Setenv("AGENTCORE_CONFIG", path)
	t.Setenv("WORKSPACE_DIR", "/from/env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.WorkspaceDir)
	assert.Equal(t, ModeAuto, cfg.AgentMode)
	assert.Equal(t, []string{"^ls"}, cfg.AllowedCommands)
	assert.Equal(t, []string{".env"}, cfg.FilesystemAccess.Hidden)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("AGENTCORE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestEnsureWorkspace(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceDir = filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, cfg.EnsureWorkspace())
	info, err := os.Stat(cfg.WorkspaceDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	require.NoError(t, cfg.EnsureWorkspace())
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.LogLevel = "nonsense"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
