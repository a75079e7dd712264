// Package config resolves the agent configuration from built-in defaults, an
// optional YAML file and the process environment, in that order.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/3coins/acp-agentcore-poc/errors"
	"gopkg.in/yaml.v3"
)

const (
	ModeAskBeforeEdits = "ask_before_edits"
	ModeAuto           = "auto"
)

const (
	DefaultWorkspaceDir = "/tmp/workspace"
	DefaultRegion       = "us-east-1"
	DefaultModelID      = "global.anthropic.claude-haiku-4-5-20251001-v1:0"
	DefaultProvider     = "bedrock"
	DefaultPort         = 8080
	DefaultMaxTokens    = 4096
	DefaultMaxTurns     = 50
	DefaultConfigFile   = "agentcore.yaml"
)

var providers = []string{"bedrock", "anthropic", "openai", "gemini", "mock"}

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type Config struct {
	WorkspaceDir     string           `yaml:"workspace_dir"`
	AgentMode        string           `yaml:"agent_mode"`
	Region           string           `yaml:"region"`
	ModelID          string           `yaml:"model_id"`
	Provider         string           `yaml:"provider"`
	Port             int              `yaml:"port"`
	LogLevel         string           `yaml:"log_level"`
	CheckpointDB     string           `yaml:"checkpoint_db"`
	MaxTokens        int              `yaml:"max_tokens"`
	MaxTurns         int              `yaml:"max_turns"`
	SystemPrompt     string           `yaml:"system_prompt"`
	// AllowedCommands are regexps that must match the whole command line.
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkspaceDir: DefaultWorkspaceDir,
		AgentMode:    ModeAskBeforeEdits,
		Region:       DefaultRegion,
		ModelID:      DefaultModelID,
		Provider:     DefaultProvider,
		Port:         DefaultPort,
		LogLevel:     "info",
		MaxTokens:    DefaultMaxTokens,
		MaxTurns:     DefaultMaxTurns,
	}
}

// Load builds the process configuration. The YAML file named by
// AGENTCORE_CONFIG is required to exist when set; the default file is
// optional.
func Load() (*Config, error) {
	cfg := Default()

	path, explicit := os.LookupEnv("AGENTCORE_CONFIG")
	if !explicit {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config file %s", path)
		}
	} else if explicit {
		return nil, errors.Wrapf(err, "config file %s", path)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		*dst = n
		return nil
	}

	str("WORKSPACE_DIR", &c.WorkspaceDir)
	str("AGENT_MODE", &c.AgentMode)
	str("AWS_DEFAULT_REGION", &c.Region)
	str("AWS_REGION", &c.Region)
	str("MODEL_ID", &c.ModelID)
	str("LLM_PROVIDER", &c.Provider)
	str("LOG_LEVEL", &c.LogLevel)
	str("CHECKPOINT_DB", &c.CheckpointDB)
	str("SYSTEM_PROMPT", &c.SystemPrompt)
	if v, ok := lookup("ALLOWED_COMMANDS"); ok && v != "" {
		c.AllowedCommands = splitList(v)
	}
	for key, dst := range map[string]*int{"PORT": &c.Port, "MAX_TOKENS": &c.MaxTokens, "MAX_TURNS": &c.MaxTurns} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects unknown modes and providers and non-positive limits.
func (c *Config) Validate() error {
	if !ValidMode(c.AgentMode) {
		return errors.New("unknown agent mode %q (want %s or %s)", c.AgentMode, ModeAskBeforeEdits, ModeAuto)
	}
	known := false
	for _, p := range providers {
		if p == c.Provider {
			known = true
			break
		}
	}
	if !known {
		return errors.New("unknown llm provider %q (want one of %s)", c.Provider, strings.Join(providers, ", "))
	}
	if c.WorkspaceDir == "" {
		return errors.New("workspace dir must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port %d", c.Port)
	}
	if c.MaxTokens <= 0 {
		return errors.New("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.MaxTurns <= 0 {
		return errors.New("max turns must be positive, got %d", c.MaxTurns)
	}
	return nil
}

func ValidMode(mode string) bool {
	return mode == ModeAskBeforeEdits || mode == ModeAuto
}

// ForConnection returns a copy of c with the workspace_dir and mode query
// parameters applied. An unknown mode in the query is an error.
func (c *Config) ForConnection(query url.Values) (*Config, error) {
	out := *c
	out.AllowedCommands = append([]string(nil), c.AllowedCommands...)
	out.FilesystemAccess.Hidden = append([]string(nil), c.FilesystemAccess.Hidden...)
	out.FilesystemAccess.ReadOnly = append([]string(nil), c.FilesystemAccess.ReadOnly...)

	if dir := query.Get("workspace_dir"); dir != "" {
		out.WorkspaceDir = dir
	}
	if mode := query.Get("mode"); mode != "" {
		if !ValidMode(mode) {
			return nil, errors.New("unknown agent mode %q", mode)
		}
		out.AgentMode = mode
	}
	return &out, nil
}

// EnsureWorkspace creates the workspace directory if it does not exist.
func (c *Config) EnsureWorkspace() error {
	if err := os.MkdirAll(c.WorkspaceDir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create workspace %s", c.WorkspaceDir)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
