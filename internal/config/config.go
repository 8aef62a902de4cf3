// Package config loads the runtime configuration from YAML with environment
// expansion and env-var fallbacks for provider credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentworld/internal/mention"
)

// Config is the root configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	LLM     LLMConfig     `yaml:"llm"`
	World   WorldConfig   `yaml:"world"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is "memory", "sqlite", or "postgres".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// URL is the postgres connection string.
	URL string `yaml:"url"`

	// SyncEvents persists bus events synchronously. Slower, deterministic.
	SyncEvents bool `yaml:"sync_events"`
}

// LLMConfig configures providers.
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds one provider's credentials and default model.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

// WorldConfig tunes per-world runtime behavior.
type WorldConfig struct {
	// TurnLimit caps consecutive same-agent responses in one thread.
	TurnLimit int `yaml:"turn_limit"`

	// TitleProvider and TitleModel drive automatic chat titling. Empty
	// provider disables it.
	TitleProvider string `yaml:"title_provider"`
	TitleModel    string `yaml:"title_model"`

	// ShellSweepInterval is how often terminal shell executions are pruned.
	ShellSweepInterval time.Duration `yaml:"shell_sweep_interval"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "agentworld.db",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers:       map[string]ProviderConfig{},
		},
		World: WorldConfig{
			TurnLimit:          mention.DefaultTurnLimit,
			ShellSweepInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file. Environment references ($VAR, ${VAR}) are
// expanded before parsing; an empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills missing provider credentials from conventional env vars.
func (c *Config) applyEnv() {
	if c.LLM.Providers == nil {
		c.LLM.Providers = map[string]ProviderConfig{}
	}
	for name, envVar := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	} {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		p := c.LLM.Providers[name]
		if p.APIKey == "" {
			p.APIKey = key
			c.LLM.Providers[name] = p
		}
	}
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.World.TurnLimit < 0 {
		return fmt.Errorf("world.turn_limit must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}
