package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path == "" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.World.TurnLimit != 3 {
		t.Errorf("TurnLimit = %d, want 3", cfg.World.TurnLimit)
	}
}

func TestLoad_FileOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/worlds.db")
	path := writeConfig(t, `
storage:
  backend: sqlite
  path: ${TEST_DB_PATH}
  sync_events: true
world:
  turn_limit: 5
  title_provider: openai
  title_model: gpt-4o-mini
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Path != "/tmp/worlds.db" || !cfg.Storage.SyncEvents {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.World.TurnLimit != 5 || cfg.World.TitleModel != "gpt-4o-mini" {
		t.Errorf("World = %+v", cfg.World)
	}
}

func TestLoad_ProviderKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Providers["openai"].APIKey != "sk-test" {
		t.Errorf("openai key = %q", cfg.LLM.Providers["openai"].APIKey)
	}
}

func TestLoad_ConfigKeyWinsOverEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	path := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Providers["anthropic"].APIKey != "from-file" {
		t.Errorf("anthropic key = %q", cfg.LLM.Providers["anthropic"].APIKey)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "storage:\n  backend: etcd\n"},
		{"sqlite without path", "storage:\n  backend: sqlite\n  path: \"\"\n"},
		{"postgres without url", "storage:\n  backend: postgres\n"},
		{"bad log level", "storage:\n  backend: memory\nlogging:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}
