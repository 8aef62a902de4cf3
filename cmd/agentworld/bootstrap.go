package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/agentworld/internal/config"
	"github.com/haasonsaas/agentworld/internal/llm"
	"github.com/haasonsaas/agentworld/internal/llmqueue"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/internal/storage"
	"github.com/haasonsaas/agentworld/internal/world"
)

// env bundles the process-wide collaborators behind the CLI commands.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *storage.Store
	providers *llm.Registry
	queue     *llmqueue.Queue
	metrics   *observability.Metrics
	manager   *world.Manager
}

func newEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	backend, err := openBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	store := storage.New(backend, logger)

	providers := llm.NewRegistry()
	if p, ok := cfg.LLM.Providers["openai"]; ok && p.APIKey != "" {
		providers.Register(llm.NewOpenAIProvider(p.APIKey))
	}
	if p, ok := cfg.LLM.Providers["anthropic"]; ok && p.APIKey != "" {
		providers.Register(llm.NewAnthropicProvider(p.APIKey))
	}

	metrics := observability.NewMetrics()
	queue := llmqueue.New(logger).WithMetrics(metrics)
	manager := world.NewManager(store, providers, queue, logger, metrics)

	return &env{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		providers: providers,
		queue:     queue,
		metrics:   metrics,
		manager:   manager,
	}, nil
}

func (e *env) worldOptions() world.Options {
	return world.Options{
		SyncEvents:         e.cfg.Storage.SyncEvents,
		TurnLimit:          e.cfg.World.TurnLimit,
		TitleProvider:      e.cfg.World.TitleProvider,
		TitleModel:         e.cfg.World.TitleModel,
		ShellSweepInterval: e.cfg.World.ShellSweepInterval,
	}
}

func (e *env) Close() {
	e.manager.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("close store", "error", err)
	}
}

func openBackend(cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "memory":
		return storage.NewMemoryBackend(), nil
	case "sqlite":
		return storage.NewSQLiteBackend(cfg.Storage.Path, logger)
	case "postgres":
		return storage.NewPostgresBackend(cfg.Storage.URL, storage.DefaultPostgresConfig(), logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
