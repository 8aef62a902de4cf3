package world

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/agentworld/internal/llm"
	"github.com/haasonsaas/agentworld/internal/llmqueue"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/internal/storage"
)

type managerDeps struct {
	store     *storage.Store
	providers *llm.Registry
	queue     *llmqueue.Queue
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Manager loads and unloads worlds. Loaded worlds share the storage facade,
// the provider registry, and the LLM queue; everything else is per world.
type Manager struct {
	deps managerDeps

	mu     sync.Mutex
	worlds map[string]*Runtime
}

// NewManager creates a manager.
func NewManager(store *storage.Store, providers *llm.Registry, queue *llmqueue.Queue, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps: managerDeps{
			store:     store,
			providers: providers,
			queue:     queue,
			logger:    logger,
			metrics:   metrics,
		},
		worlds: make(map[string]*Runtime),
	}
}

// Subscribe loads a world by id, attaching persistence and agent
// subscribers. A world already loaded is returned as is.
func (m *Manager) Subscribe(ctx context.Context, worldID string, opts Options) (*Runtime, error) {
	m.mu.Lock()
	if rt, ok := m.worlds[worldID]; ok {
		m.mu.Unlock()
		return rt, nil
	}
	m.mu.Unlock()

	world, err := m.deps.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("load world %s: %w", worldID, err)
	}
	rt, err := load(ctx, m.deps, world, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.worlds[worldID]; ok {
		// Lost the race; keep the first load.
		rt.Close()
		return existing, nil
	}
	m.worlds[worldID] = rt
	m.deps.logger.Info("world subscribed", "worldId", worldID, "agents", len(rt.AgentIDs()))
	return rt, nil
}

// Get returns a loaded world.
func (m *Manager) Get(worldID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.worlds[worldID]
	return rt, ok
}

// Unsubscribe detaches a loaded world's subscribers and drops it.
func (m *Manager) Unsubscribe(worldID string) {
	m.mu.Lock()
	rt, ok := m.worlds[worldID]
	delete(m.worlds, worldID)
	m.mu.Unlock()
	if ok {
		rt.Close()
		m.deps.logger.Info("world unsubscribed", "worldId", worldID)
	}
}

// DeleteWorld unloads a world and removes it with all agents, chats, and
// events.
func (m *Manager) DeleteWorld(ctx context.Context, worldID string) error {
	m.Unsubscribe(worldID)
	return m.deps.store.DeleteWorld(ctx, worldID)
}

// Close unloads every world.
func (m *Manager) Close() {
	m.mu.Lock()
	worlds := m.worlds
	m.worlds = make(map[string]*Runtime)
	m.mu.Unlock()
	for id, rt := range worlds {
		rt.Close()
		m.deps.logger.Info("world unsubscribed", "worldId", id)
	}
}
