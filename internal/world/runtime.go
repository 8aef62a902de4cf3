// Package world hosts loaded worlds: each Runtime owns the world's event
// bus, activity tracker, persistence subscriber, tool registry, approval
// cache, and the per-agent message subscribers, and exposes the boundary API
// transports call.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentworld/internal/activity"
	"github.com/haasonsaas/agentworld/internal/approval"
	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/internal/envelope"
	"github.com/haasonsaas/agentworld/internal/events"
	"github.com/haasonsaas/agentworld/internal/llm"
	"github.com/haasonsaas/agentworld/internal/llmqueue"
	"github.com/haasonsaas/agentworld/internal/mention"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/internal/orchestrator"
	"github.com/haasonsaas/agentworld/internal/storage"
	"github.com/haasonsaas/agentworld/internal/titles"
	"github.com/haasonsaas/agentworld/internal/tools"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// Options tunes how a world is loaded.
type Options struct {
	// SyncEvents selects synchronous event persistence. Tests need it for
	// determinism; interactive use defaults to async.
	SyncEvents bool

	// TurnLimit caps consecutive same-agent responses in a thread.
	// Zero selects mention.DefaultTurnLimit.
	TurnLimit int

	// TitleProvider and TitleModel select the LLM for chat titling. Empty
	// values disable titling.
	TitleProvider string
	TitleModel    string

	// ShellSweepInterval controls retention pruning of shell executions.
	// Zero keeps the store default.
	ShellSweepInterval time.Duration
}

// Runtime is one loaded world.
type Runtime struct {
	worldID string

	store     *storage.Store
	b         *bus.Bus
	tracker   *activity.Tracker
	persister *events.Persister
	approvals *approval.Cache
	queue     *llmqueue.Queue
	providers *llm.Registry
	tools     *tools.Registry
	shell     *tools.ShellStore
	orch      *orchestrator.Orchestrator

	logger  *slog.Logger
	metrics *observability.Metrics

	turnLimit     int
	titleDetach   func()

	mu     sync.RWMutex
	world  *models.World
	agents map[string]*agentHandle
	closed bool
}

// load assembles a runtime for a stored world and subscribes its agents.
func load(ctx context.Context, deps managerDeps, world *models.World, opts Options) (*Runtime, error) {
	logger := deps.logger.With("worldId", world.ID)
	b := bus.New(logger)

	mode := events.ModeAsync
	if opts.SyncEvents {
		mode = events.ModeSync
	}
	persister := events.NewPersister(deps.store, world.ID, mode, logger).WithMetrics(deps.metrics)
	persister.Attach(b)

	shellStore := tools.NewShellStore(logger)
	if err := shellStore.StartSweeper(opts.ShellSweepInterval); err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(logger).WithMetrics(deps.metrics)
	for _, tool := range []tools.Tool{
		tools.EchoTool{},
		tools.TimeTool{},
		tools.HITLTool{},
		tools.NewShellTool(shellStore, b, world.ID, logger),
	} {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}

	rt := &Runtime{
		worldID:   world.ID,
		store:     deps.store,
		b:         b,
		persister: persister,
		approvals: approval.NewCache(),
		queue:     deps.queue,
		providers: deps.providers,
		tools:     registry,
		shell:     shellStore,
		logger:    logger,
		metrics:   deps.metrics,
		turnLimit: opts.TurnLimit,
		world:     world,
		agents:    make(map[string]*agentHandle),
	}
	rt.tracker = activity.New(b, world.ID, logger).WithMetrics(deps.metrics).WithQueue(deps.queue)
	rt.orch = orchestrator.New(orchestrator.Config{
		WorldID:   world.ID,
		Bus:       b,
		Providers: deps.providers,
		Tools:     registry,
		Approvals: rt.approvals,
		Variables: rt.Variables,
		Logger:    logger,
		Metrics:   deps.metrics,
	})

	if opts.TitleProvider != "" {
		titleSub := titles.New(titles.Config{
			WorldID:       world.ID,
			Store:         deps.store,
			Providers:     deps.providers,
			Queue:         deps.queue,
			CurrentChatID: rt.CurrentChatID,
			Provider:      opts.TitleProvider,
			Model:         opts.TitleModel,
			Logger:        logger,
			Metrics:       deps.metrics,
		})
		rt.titleDetach = titleSub.Attach(b)
	}

	agents, err := deps.store.ListAgents(ctx, world.ID)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("list agents for world %s: %w", world.ID, err)
	}
	for _, agent := range agents {
		rt.attachAgent(agent)
	}
	return rt, nil
}

// Close detaches every subscriber and stops the world's background work.
// In-flight queue work is canceled per chat by the caller if needed.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	handles := make([]*agentHandle, 0, len(rt.agents))
	for _, h := range rt.agents {
		handles = append(handles, h)
	}
	rt.agents = make(map[string]*agentHandle)
	rt.mu.Unlock()

	for _, h := range handles {
		h.detach()
	}
	if rt.titleDetach != nil {
		rt.titleDetach()
	}
	rt.shell.StopSweeper()
	rt.persister.Close()
}

// Bus exposes the world's event bus for transport subscriptions.
func (rt *Runtime) Bus() *bus.Bus { return rt.b }

// Tools exposes the world's tool registry.
func (rt *Runtime) Tools() *tools.Registry { return rt.tools }

// ShellExecutions exposes the shell execution store.
func (rt *Runtime) ShellExecutions() *tools.ShellStore { return rt.shell }

// World returns a copy of the world record.
func (rt *Runtime) World() models.World {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return *rt.world
}

// CurrentChatID returns the selected chat id.
func (rt *Runtime) CurrentChatID() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.world.CurrentChatID
}

// Variables returns the world's KEY=value text.
func (rt *Runtime) Variables() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.world.Variables
}

// IsProcessing reports whether any operation is in flight.
func (rt *Runtime) IsProcessing() bool { return rt.tracker.IsProcessing() }

// AgentIDs lists the loaded agents, sorted.
func (rt *Runtime) AgentIDs() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.agents))
	for id := range rt.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Agent returns a copy of a loaded agent's state.
func (rt *Runtime) Agent(id string) (*models.Agent, bool) {
	rt.mu.RLock()
	h, ok := rt.agents[id]
	rt.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return h.Agent(), true
}

// LoadAgent attaches a stored agent to the running world.
func (rt *Runtime) LoadAgent(ctx context.Context, agentID string) error {
	rt.mu.RLock()
	_, loaded := rt.agents[agentID]
	rt.mu.RUnlock()
	if loaded {
		return nil
	}
	agent, err := rt.store.LoadAgent(ctx, rt.worldID, agentID)
	if err != nil {
		return err
	}
	rt.attachAgent(agent)
	return nil
}

// UnloadAgent detaches an agent's subscriber; its stored state remains.
func (rt *Runtime) UnloadAgent(agentID string) {
	rt.mu.Lock()
	h, ok := rt.agents[agentID]
	delete(rt.agents, agentID)
	rt.mu.Unlock()
	if ok {
		h.detach()
	}
}

func (rt *Runtime) attachAgent(agent *models.Agent) {
	h := &agentHandle{rt: rt, agent: agent.Clone()}
	h.unsubscribe = rt.b.Subscribe(bus.ChannelMessage, h.onMessage)
	rt.mu.Lock()
	rt.agents[agent.ID] = h
	rt.mu.Unlock()
}

// CreateChat creates a chat and selects it.
func (rt *Runtime) CreateChat(ctx context.Context, title string) (*models.Chat, error) {
	chat := &models.Chat{WorldID: rt.worldID, Title: title}
	if err := rt.store.SaveChat(ctx, chat); err != nil {
		return nil, err
	}
	if err := rt.SetCurrentChat(ctx, chat.ID); err != nil {
		return nil, err
	}
	return chat, nil
}

// SetCurrentChat switches the selected chat and announces it on the system
// channel.
func (rt *Runtime) SetCurrentChat(ctx context.Context, chatID string) error {
	if _, err := rt.store.LoadChat(ctx, rt.worldID, chatID); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.world.CurrentChatID = chatID
	world := *rt.world
	rt.mu.Unlock()

	if err := rt.store.SaveWorld(ctx, &world); err != nil {
		return err
	}
	rt.b.Emit(bus.ChannelSystem, models.SystemEvent{
		Content:   "chat switched",
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		Timestamp: time.Now(),
	})
	return nil
}

// DeleteChat removes a chat, its events, and its approval cache entries.
func (rt *Runtime) DeleteChat(ctx context.Context, chatID string) error {
	rt.queue.CancelChat(rt.worldID, chatID)
	rt.approvals.Clear(chatID)
	if err := rt.store.DeleteChat(ctx, rt.worldID, chatID); err != nil {
		return err
	}
	rt.mu.Lock()
	if rt.world.CurrentChatID == chatID {
		rt.world.CurrentChatID = ""
	}
	rt.mu.Unlock()
	return nil
}

// PublishOptions scopes a published message.
type PublishOptions struct {
	// ChatID defaults to the world's current chat.
	ChatID string

	ReplyToMessageID string
}

// PublishMessage emits a message event on the world bus, applying routing
// injection: tool-result envelopes get a mention of their target agent, and
// unmentioned human messages get the world's main agent. Stored text is
// never mutated; injection happens at publish time.
func (rt *Runtime) PublishMessage(content, sender string, opts PublishOptions) models.MessageEvent {
	chatID := opts.ChatID
	if chatID == "" {
		chatID = rt.CurrentChatID()
	}

	published := content
	parsed := envelope.ParseMessageContent(content, models.RoleUser)
	if parsed.IsToolResult {
		if parsed.TargetAgentID != "" {
			published = mention.InjectMention(content, parsed.TargetAgentID)
		}
	} else if mention.IsHumanSender(sender) {
		if mainAgent := rt.World().MainAgent; mainAgent != "" {
			published = mention.InjectMention(content, mainAgent)
		}
	}

	ev := models.MessageEvent{
		Content:          published,
		Sender:           sender,
		MessageID:        uuid.NewString(),
		Timestamp:        time.Now(),
		ChatID:           chatID,
		ReplyToMessageID: opts.ReplyToMessageID,
	}
	senderKind := "agent"
	if mention.IsHumanSender(sender) {
		senderKind = "human"
	}
	rt.metrics.MessagePublished(rt.worldID, senderKind)
	rt.b.Emit(bus.ChannelMessage, ev)
	return ev
}

// PublishToolResult wraps a human decision in the tool-result envelope and
// publishes it for the owning agent.
func (rt *Runtime) PublishToolResult(agentID, toolCallID string, payload envelope.ResultPayload, opts PublishOptions) (models.MessageEvent, error) {
	body, err := envelope.EncodeToolResult(toolCallID, normalizeAgentID(agentID), payload)
	if err != nil {
		return models.MessageEvent{}, err
	}
	return rt.PublishMessage(body, models.SenderHuman, opts), nil
}

// StopStatus reports the outcome of StopMessage.
type StopStatus string

const (
	StopStatusStopped  StopStatus = "stopped"
	StopStatusNoActive StopStatus = "no-active-process"
)

// StopMessage cancels the running and pending work for a chat. Persisted
// partial output stays.
func (rt *Runtime) StopMessage(chatID string) StopStatus {
	if chatID == "" {
		chatID = rt.CurrentChatID()
	}
	if rt.queue.CancelChat(rt.worldID, chatID) {
		rt.logger.Info("chat stopped", "chatId", chatID)
		return StopStatusStopped
	}
	return StopStatusNoActive
}

// QueueStatus reports diagnostics for one chat lane.
func (rt *Runtime) QueueStatus(chatID string) llmqueue.Status {
	return rt.queue.Status(rt.worldID, chatID)
}

// dispatchTurn enqueues an orchestrator run for one agent. The subscriber
// never runs LLM work inline; activity brackets the queued unit.
func (rt *Runtime) dispatchTurn(h *agentHandle, trig orchestrator.Trigger, resume *resumeInfo) {
	agentID := h.agentID()
	rt.tracker.Begin(agentID)
	rt.queue.Submit(rt.worldID, trig.ChatID, func(ctx context.Context) {
		defer rt.tracker.End(agentID)
		if resume != nil {
			rt.orch.ResumeToolResult(ctx, h, trig, resume.sentinelID, resume.payload)
			return
		}
		rt.orch.RunTurn(ctx, h, trig)
	})
}

type resumeInfo struct {
	sentinelID string
	payload    envelope.ResultPayload
}

// emitSystem publishes a world-level notice.
func (rt *Runtime) emitSystem(content, chatID string) {
	rt.b.Emit(bus.ChannelSystem, models.SystemEvent{
		Content:   content,
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		Timestamp: time.Now(),
	})
}

// normalizeAgentID strips the mention sigil, tolerated in boundary input.
func normalizeAgentID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "@")
}
