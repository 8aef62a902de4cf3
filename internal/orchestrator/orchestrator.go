// Package orchestrator runs one agent LLM turn: prompt resolution, memory
// filtering, streaming, tool dispatch, approval and human-intervention
// sentinels, and the auto-mention rule for agent-to-agent replies.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentworld/internal/approval"
	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/internal/envelope"
	"github.com/haasonsaas/agentworld/internal/llm"
	"github.com/haasonsaas/agentworld/internal/mention"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/internal/prompt"
	"github.com/haasonsaas/agentworld/internal/tools"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// maxTurnIterations bounds the tool-call/respond loop of one turn.
const maxTurnIterations = 10

// AgentSession is the orchestrator's serialized view of one agent. The world
// runtime implements it; all mutation goes through it so the agent is
// persisted as rows land.
type AgentSession interface {
	// Agent returns a deep copy of the current agent state.
	Agent() *models.Agent

	// Append adds rows to memory and persists. Persistence errors are
	// logged, never returned; an in-flight turn survives a storage hiccup.
	Append(ctx context.Context, rows ...models.ChatMessage)

	// SetToolCallStatus updates the status entry on the assistant row that
	// carries the tool call.
	SetToolCallStatus(ctx context.Context, toolCallID string, status models.ToolCallStatus)

	// RecordLLMCall bumps the call counter used for turn accounting.
	RecordLLMCall(ctx context.Context)
}

// Trigger identifies the message that started a turn.
type Trigger struct {
	Sender    string
	MessageID string
	ChatID    string
}

// Config assembles the collaborators for one world's orchestrator.
type Config struct {
	WorldID   string
	Bus       *bus.Bus
	Providers *llm.Registry
	Tools     *tools.Registry
	Approvals *approval.Cache

	// Variables returns the world's current KEY=value text for prompt
	// substitution. Read per turn so edits apply to the next call.
	Variables func() string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Orchestrator drives agent turns for one world.
type Orchestrator struct {
	worldID   string
	b         *bus.Bus
	providers *llm.Registry
	tools     *tools.Registry
	approvals *approval.Cache
	variables func() string
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	variables := cfg.Variables
	if variables == nil {
		variables = func() string { return "" }
	}
	return &Orchestrator{
		worldID:   cfg.WorldID,
		b:         cfg.Bus,
		providers: cfg.Providers,
		tools:     cfg.Tools,
		approvals: cfg.Approvals,
		variables: variables,
		logger:    logger.With("component", "orchestrator", "worldId", cfg.WorldID),
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer("agentworld/orchestrator"),
	}
}

// RunTurn executes the turn loop until the agent produces text, emits a
// sentinel awaiting a human, fails, or is canceled.
func (o *Orchestrator) RunTurn(ctx context.Context, sess AgentSession, trig Trigger) {
	agent := sess.Agent()
	ctx, span := o.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("agent.id", agent.ID),
			attribute.String("chat.id", trig.ChatID),
		))
	defer span.End()

	system := prompt.Resolve(agent.SystemPrompt, o.variables())

	for iteration := 0; iteration < maxTurnIterations; iteration++ {
		if ctx.Err() != nil {
			return
		}
		outcome := o.callLLM(ctx, sess, agent, system, trig)
		switch outcome {
		case turnContinue:
			agent = sess.Agent()
		case turnDone:
			return
		}
	}
	o.logger.Warn("turn iteration cap reached", "agentId", agent.ID, "chatId", trig.ChatID)
	o.emitSystem(fmt.Sprintf("agent %s stopped after %d tool iterations", agent.ID, maxTurnIterations), trig.ChatID)
}

type turnOutcome int

const (
	turnDone turnOutcome = iota
	turnContinue
)

// callLLM streams one completion and handles the resulting branch.
func (o *Orchestrator) callLLM(ctx context.Context, sess AgentSession, agent *models.Agent, system string, trig Trigger) turnOutcome {
	provider, err := o.providers.Get(agent.Provider)
	if err != nil {
		o.failTurn(agent, trig, "", err)
		return turnDone
	}

	req := &llm.Request{
		Model:       agent.Model,
		System:      system,
		Messages:    FilterForLLM(agent.Memory),
		Tools:       o.tools.Defs(),
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	}

	messageID := uuid.NewString()
	o.emitSSE(models.SSEEvent{
		AgentName: agent.ID,
		Type:      models.SSEStart,
		MessageID: messageID,
		ChatID:    trig.ChatID,
	})

	started := time.Now()
	sess.RecordLLMCall(ctx)
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		o.metrics.RecordLLMRequest(agent.Provider, agent.Model, "error", time.Since(started).Seconds(), 0, 0)
		o.failTurn(agent, trig, messageID, err)
		return turnDone
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	var usage models.Usage
	for chunk := range chunks {
		if chunk.Err != nil {
			if errors.Is(chunk.Err, context.Canceled) || ctx.Err() != nil {
				o.flushAborted(ctx, sess, agent, trig, messageID, text.String())
				return turnDone
			}
			o.metrics.RecordLLMRequest(agent.Provider, agent.Model, "error", time.Since(started).Seconds(), 0, 0)
			// Memory stays untouched: the assistant row is complete or absent.
			o.failTurn(agent, trig, messageID, chunk.Err)
			return turnDone
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			o.emitSSE(models.SSEEvent{
				AgentName: agent.ID,
				Type:      models.SSEChunk,
				Content:   chunk.Text,
				MessageID: messageID,
				ChatID:    trig.ChatID,
			})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage = models.Usage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
		}
	}
	if ctx.Err() != nil {
		o.flushAborted(ctx, sess, agent, trig, messageID, text.String())
		return turnDone
	}
	o.metrics.RecordLLMRequest(agent.Provider, agent.Model, "ok",
		time.Since(started).Seconds(), usage.InputTokens, usage.OutputTokens)

	if len(toolCalls) == 0 {
		o.finishText(ctx, sess, agent, trig, messageID, text.String(), usage)
		return turnDone
	}
	return o.handleToolCalls(ctx, sess, agent, trig, messageID, text.String(), toolCalls, usage)
}

// finishText persists the assistant row and publishes it with the
// auto-mention rule applied.
func (o *Orchestrator) finishText(ctx context.Context, sess AgentSession, agent *models.Agent, trig Trigger, messageID, text string, usage models.Usage) {
	now := time.Now()
	sess.Append(ctx, models.ChatMessage{
		Role:             models.RoleAssistant,
		Content:          text,
		Sender:           agent.ID,
		MessageID:        messageID,
		ReplyToMessageID: trig.MessageID,
		ChatID:           trig.ChatID,
		CreatedAt:        now,
	})
	o.emitSSE(models.SSEEvent{
		AgentName: agent.ID,
		Type:      models.SSEEnd,
		MessageID: messageID,
		ChatID:    trig.ChatID,
		Usage:     &usage,
	})

	published := text
	if trig.Sender != "" && !mention.IsHumanSender(trig.Sender) && !strings.EqualFold(trig.Sender, agent.ID) {
		if !mentionsSender(published, trig.Sender) {
			published = "@" + trig.Sender + ", " + published
		}
	}
	o.b.Emit(bus.ChannelMessage, models.MessageEvent{
		Content:          published,
		Sender:           agent.ID,
		MessageID:        messageID,
		Timestamp:        now,
		ChatID:           trig.ChatID,
		ReplyToMessageID: trig.MessageID,
	})
}

// handleToolCalls persists the assistant tool-call row and dispatches each
// call. Sentinel dispatches end the turn; executed calls loop back to the
// model.
func (o *Orchestrator) handleToolCalls(ctx context.Context, sess AgentSession, agent *models.Agent, trig Trigger, messageID, text string, calls []models.ToolCall, usage models.Usage) turnOutcome {
	status := make(map[string]models.ToolCallStatus, len(calls))
	for _, call := range calls {
		status[call.ID] = models.ToolCallStatus{}
	}
	now := time.Now()
	sess.Append(ctx, models.ChatMessage{
		Role:             models.RoleAssistant,
		Content:          text,
		Sender:           agent.ID,
		MessageID:        messageID,
		ReplyToMessageID: trig.MessageID,
		ChatID:           trig.ChatID,
		CreatedAt:        now,
		ToolCalls:        calls,
		ToolCallStatus:   status,
	})
	o.emitSSE(models.SSEEvent{
		AgentName: agent.ID,
		Type:      models.SSEEnd,
		MessageID: messageID,
		ChatID:    trig.ChatID,
		Usage:     &usage,
	})

	for _, call := range calls {
		if ctx.Err() != nil {
			return turnDone
		}
		approved := o.approvals.Get(trig.ChatID, call.Name)
		toolCtx := tools.WithInvocation(ctx, tools.Invocation{
			AgentName: agent.ID,
			MessageID: messageID,
			ChatID:    trig.ChatID,
		})
		d, err := o.tools.Dispatch(toolCtx, call, approved)
		if err != nil {
			o.appendToolResult(ctx, sess, agent, trig, messageID, call,
				&tools.Result{Content: fmt.Sprintf("tool dispatch failed: %v", err), IsError: true})
			continue
		}

		switch d.Kind {
		case tools.DispatchRequestHITL:
			o.emitSentinel(ctx, sess, agent, trig, envelope.NewHITLID(), envelope.ClientHumanIntervention, d.HITL)
			return turnDone

		case tools.DispatchRequestApproval:
			o.emitSentinel(ctx, sess, agent, trig, envelope.NewApprovalID(), envelope.ClientRequestApproval, d.Approval)
			return turnDone

		case tools.DispatchExecute:
			o.appendToolResult(ctx, sess, agent, trig, messageID, call, d.Result)
		}
	}
	return turnContinue
}

// emitSentinel appends a client-side sentinel assistant row and publishes it
// so the transport can surface the request to a human. The turn then waits
// for a tool-result envelope.
func (o *Orchestrator) emitSentinel(ctx context.Context, sess AgentSession, agent *models.Agent, trig Trigger, sentinelID, clientTool string, args any) {
	payload, err := json.Marshal(args)
	if err != nil {
		o.logger.Error("marshal sentinel arguments", "error", err, "tool", clientTool)
		return
	}
	sentinel := models.ToolCall{ID: sentinelID, Name: clientTool, Arguments: string(payload)}

	sentinelMessageID := uuid.NewString()
	now := time.Now()
	sess.Append(ctx, models.ChatMessage{
		Role:             models.RoleAssistant,
		Sender:           agent.ID,
		MessageID:        sentinelMessageID,
		ReplyToMessageID: trig.MessageID,
		ChatID:           trig.ChatID,
		CreatedAt:        now,
		ToolCalls:        []models.ToolCall{sentinel},
		ToolCallStatus:   map[string]models.ToolCallStatus{sentinelID: {}},
	})
	o.b.Emit(bus.ChannelMessage, models.MessageEvent{
		Content:          string(payload),
		Sender:           agent.ID,
		MessageID:        sentinelMessageID,
		Timestamp:        now,
		ChatID:           trig.ChatID,
		ReplyToMessageID: trig.MessageID,
	})
	o.logger.Info("sentinel emitted", "tool", clientTool, "sentinelId", sentinelID, "agentId", agent.ID)
}

// appendToolResult emits tool lifecycle events and writes the tool row.
func (o *Orchestrator) appendToolResult(ctx context.Context, sess AgentSession, agent *models.Agent, trig Trigger, messageID string, call models.ToolCall, result *tools.Result) {
	info := models.ToolExecutionInfo{ToolName: call.Name, Args: call.Arguments}
	o.b.Emit(bus.ChannelWorld, models.ToolEvent{
		AgentName:     agent.ID,
		Type:          models.ToolStart,
		MessageID:     messageID,
		ChatID:        trig.ChatID,
		ToolExecution: info,
	})

	eventType := models.ToolResult
	if result.IsError {
		eventType = models.ToolError
	}
	info.Result = result.Content
	o.b.Emit(bus.ChannelWorld, models.ToolEvent{
		AgentName:     agent.ID,
		Type:          eventType,
		MessageID:     messageID,
		ChatID:        trig.ChatID,
		ToolExecution: info,
	})

	o.appendToolRow(ctx, sess, agent, trig, call.ID, result.Content)
}

// appendToolRow writes a tool row and marks the originating call complete,
// with no tool lifecycle events.
func (o *Orchestrator) appendToolRow(ctx context.Context, sess AgentSession, agent *models.Agent, trig Trigger, toolCallID, content string) {
	sess.Append(ctx, models.ChatMessage{
		Role:       models.RoleTool,
		Content:    content,
		Sender:     agent.ID,
		ChatID:     trig.ChatID,
		CreatedAt:  time.Now(),
		ToolCallID: toolCallID,
	})
	sess.SetToolCallStatus(ctx, toolCallID, models.ToolCallStatus{Complete: true, Result: content})
}

// flushAborted persists whatever streamed before cancellation and closes the
// stream with an aborted end frame.
func (o *Orchestrator) flushAborted(ctx context.Context, sess AgentSession, agent *models.Agent, trig Trigger, messageID, partial string) {
	if partial != "" {
		// Persist under a background context: the turn context is the one
		// that was just canceled.
		sess.Append(context.WithoutCancel(ctx), models.ChatMessage{
			Role:             models.RoleAssistant,
			Content:          partial,
			Sender:           agent.ID,
			MessageID:        messageID,
			ReplyToMessageID: trig.MessageID,
			ChatID:           trig.ChatID,
			CreatedAt:        time.Now(),
		})
	}
	o.emitSSE(models.SSEEvent{
		AgentName: agent.ID,
		Type:      models.SSEEnd,
		MessageID: messageID,
		ChatID:    trig.ChatID,
		Aborted:   true,
	})
	o.logger.Info("turn aborted", "agentId", agent.ID, "chatId", trig.ChatID)
}

// failTurn reports an LLM failure on both the sse and system channels.
func (o *Orchestrator) failTurn(agent *models.Agent, trig Trigger, messageID string, err error) {
	o.logger.Error("llm turn failed", "agentId", agent.ID, "chatId", trig.ChatID, "error", err)
	o.metrics.RecordError("orchestrator", "llm")
	o.emitSSE(models.SSEEvent{
		AgentName: agent.ID,
		Type:      models.SSEError,
		Error:     err.Error(),
		MessageID: messageID,
		ChatID:    trig.ChatID,
	})
	o.emitSystem(fmt.Sprintf("agent %s failed: %v", agent.ID, err), trig.ChatID)
}

func (o *Orchestrator) emitSSE(ev models.SSEEvent) {
	o.b.Emit(bus.ChannelSSE, ev)
}

func (o *Orchestrator) emitSystem(content, chatID string) {
	o.b.Emit(bus.ChannelSystem, models.SystemEvent{
		Content:   content,
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		Timestamp: time.Now(),
	})
}

// mentionsSender reports whether text opens any paragraph with a mention of
// sender.
func mentionsSender(text, sender string) bool {
	for _, m := range mention.ExtractParagraphBeginningMentions(text) {
		if strings.EqualFold(m, sender) {
			return true
		}
	}
	return false
}

// FilterForLLM converts agent memory to provider input, hiding the
// client-side control traffic: assistant rows whose calls are all client.*
// are dropped, client.* entries are stripped from mixed rows, and sentinel
// tool rows are removed.
func FilterForLLM(memory []models.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(memory))
	for _, row := range memory {
		switch row.Role {
		case models.RoleTool:
			if envelope.IsSentinelID(row.ToolCallID) {
				continue
			}
			out = append(out, llm.Message{
				Role:       models.RoleTool,
				Content:    row.Content,
				ToolCallID: row.ToolCallID,
			})

		case models.RoleAssistant:
			kept := make([]models.ToolCall, 0, len(row.ToolCalls))
			for _, tc := range row.ToolCalls {
				if !envelope.IsClientTool(tc.Name) {
					kept = append(kept, tc)
				}
			}
			if len(row.ToolCalls) > 0 && len(kept) == 0 {
				continue
			}
			out = append(out, llm.Message{
				Role:      models.RoleAssistant,
				Content:   row.Content,
				ToolCalls: kept,
			})

		default:
			out = append(out, llm.Message{Role: row.Role, Content: row.Content})
		}
	}
	return out
}
