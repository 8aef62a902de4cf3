package world

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentworld/internal/envelope"
	"github.com/haasonsaas/agentworld/internal/mention"
	"github.com/haasonsaas/agentworld/internal/orchestrator"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// agentHandle is one loaded agent: its live state, its message subscription,
// and the serialized mutation surface the orchestrator works through.
type agentHandle struct {
	rt          *Runtime
	unsubscribe func()

	mu    sync.Mutex
	agent *models.Agent
}

func (h *agentHandle) agentID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agent.ID
}

func (h *agentHandle) detach() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

// Agent returns a deep copy of the current agent state.
func (h *agentHandle) Agent() *models.Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agent.Clone()
}

// Append adds rows to memory and persists. Storage errors are logged; an
// in-flight turn never aborts on a persistence failure.
func (h *agentHandle) Append(ctx context.Context, rows ...models.ChatMessage) {
	h.mu.Lock()
	h.agent.Memory = append(h.agent.Memory, rows...)
	h.persistLocked(ctx)
	h.mu.Unlock()
}

// SetToolCallStatus marks a call complete on the assistant row carrying it.
func (h *agentHandle) SetToolCallStatus(ctx context.Context, toolCallID string, status models.ToolCallStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.agent.Memory) - 1; i >= 0; i-- {
		row := &h.agent.Memory[i]
		if row.Role != models.RoleAssistant || !row.HasToolCall(toolCallID) {
			continue
		}
		if row.ToolCallStatus == nil {
			row.ToolCallStatus = make(map[string]models.ToolCallStatus)
		}
		row.ToolCallStatus[toolCallID] = status
		h.persistLocked(ctx)
		return
	}
	h.rt.logger.Warn("tool call status for unknown call", "toolCallId", toolCallID, "agentId", h.agent.ID)
}

// RecordLLMCall bumps the turn accounting counters.
func (h *agentHandle) RecordLLMCall(ctx context.Context) {
	h.mu.Lock()
	h.agent.LLMCallCount++
	h.agent.LastLLMCall = time.Now()
	h.persistLocked(ctx)
	h.mu.Unlock()
}

func (h *agentHandle) persistLocked(ctx context.Context) {
	if err := h.rt.store.SaveAgent(ctx, h.agent.Clone()); err != nil {
		h.rt.logger.Error("persist agent", "agentId", h.agent.ID, "error", err)
		h.rt.metrics.RecordError("world", "persist_agent")
	}
}

// ownsToolCall reports whether any of the agent's assistant rows carries the
// given tool-call id.
func (h *agentHandle) ownsToolCall(toolCallID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.agent.Memory) - 1; i >= 0; i-- {
		row := h.agent.Memory[i]
		if row.Role == models.RoleAssistant && row.HasToolCall(toolCallID) {
			return true
		}
	}
	return false
}

// onMessage is the per-agent message subscriber: it decides whether this
// agent reacts to an incoming message event and enqueues the work.
func (h *agentHandle) onMessage(payload any) {
	ev, ok := payload.(models.MessageEvent)
	if !ok {
		return
	}
	rt := h.rt

	// Cross-chat isolation.
	if ev.ChatID != rt.CurrentChatID() {
		return
	}

	parsed := envelope.ParseMessageContent(ev.Content, models.RoleUser)
	if parsed.IsToolResult {
		h.onToolResult(ev, parsed)
		return
	}

	agent := h.Agent()
	decision := mention.ShouldAgentRespond(agent, ev, rt.turnLimit)
	if decision.Reason == "self" {
		// The agent's own published row is already in memory.
		return
	}

	// The turn lands in memory even when the agent declines, so later
	// context stays accurate.
	h.Append(context.Background(), models.ChatMessage{
		Role:             models.RoleUser,
		Content:          ev.Content,
		Sender:           ev.Sender,
		MessageID:        ev.MessageID,
		ReplyToMessageID: ev.ReplyToMessageID,
		ChatID:           ev.ChatID,
		CreatedAt:        ev.Timestamp,
	})

	if !decision.Respond {
		if decision.Reason == "turn-limit" {
			rt.logger.Info("turn limit reached", "agentId", agent.ID, "chatId", ev.ChatID)
			rt.emitSystem(fmt.Sprintf("agent %s reached the consecutive-turn limit", agent.ID), ev.ChatID)
		}
		return
	}

	rt.dispatchTurn(h, orchestrator.Trigger{
		Sender:    ev.Sender,
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
	}, nil)
}

// onToolResult handles a human decision envelope addressed to this agent: it
// verifies ownership of the sentinel id, records the sentinel tool row, and
// resumes the turn on the queue.
func (h *agentHandle) onToolResult(ev models.MessageEvent, parsed envelope.Parsed) {
	rt := h.rt
	agentID := h.agentID()
	if !strings.EqualFold(parsed.TargetAgentID, agentID) {
		return
	}
	sentinelID := parsed.Message.ToolCallID

	if !h.ownsToolCall(sentinelID) {
		// Cross-agent tool results are a protocol violation; memory stays
		// untouched.
		rt.logger.Warn("rejected foreign tool result",
			"agentId", agentID, "toolCallId", sentinelID, "sender", ev.Sender)
		rt.metrics.RecordError("world", "foreign_tool_result")
		rt.emitSystem(fmt.Sprintf("rejected tool result for %s: unknown tool call", agentID), ev.ChatID)
		return
	}

	payload, err := envelope.ParseResultPayload(parsed.Message.Content)
	if err != nil || payload.Decision == "" {
		rt.logger.Warn("rejected malformed tool result",
			"agentId", agentID, "toolCallId", sentinelID, "error", err)
		rt.metrics.RecordError("world", "malformed_tool_result")
		rt.emitSystem(fmt.Sprintf("rejected tool result for %s: malformed payload", agentID), ev.ChatID)
		return
	}

	// The sentinel row closes before dispatch so the queue unit sees a
	// consistent memory.
	h.Append(context.Background(), models.ChatMessage{
		Role:       models.RoleTool,
		Content:    parsed.Message.Content,
		Sender:     ev.Sender,
		MessageID:  ev.MessageID,
		ChatID:     ev.ChatID,
		CreatedAt:  ev.Timestamp,
		ToolCallID: sentinelID,
	})
	h.SetToolCallStatus(context.Background(), sentinelID,
		models.ToolCallStatus{Complete: true, Result: parsed.Message.Content})

	rt.dispatchTurn(h, orchestrator.Trigger{
		Sender:    ev.Sender,
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
	}, &resumeInfo{sentinelID: sentinelID, payload: payload})
}
