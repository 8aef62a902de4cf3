package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/agentworld/internal/envelope"
	"github.com/haasonsaas/agentworld/internal/tools"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// deniedResultContent is the tool-row body written when a human denies a
// tool call.
const deniedResultContent = "Tool execution denied by the user."

// ResumeToolResult continues a turn that stopped on a sentinel. The
// subscriber has already appended the sentinel tool row and verified
// ownership; this resolves the original tool call and re-invokes the model.
//
// Approval: an approve decision executes the withheld tool and, for session
// scope, primes the approval cache. A deny writes a denial row. HITL: the
// human's chosen option text becomes the tool result verbatim and the cache
// is never touched.
func (o *Orchestrator) ResumeToolResult(ctx context.Context, sess AgentSession, trig Trigger, sentinelID string, payload envelope.ResultPayload) {
	agent := sess.Agent()

	original, ok := findOriginalToolCall(agent.Memory, sentinelID)
	if !ok {
		o.logger.Warn("sentinel has no recoverable original tool call", "sentinelId", sentinelID, "agentId", agent.ID)
		o.emitSystem(fmt.Sprintf("could not resume agent %s: unknown sentinel %s", agent.ID, sentinelID), trig.ChatID)
		return
	}
	call := models.ToolCall{ID: original.ID, Name: original.Name, Arguments: original.Args}

	switch {
	case envelope.IsHITLID(sentinelID):
		// Nothing executes: the chosen option text is the result.
		o.appendToolRow(ctx, sess, agent, trig, call.ID, payload.Choice)

	case payload.Decision == "approve":
		if payload.Scope == "session" {
			o.approvals.Set(trig.ChatID, call.Name, true)
		}
		toolCtx := tools.WithInvocation(ctx, tools.Invocation{
			AgentName: agent.ID,
			MessageID: trig.MessageID,
			ChatID:    trig.ChatID,
		})
		d, err := o.tools.Dispatch(toolCtx, call, true)
		if err != nil {
			o.appendToolResult(ctx, sess, agent, trig, trig.MessageID, call,
				&tools.Result{Content: fmt.Sprintf("tool dispatch failed: %v", err), IsError: true})
		} else {
			o.appendToolResult(ctx, sess, agent, trig, trig.MessageID, call, d.Result)
		}

	default:
		o.appendToolRow(ctx, sess, agent, trig, call.ID, deniedResultContent)
	}

	// Close out any sibling calls on the same assistant row that never got a
	// tool row because the sentinel ended the turn early.
	o.resolveSiblings(ctx, sess, trig, call.ID)

	o.RunTurn(ctx, sess, trig)
}

// resolveSiblings dispatches remaining incomplete calls on the assistant row
// that carried resolvedID, so the model never sees a dangling tool call.
func (o *Orchestrator) resolveSiblings(ctx context.Context, sess AgentSession, trig Trigger, resolvedID string) {
	agent := sess.Agent()
	row, ok := findAssistantRow(agent.Memory, resolvedID)
	if !ok {
		return
	}
	for _, sibling := range row.ToolCalls {
		if sibling.ID == resolvedID || envelope.IsClientTool(sibling.Name) {
			continue
		}
		if st, done := row.ToolCallStatus[sibling.ID]; done && st.Complete {
			continue
		}
		toolCtx := tools.WithInvocation(ctx, tools.Invocation{
			AgentName: agent.ID,
			MessageID: row.MessageID,
			ChatID:    trig.ChatID,
		})
		d, err := o.tools.Dispatch(toolCtx, sibling, o.approvals.Get(trig.ChatID, sibling.Name))
		if err != nil {
			o.appendToolResult(ctx, sess, agent, trig, row.MessageID, sibling,
				&tools.Result{Content: fmt.Sprintf("tool dispatch failed: %v", err), IsError: true})
			continue
		}
		switch d.Kind {
		case tools.DispatchExecute:
			o.appendToolResult(ctx, sess, agent, trig, row.MessageID, sibling, d.Result)
		default:
			// Still gated: close it with a pending note rather than leave a
			// dangling id; the model can re-issue the call.
			o.appendToolResult(ctx, sess, agent, trig, row.MessageID, sibling,
				&tools.Result{Content: "Tool call was not executed; re-issue it if still needed."})
		}
	}
}

// findOriginalToolCall recovers the embedded original call from the sentinel
// assistant row.
func findOriginalToolCall(memory []models.ChatMessage, sentinelID string) (envelope.OriginalToolCall, bool) {
	for i := len(memory) - 1; i >= 0; i-- {
		row := memory[i]
		if row.Role != models.RoleAssistant {
			continue
		}
		for _, tc := range row.ToolCalls {
			if tc.ID != sentinelID {
				continue
			}
			var args struct {
				OriginalToolCall envelope.OriginalToolCall `json:"originalToolCall"`
			}
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return envelope.OriginalToolCall{}, false
			}
			if args.OriginalToolCall.ID == "" {
				return envelope.OriginalToolCall{}, false
			}
			return args.OriginalToolCall, true
		}
	}
	return envelope.OriginalToolCall{}, false
}

// findAssistantRow locates the assistant row carrying a tool call id.
func findAssistantRow(memory []models.ChatMessage, toolCallID string) (models.ChatMessage, bool) {
	for i := len(memory) - 1; i >= 0; i-- {
		row := memory[i]
		if row.Role == models.RoleAssistant && row.HasToolCall(toolCallID) {
			return row, true
		}
	}
	return models.ChatMessage{}, false
}
