// Package envelope implements the enhanced-string control protocol: tool
// results from humans travel over the normal message channel as JSON bodies
// with a "__type" discriminator. It also owns the sentinel id and client-tool
// naming conventions shared by the orchestrator and subscriber.
package envelope

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentworld/pkg/models"
)

// Client-side tool names. These calls are synthesized for human decisions and
// are never shown to the LLM.
const (
	ClientRequestApproval   = "client.requestApproval"
	ClientHumanIntervention = "client.humanIntervention"
)

// HITLToolName is the built-in tool an LLM calls to request a human choice.
const HITLToolName = "human_intervention.request"

// Sentinel id prefixes.
const (
	approvalIDPrefix = "approval_"
	hitlIDPrefix     = "hitl_"
	clientPrefix     = "client."
)

// NewApprovalID mints a sentinel tool-call id for an approval request.
func NewApprovalID() string { return approvalIDPrefix + uuid.NewString() }

// NewHITLID mints a sentinel tool-call id for a HITL request.
func NewHITLID() string { return hitlIDPrefix + uuid.NewString() }

// IsSentinelID reports whether a tool-call id belongs to a client-side
// sentinel (approval or HITL).
func IsSentinelID(id string) bool {
	return strings.HasPrefix(id, approvalIDPrefix) || strings.HasPrefix(id, hitlIDPrefix)
}

// IsApprovalID reports whether id is an approval sentinel id.
func IsApprovalID(id string) bool { return strings.HasPrefix(id, approvalIDPrefix) }

// IsHITLID reports whether id is a HITL sentinel id.
func IsHITLID(id string) bool { return strings.HasPrefix(id, hitlIDPrefix) }

// IsClientTool reports whether a function name lives in the client.*
// namespace.
func IsClientTool(name string) bool { return strings.HasPrefix(name, clientPrefix) }

// OriginalToolCall mirrors the LLM-issued call embedded in sentinel
// arguments so it can be replayed after the human decides.
type OriginalToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

// ApprovalRequestArgs is the argument object of a client.requestApproval
// call.
type ApprovalRequestArgs struct {
	OriginalToolCall OriginalToolCall `json:"originalToolCall"`
	Message          string           `json:"message"`
	Options          []string         `json:"options"`
}

// ApprovalOptions is the fixed option list presented with an approval
// request.
var ApprovalOptions = []string{"deny", "approve_once", "approve_session"}

// HITLRequestArgs is the argument object of a client.humanIntervention call.
type HITLRequestArgs struct {
	OriginalToolCall OriginalToolCall `json:"originalToolCall"`
	Prompt           string           `json:"prompt"`
	Options          []string         `json:"options"`
	Context          string           `json:"context,omitempty"`
}

// ToolResult is the wire envelope carried as a message body string.
type ToolResult struct {
	Type       string `json:"__type"`
	ToolCallID string `json:"tool_call_id"`
	AgentID    string `json:"agentId"`

	// Content is the JSON-encoded inner payload.
	Content string `json:"content"`
}

// ResultPayload is the inner payload of a ToolResult envelope.
type ResultPayload struct {
	Decision string `json:"decision"`        // "approve" | "deny"
	Scope    string `json:"scope"`           // "once" | "session"
	Choice   string `json:"choice,omitempty"` // HITL only
	ToolName string `json:"toolName"`
}

const toolResultType = "tool_result"

// Parsed is the outcome of ParseMessageContent.
type Parsed struct {
	// Message is the normalized chat-message row: a tool row for envelope
	// input, or a defaultRole row wrapping the raw text.
	Message models.ChatMessage

	// TargetAgentID is set for envelope input; the publisher uses it to
	// prepend a mention so routing delivers to exactly one agent.
	TargetAgentID string

	// IsToolResult marks envelope input.
	IsToolResult bool
}

// mentionPrefix matches the "@agent, " prefix the publisher injects for
// routing. Envelope bodies may arrive wearing it.
var mentionPrefix = regexp.MustCompile(`^@[A-Za-z0-9_-]+,\s*`)

// ParseMessageContent interprets raw as a ToolResult envelope, falling back
// to a plain row of defaultRole when the body is not a valid envelope. A
// leading routing mention is ignored for envelope detection only.
func ParseMessageContent(raw, defaultRole string) Parsed {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		trimmed = mentionPrefix.ReplaceAllString(trimmed, "")
	}
	if strings.HasPrefix(trimmed, "{") {
		var env ToolResult
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil &&
			env.Type == toolResultType && env.ToolCallID != "" {
			return Parsed{
				Message: models.ChatMessage{
					Role:       models.RoleTool,
					Content:    env.Content,
					ToolCallID: env.ToolCallID,
				},
				TargetAgentID: env.AgentID,
				IsToolResult:  true,
			}
		}
	}
	return Parsed{Message: models.ChatMessage{Role: defaultRole, Content: raw}}
}

// ParseResultPayload decodes the inner payload of a tool-result row.
func ParseResultPayload(content string) (ResultPayload, error) {
	var payload ResultPayload
	err := json.Unmarshal([]byte(content), &payload)
	return payload, err
}

// EncodeToolResult builds the wire envelope string.
func EncodeToolResult(toolCallID, agentID string, payload ResultPayload) (string, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	env := ToolResult{
		Type:       toolResultType,
		ToolCallID: toolCallID,
		AgentID:    agentID,
		Content:    string(inner),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
