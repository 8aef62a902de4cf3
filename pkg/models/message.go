package models

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// SenderHuman is the reserved sender literal for human-authored messages.
// Comparisons are case-insensitive.
const SenderHuman = "HUMAN"

// ToolCall is a function invocation requested by the LLM. Sentinel calls
// synthesized for human decisions carry ids prefixed "approval_" or "hitl_"
// and names under the "client." namespace.
type ToolCall struct {
	// ID is the LLM-assigned call id, or a generated sentinel id.
	ID string `json:"id"`

	// Name is the function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded argument object.
	Arguments string `json:"arguments"`
}

// ToolCallStatus records completion state for one tool call on an assistant
// row.
type ToolCallStatus struct {
	Complete bool `json:"complete"`
	Result   any  `json:"result,omitempty"`
}

// ChatMessage is one record in an agent's memory.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Sender is a free-form origin string: "HUMAN" or an agent id.
	Sender string `json:"sender,omitempty"`

	MessageID        string `json:"message_id,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	ChatID           string `json:"chat_id,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`

	// ToolCalls is set on assistant rows that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool row to the assistant tool call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCallStatus tracks per-call completion, keyed by tool-call id.
	ToolCallStatus map[string]ToolCallStatus `json:"tool_call_status,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *ChatMessage) Clone() *ChatMessage {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.ToolCallStatus != nil {
		clone.ToolCallStatus = make(map[string]ToolCallStatus, len(m.ToolCallStatus))
		for k, v := range m.ToolCallStatus {
			clone.ToolCallStatus[k] = v
		}
	}
	return &clone
}

// HasToolCall reports whether the message carries the given tool-call id on
// an assistant row.
func (m *ChatMessage) HasToolCall(toolCallID string) bool {
	for _, tc := range m.ToolCalls {
		if tc.ID == toolCallID {
			return true
		}
	}
	return false
}
