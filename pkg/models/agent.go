package models

import "time"

// Agent is a conversational participant driven by an LLM and tools. Its
// memory is an ordered, append-only log of chat messages.
type Agent struct {
	ID      string `json:"id"`
	WorldID string `json:"world_id"`
	Name    string `json:"name"`

	// Provider and Model select the LLM backend ("openai", "anthropic", ...).
	Provider string `json:"provider"`
	Model    string `json:"model"`

	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// SystemPrompt is a template; {{ key }} placeholders are substituted
	// from the world's variables on every call. The stored value is never
	// mutated.
	SystemPrompt string `json:"system_prompt"`

	// AutoReply controls whether the agent responds to unmentioned human
	// messages. Defaults to true for new agents.
	AutoReply bool `json:"auto_reply"`

	// Memory is the agent's conversation log across chats.
	Memory []ChatMessage `json:"memory,omitempty"`

	// LLMCallCount and LastLLMCall support turn-limit accounting.
	LLMCallCount int       `json:"llm_call_count,omitempty"`
	LastLLMCall  time.Time `json:"last_llm_call,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand agents across goroutine
// boundaries without aliasing memory rows.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if len(a.Memory) > 0 {
		clone.Memory = make([]ChatMessage, len(a.Memory))
		for i := range a.Memory {
			clone.Memory[i] = *a.Memory[i].Clone()
		}
	}
	return &clone
}
