package models

import (
	"encoding/json"
	"time"
)

// EventType classifies persisted event records by the bus channel that
// produced them.
type EventType string

const (
	EventTypeMessage EventType = "message"
	EventTypeSSE     EventType = "sse"
	EventTypeWorld   EventType = "world"
	EventTypeSystem  EventType = "system"
)

// EventRecord is one persisted bus emission. Seq is strictly monotonic per
// (WorldID, ChatID) starting at 1.
type EventRecord struct {
	ID      string    `json:"id"`
	WorldID string    `json:"world_id"`
	ChatID  string    `json:"chat_id,omitempty"`
	Seq     int64     `json:"seq"`
	Type    EventType `json:"type"`

	Payload json.RawMessage `json:"payload"`
	Meta    json.RawMessage `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// MessageEvent is a durable conversation event on the "message" channel.
type MessageEvent struct {
	Content          string    `json:"content"`
	Sender           string    `json:"sender"`
	MessageID        string    `json:"messageId"`
	Timestamp        time.Time `json:"timestamp"`
	ChatID           string    `json:"chatId,omitempty"`
	ReplyToMessageID string    `json:"replyToMessageId,omitempty"`
}

// SSEEventType enumerates streaming frame kinds.
type SSEEventType string

const (
	SSEStart      SSEEventType = "start"
	SSEChunk      SSEEventType = "chunk"
	SSEEnd        SSEEventType = "end"
	SSEError      SSEEventType = "error"
	SSEToolStream SSEEventType = "tool-stream"
)

// Usage carries token accounting from a completed LLM call.
type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}

// SSEEvent is an ephemeral streaming fragment on the "sse" channel. The
// first frame of a stream is type "start" and carries the assistant
// message id shared by every subsequent frame.
type SSEEvent struct {
	AgentName string       `json:"agentName"`
	Type      SSEEventType `json:"type"`
	Content   string       `json:"content,omitempty"`
	Error     string       `json:"error,omitempty"`
	MessageID string       `json:"messageId"`
	ChatID    string       `json:"chatId,omitempty"`
	Usage     *Usage       `json:"usage,omitempty"`

	// Aborted marks the terminal "end" frame of a canceled stream.
	Aborted bool `json:"aborted,omitempty"`
}

// Subtopic routes the frame onto its type-named channel.
func (e SSEEvent) Subtopic() string { return string(e.Type) }

// ToolEventType enumerates tool lifecycle kinds on the "world" channel.
type ToolEventType string

const (
	ToolStart    ToolEventType = "tool-start"
	ToolProgress ToolEventType = "tool-progress"
	ToolResult   ToolEventType = "tool-result"
	ToolError    ToolEventType = "tool-error"
	ToolStream   ToolEventType = "tool-stream"
)

// ToolExecutionInfo describes the execution a tool event refers to.
type ToolExecutionInfo struct {
	ExecutionID string `json:"executionId,omitempty"`
	ToolName    string `json:"toolName"`
	Args        string `json:"args,omitempty"`
	Result      string `json:"result,omitempty"`

	// Stream discriminates tool-stream frames: "stdout" or "stderr".
	Stream string `json:"stream,omitempty"`
}

// ToolEvent is a tool lifecycle event on the "world" channel.
type ToolEvent struct {
	AgentName     string            `json:"agentName"`
	Type          ToolEventType     `json:"type"`
	MessageID     string            `json:"messageId"`
	ChatID        string            `json:"chatId,omitempty"`
	ToolExecution ToolExecutionInfo `json:"toolExecution"`
}

// Subtopic routes the event onto its type-named channel.
func (e ToolEvent) Subtopic() string { return string(e.Type) }

// SystemEvent is a world-level notice on the "system" channel.
type SystemEvent struct {
	Content   string    `json:"content"`
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityEventType enumerates activity lifecycle kinds.
type ActivityEventType string

const (
	ActivityResponseStart ActivityEventType = "response-start"
	ActivityResponseEnd   ActivityEventType = "response-end"
	ActivityIdle          ActivityEventType = "idle"
)

// ActivityEvent reports the world's in-flight operation state. It is emitted
// on the "world" channel and on its type-named channel.
type ActivityEvent struct {
	Type              ActivityEventType `json:"type"`
	PendingOperations int               `json:"pendingOperations"`
	ActivityID        int64             `json:"activityId"`
	Timestamp         time.Time         `json:"timestamp"`
	Source            string            `json:"source,omitempty"`
	ActiveSources     []string          `json:"activeSources"`
	Queue             int               `json:"queue"`
}

// Subtopic routes the event onto its type-named channel.
func (e ActivityEvent) Subtopic() string { return string(e.Type) }
