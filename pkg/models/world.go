package models

import "time"

// World is a container for agents, chats, and scoped runtime state.
// Runtime machinery (event bus, queue, trackers) lives in internal/world;
// this struct is the persisted shape.
type World struct {
	// ID is the unique world identifier.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// MainAgent, when set, receives unmentioned human messages via an
	// injected paragraph-beginning mention at publish time.
	MainAgent string `json:"main_agent,omitempty"`

	// Variables holds free-form KEY=value lines substituted into agent
	// system prompts.
	Variables string `json:"variables,omitempty"`

	// CurrentChatID is the currently selected chat, if any.
	CurrentChatID string `json:"current_chat_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is a conversation scope within a world. Events and agent memory are
// partitioned by chat id.
type Chat struct {
	ID      string `json:"id"`
	WorldID string `json:"world_id"`
	Title   string `json:"title"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultChatTitle is the sentinel title of a freshly created chat. A chat
// whose title still equals this value is eligible for automatic titling.
const DefaultChatTitle = "New Chat"
