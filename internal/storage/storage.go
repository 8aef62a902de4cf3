// Package storage provides the persistence facade for worlds, agents, chats,
// and the sequenced event log. Backends (memory, sqlite, postgres) implement
// Backend with identical semantics; the facade owns id generation and
// timestamping so records look the same regardless of backend.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentworld/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrTitleConflict is returned by UpdateChatTitle when the stored title
	// no longer matches the expected value (compare-and-set failure).
	ErrTitleConflict = errors.New("chat title changed")
)

// EventQuery selects event records for a world, ordered by seq ascending.
type EventQuery struct {
	WorldID string

	// ChatID filters to one chat when non-nil. A pointer to the empty
	// string selects world-scoped events with no chat.
	ChatID *string

	Type models.EventType

	Limit  int
	Offset int

	StartSeq int64
	EndSeq   int64

	StartDate time.Time
	EndDate   time.Time
}

// Backend is the contract each storage implementation satisfies. IDs and
// timestamps are filled in by the facade before these methods are called.
type Backend interface {
	SaveWorld(ctx context.Context, world *models.World) error
	LoadWorld(ctx context.Context, id string) (*models.World, error)
	DeleteWorld(ctx context.Context, id string) error
	ListWorlds(ctx context.Context) ([]*models.World, error)

	SaveAgent(ctx context.Context, agent *models.Agent) error
	LoadAgent(ctx context.Context, worldID, id string) (*models.Agent, error)
	DeleteAgent(ctx context.Context, worldID, id string) error
	ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error)

	SaveChat(ctx context.Context, chat *models.Chat) error
	LoadChat(ctx context.Context, worldID, chatID string) (*models.Chat, error)
	ListChats(ctx context.Context, worldID string) ([]*models.Chat, error)
	DeleteChat(ctx context.Context, worldID, chatID string) error
	UpdateChatTitle(ctx context.Context, worldID, chatID, expectedOldTitle, newTitle string) error

	// AppendEvent assigns the next seq for (WorldID, ChatID) atomically,
	// stores the record, and returns the assigned seq.
	AppendEvent(ctx context.Context, record *models.EventRecord) (int64, error)
	Events(ctx context.Context, q EventQuery) ([]*models.EventRecord, error)
	DeleteEvents(ctx context.Context, worldID, chatID string) error

	Close() error
}

// Store is the storage facade handed to the runtime.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New wraps a backend. A nil logger falls back to slog.Default.
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

// SaveWorld creates or updates a world, minting an id for new records.
func (s *Store) SaveWorld(ctx context.Context, world *models.World) error {
	now := time.Now()
	if world.ID == "" {
		world.ID = uuid.NewString()
		world.CreatedAt = now
	}
	if world.CreatedAt.IsZero() {
		world.CreatedAt = now
	}
	world.UpdatedAt = now
	return s.backend.SaveWorld(ctx, world)
}

func (s *Store) LoadWorld(ctx context.Context, id string) (*models.World, error) {
	return s.backend.LoadWorld(ctx, id)
}

// DeleteWorld removes a world and, transitively, its agents, chats, and
// event log.
func (s *Store) DeleteWorld(ctx context.Context, id string) error {
	return s.backend.DeleteWorld(ctx, id)
}

func (s *Store) ListWorlds(ctx context.Context) ([]*models.World, error) {
	return s.backend.ListWorlds(ctx)
}

// SaveAgent creates or updates an agent, minting an id for new records.
func (s *Store) SaveAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
		agent.CreatedAt = now
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	return s.backend.SaveAgent(ctx, agent)
}

func (s *Store) LoadAgent(ctx context.Context, worldID, id string) (*models.Agent, error) {
	return s.backend.LoadAgent(ctx, worldID, id)
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, id string) error {
	return s.backend.DeleteAgent(ctx, worldID, id)
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	return s.backend.ListAgents(ctx, worldID)
}

// SaveChat creates or updates a chat. New chats start with the default
// title sentinel unless one is provided.
func (s *Store) SaveChat(ctx context.Context, chat *models.Chat) error {
	now := time.Now()
	if chat.ID == "" {
		chat.ID = uuid.NewString()
		chat.CreatedAt = now
	}
	if chat.Title == "" {
		chat.Title = models.DefaultChatTitle
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now
	return s.backend.SaveChat(ctx, chat)
}

func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	return s.backend.LoadChat(ctx, worldID, chatID)
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	return s.backend.ListChats(ctx, worldID)
}

// DeleteChat removes a chat and its event log.
func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	return s.backend.DeleteChat(ctx, worldID, chatID)
}

/// UpdateChatTitle is a compare-and-set: the write succeeds only while the
// stored title still equals expectedOldTitle.
func (s *Store) UpdateChatTitle(ctx context.Context, worldID, chatID, expectedOldTitle, newTitle string) error {
	return s.backend.UpdateChatTitle(ctx, worldID, chatID, expectedOldTitle, newTitle)
}

// AppendEvent persists one bus emission, assigning id, timestamp, and the
// next monotonic seq for the record's (worldId, chatId).
func (s *Store) AppendEvent(ctx context.Context, record *models.EventRecord) (int64, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	return s.backend.AppendEvent(ctx, record)
}

// Events returns persisted records matching the query, ordered by seq.
func (s *Store) Events(ctx context.Context, q EventQuery) ([]*models.EventRecord, error) {
	return s.backend.Events(ctx, q)
}

func (s *Store) DeleteEvents(ctx context.Context, worldID, chatID string) error {
	return s.backend.DeleteEvents(ctx, worldID, chatID)
}

func (s *Store) Close() error {
	return s.backend.Close()
}
