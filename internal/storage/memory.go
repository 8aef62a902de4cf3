package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/agentworld/pkg/models"
)

// MemoryBackend is an in-memory Backend for tests and local runs. All reads
// return clones so callers never alias stored state.
type MemoryBackend struct {
	mu     sync.RWMutex
	worlds map[string]*models.World
	agents map[string]map[string]*models.Agent // worldID -> agentID
	chats  map[string]map[string]*models.Chat  // worldID -> chatID
	events map[string][]*models.EventRecord    // (worldID, chatID) scope key
	seqs   map[string]int64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		worlds: make(map[string]*models.World),
		agents: make(map[string]map[string]*models.Agent),
		chats:  make(map[string]map[string]*models.Chat),
		events: make(map[string][]*models.EventRecord),
		seqs:   make(map[string]int64),
	}
}

func scopeKey(worldID, chatID string) string {
	return worldID + "\x00" + chatID
}

func (m *MemoryBackend) SaveWorld(ctx context.Context, world *models.World) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *world
	m.worlds[world.ID] = &clone
	return nil
}

func (m *MemoryBackend) LoadWorld(ctx context.Context, id string) (*models.World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	world, ok := m.worlds[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *world
	return &clone, nil
}

func (m *MemoryBackend) DeleteWorld(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worlds[id]; !ok {
		return ErrNotFound
	}
	delete(m.worlds, id)
	delete(m.agents, id)
	for chatID := range m.chats[id] {
		m.dropEventsLocked(id, chatID)
	}
	delete(m.chats, id)
	m.dropEventsLocked(id, "")
	return nil
}

func (m *MemoryBackend) ListWorlds(ctx context.Context) ([]*models.World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.World, 0, len(m.worlds))
	for _, w := range m.worlds {
		clone := *w
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) SaveAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.agents[agent.WorldID]
	if !ok {
		byID = make(map[string]*models.Agent)
		m.agents[agent.WorldID] = byID
	}
	byID[agent.ID] = agent.Clone()
	return nil
}

func (m *MemoryBackend) LoadAgent(ctx context.Context, worldID, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[worldID][id]
	if !ok {
		return nil, ErrNotFound
	}
	return agent.Clone(), nil
}

func (m *MemoryBackend) DeleteAgent(ctx context.Context, worldID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[worldID][id]; !ok {
		return ErrNotFound
	}
	delete(m.agents[worldID], id)
	return nil
}

func (m *MemoryBackend) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Agent, 0, len(m.agents[worldID]))
	for _, a := range m.agents[worldID] {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) SaveChat(ctx context.Context, chat *models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.chats[chat.WorldID]
	if !ok {
		byID = make(map[string]*models.Chat)
		m.chats[chat.WorldID] = byID
	}
	clone := *chat
	byID[chat.ID] = &clone
	return nil
}

func (m *MemoryBackend) LoadChat(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[worldID][chatID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *chat
	return &clone, nil
}

func (m *MemoryBackend) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Chat, 0, len(m.chats[worldID]))
	for _, c := range m.chats[worldID] {
		clone := *c
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) DeleteChat(ctx context.Context, worldID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[worldID][chatID]; !ok {
		return ErrNotFound
	}
	delete(m.chats[worldID], chatID)
	m.dropEventsLocked(worldID, chatID)
	return nil
}

func (m *MemoryBackend) UpdateChatTitle(ctx context.Context, worldID, chatID, expectedOldTitle, newTitle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[worldID][chatID]
	if !ok {
		return ErrNotFound
	}
	if chat.Title != expectedOldTitle {
		return ErrTitleConflict
	}
	chat.Title = newTitle
	return nil
}

func (m *MemoryBackend) AppendEvent(ctx context.Context, record *models.EventRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey(record.WorldID, record.ChatID)
	m.seqs[key]++
	record.Seq = m.seqs[key]

	clone := *record
	m.events[key] = append(m.events[key], &clone)
	return record.Seq, nil
}

func (m *MemoryBackend) Events(ctx context.Context, q EventQuery) ([]*models.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*models.EventRecord
	if q.ChatID != nil {
		candidates = m.events[scopeKey(q.WorldID, *q.ChatID)]
	} else {
		prefix := q.WorldID + "\x00"
		for key, recs := range m.events {
			if strings.HasPrefix(key, prefix) {
				candidates = append(candidates, recs...)
			}
		}
	}

	var out []*models.EventRecord
	for _, rec := range candidates {
		if !matchesQuery(rec, q) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].Seq < out[j].Seq
	})

	return paginateEvents(out, q.Offset, q.Limit), nil
}

func matchesQuery(rec *models.EventRecord, q EventQuery) bool {
	if q.Type != "" && rec.Type != q.Type {
		return false
	}
	if q.StartSeq > 0 && rec.Seq < q.StartSeq {
		return false
	}
	if q.EndSeq > 0 && rec.Seq > q.EndSeq {
		return false
	}
	if !q.StartDate.IsZero() && rec.CreatedAt.Before(q.StartDate) {
		return false
	}
	if !q.EndDate.IsZero() && rec.CreatedAt.After(q.EndDate) {
		return false
	}
	return true
}

func paginateEvents(recs []*models.EventRecord, offset, limit int) []*models.EventRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

func (m *MemoryBackend) DeleteEvents(ctx context.Context, worldID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropEventsLocked(worldID, chatID)
	return nil
}

func (m *MemoryBackend) dropEventsLocked(worldID, chatID string) {
	key := scopeKey(worldID, chatID)
	delete(m.events, key)
	delete(m.seqs, key)
}

func (m *MemoryBackend) Close() error { return nil }
