// Package approval holds session-scoped tool approvals. Entries live in
// memory only and are dropped when their chat goes away.
package approval

import (
	"sync"
	"time"
)

// Entry records one session approval.
type Entry struct {
	Approved bool
	GrantedAt time.Time
}

// Cache maps chatID -> toolName -> Entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]map[string]Entry)}
}

// Set records an approval decision for (chatID, toolName).
func (c *Cache) Set(chatID, toolName string, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byTool, ok := c.entries[chatID]
	if !ok {
		byTool = make(map[string]Entry)
		c.entries[chatID] = byTool
	}
	byTool[toolName] = Entry{Approved: approved, GrantedAt: time.Now()}
}

// Get reports whether (chatID, toolName) is approved for the session.
func (c *Cache) Get(chatID, toolName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[chatID][toolName].Approved
}

// Clear drops every entry for a chat.
func (c *Cache) Clear(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, chatID)
}
