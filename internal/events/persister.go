// Package events persists bus emissions as sequenced records. The persister
// is a plain bus subscriber; a storage failure is logged and dropped, never
// surfaced to the emitting code path.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/internal/storage"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// Mode selects how records reach storage. The mode is fixed when the
// persister is created.
type Mode string

const (
	// ModeSync appends on the emitter's goroutine before Emit returns.
	ModeSync Mode = "sync"
	// ModeAsync enqueues and appends from a background worker.
	ModeAsync Mode = "async"
)

const asyncQueueSize = 1024

// Persister subscribes to every bus channel of one world and writes an
// EventRecord per emission.
type Persister struct {
	store   *storage.Store
	worldID string
	mode    Mode
	logger  *slog.Logger
	metrics *observability.Metrics

	queue  chan *models.EventRecord
	wg     sync.WaitGroup
	unsubs []func()

	mu      sync.Mutex
	started bool
}

// NewPersister creates a persister for one world. Mode defaults to sync.
func NewPersister(store *storage.Store, worldID string, mode Mode, logger *slog.Logger) *Persister {
	if mode == "" {
		mode = ModeSync
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		store:   store,
		worldID: worldID,
		mode:    mode,
		logger:  logger.With("world_id", worldID),
	}
}

// WithMetrics attaches a metrics sink. Call before Attach.
func (p *Persister) WithMetrics(m *observability.Metrics) *Persister {
	p.metrics = m
	return p
}

// Attach subscribes to the four logical channels of b. In async mode the
// background writer is started. Attach is idempotent.
func (p *Persister) Attach(b *bus.Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	if p.mode == ModeAsync {
		p.queue = make(chan *models.EventRecord, asyncQueueSize)
		p.wg.Add(1)
		go p.drain()
	}

	channels := map[string]models.EventType{
		bus.ChannelMessage: models.EventTypeMessage,
		bus.ChannelSSE:     models.EventTypeSSE,
		bus.ChannelWorld:   models.EventTypeWorld,
		bus.ChannelSystem:  models.EventTypeSystem,
	}
	for channel, eventType := range channels {
		et := eventType
		p.unsubs = append(p.unsubs, b.Subscribe(channel, func(payload any) {
			p.handle(et, payload)
		}))
	}
}

// Close unsubscribes and, in async mode, flushes the queue.
func (p *Persister) Close() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if p.queue != nil {
		close(p.queue)
		p.wg.Wait()
	}
}

func (p *Persister) handle(eventType models.EventType, payload any) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("encode event payload", "type", eventType, "error", err)
		return
	}
	record := &models.EventRecord{
		WorldID:   p.worldID,
		ChatID:    chatIDOf(payload),
		Type:      eventType,
		Payload:   payloadJSON,
		CreatedAt: time.Now(),
	}

	if p.mode == ModeSync {
		p.append(record)
		return
	}
	select {
	case p.queue <- record:
	default:
		p.logger.Warn("event queue full, dropping record", "type", eventType)
	}
}

func (p *Persister) drain() {
	defer p.wg.Done()
	for record := range p.queue {
		p.append(record)
	}
}

func (p *Persister) append(record *models.EventRecord) {
	if _, err := p.store.AppendEvent(context.Background(), record); err != nil {
		p.logger.Error("persist event", "type", record.Type, "chat_id", record.ChatID, "error", err)
		p.metrics.RecordError("storage", "append_event")
		return
	}
	p.metrics.EventPersisted(string(record.Type))
}

// chatIDOf extracts the chat scope from a known payload shape. Unknown
// payloads persist as world-scoped records.
func chatIDOf(payload any) string {
	switch ev := payload.(type) {
	case models.MessageEvent:
		return ev.ChatID
	case models.SSEEvent:
		return ev.ChatID
	case models.ToolEvent:
		return ev.ChatID
	case models.SystemEvent:
		return ev.ChatID
	}
	return ""
}
