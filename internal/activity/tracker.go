// Package activity counts in-flight operations for one world and emits the
// response-start / response-end / idle lifecycle on the world channel.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// QueueDepth reports queued work for inclusion in activity events. The LLM
// queue implements it.
type QueueDepth interface {
	Depth(worldID string) int
}

// Tracker is the per-world activity counter. All operations are synchronous;
// events are emitted inline on the caller's goroutine.
type Tracker struct {
	b       *bus.Bus
	worldID string
	logger  *slog.Logger
	metrics *observability.Metrics
	queue   QueueDepth

	mu         sync.Mutex
	pending    int
	activityID int64
	sources    map[string]int
}

// New creates a tracker bound to a world's bus.
func New(b *bus.Bus, worldID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		b:       b,
		worldID: worldID,
		logger:  logger.With("world_id", worldID),
		sources: make(map[string]int),
	}
}

// WithMetrics attaches a metrics sink.
func (t *Tracker) WithMetrics(m *observability.Metrics) *Tracker {
	t.metrics = m
	return t
}

// WithQueue lets emitted events carry the queue depth.
func (t *Tracker) WithQueue(q QueueDepth) *Tracker {
	t.queue = q
	return t
}

// Begin increments the in-flight counter and emits response-start. The first
// Begin of a busy period bumps the activity id; the id stays stable until the
// matching idle.
func (t *Tracker) Begin(source string) {
	t.mu.Lock()
	if t.pending == 0 {
		t.activityID++
	}
	t.pending++
	t.sources[source]++
	ev := t.eventLocked(models.ActivityResponseStart, source)
	t.mu.Unlock()

	t.metrics.SetPendingOperations(t.worldID, ev.PendingOperations)
	t.b.Emit(bus.ChannelWorld, ev)
}

// End decrements the counter. While work remains it emits response-end; when
// the counter reaches zero it emits idle instead. End below zero is clamped
// and logged.
func (t *Tracker) End(source string) {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		t.logger.Warn("activity end without begin", "source", source)
		return
	}
	t.pending--
	if t.sources[source] > 1 {
		t.sources[source]--
	} else {
		delete(t.sources, source)
	}

	eventType := models.ActivityResponseEnd
	if t.pending == 0 {
		eventType = models.ActivityIdle
	}
	ev := t.eventLocked(eventType, source)
	t.mu.Unlock()

	t.metrics.SetPendingOperations(t.worldID, ev.PendingOperations)
	t.b.Emit(bus.ChannelWorld, ev)
}

// IsProcessing reports whether any operation is in flight.
func (t *Tracker) IsProcessing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending > 0
}

// Pending returns the current in-flight count.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// ActivityID returns the id of the current (or most recent) busy period.
func (t *Tracker) ActivityID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activityID
}

func (t *Tracker) eventLocked(eventType models.ActivityEventType, source string) models.ActivityEvent {
	active := make([]string, 0, len(t.sources))
	for s := range t.sources {
		active = append(active, s)
	}
	depth := 0
	if t.queue != nil {
		depth = t.queue.Depth(t.worldID)
	}
	return models.ActivityEvent{
		Type:              eventType,
		PendingOperations: t.pending,
		ActivityID:        t.activityID,
		Timestamp:         time.Now(),
		Source:            source,
		ActiveSources:     active,
		Queue:             depth,
	}
}
