// Package llmqueue serializes LLM work per (worldID, chatID). Each key runs
// at most one work unit at a time; pending units run in submission order.
package llmqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentworld/internal/observability"
)

// WorkFunc is one unit of queued work. It must honor ctx at every LLM chunk
// boundary and before persisting partial results.
type WorkFunc func(ctx context.Context)

// Task is the handle returned by Submit.
type Task struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel signals cancellation to the work unit. Safe to call repeatedly.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the work unit has finished or been skipped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Status reports queue occupancy for one key.
type Status struct {
	Queued  int
	Running bool
}

type laneKey struct {
	worldID string
	chatID  string
}

type workItem struct {
	task   *Task
	ctx    context.Context
	work   WorkFunc
	worldID string
}

type lane struct {
	pending []*workItem
	active  bool
}

// Queue is the process-wide scheduler. Worlds share one Queue; isolation
// comes from the (worldID, chatID) key.
type Queue struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	lanes   map[laneKey]*lane
	running map[laneKey]*workItem
}

// New creates an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:  logger,
		lanes:   make(map[laneKey]*lane),
		running: make(map[laneKey]*workItem),
	}
}

// WithMetrics attaches a metrics sink.
func (q *Queue) WithMetrics(m *observability.Metrics) *Queue {
	q.metrics = m
	return q
}

// Submit enqueues work for (worldID, chatID) and returns a cancellable task
// handle. Work starts immediately when the lane is free.
func (q *Queue) Submit(worldID, chatID string, work WorkFunc) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	item := &workItem{task: task, ctx: ctx, work: work, worldID: worldID}

	key := laneKey{worldID: worldID, chatID: chatID}
	q.mu.Lock()
	ln, ok := q.lanes[key]
	if !ok {
		ln = &lane{}
		q.lanes[key] = ln
	}
	ln.pending = append(ln.pending, item)
	start := !ln.active
	if start {
		ln.active = true
	}
	q.metrics.SetQueueDepth(worldID, q.depthLocked(worldID))
	q.mu.Unlock()

	if start {
		go q.runLane(key)
	}
	return task
}

func (q *Queue) runLane(key laneKey) {
	for {
		q.mu.Lock()
		ln := q.lanes[key]
		if len(ln.pending) == 0 {
			ln.active = false
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		item := ln.pending[0]
		ln.pending = ln.pending[1:]
		q.running[key] = item
		q.metrics.SetQueueDepth(item.worldID, q.depthLocked(item.worldID))
		q.mu.Unlock()

		if item.ctx.Err() == nil {
			item.work(item.ctx)
		}

		q.mu.Lock()
		delete(q.running, key)
		q.mu.Unlock()

		item.task.cancel()
		close(item.task.done)
	}
}

// CancelChat cancels the running work unit for (worldID, chatID) and every
// pending one. It reports whether any work was affected.
func (q *Queue) CancelChat(worldID, chatID string) bool {
	key := laneKey{worldID: worldID, chatID: chatID}

	q.mu.Lock()
	ln, ok := q.lanes[key]
	if !ok {
		q.mu.Unlock()
		return false
	}
	pending := ln.pending
	ln.pending = nil
	affected := ln.active || len(pending) > 0
	q.metrics.SetQueueDepth(worldID, q.depthLocked(worldID))
	q.mu.Unlock()

	for _, item := range pending {
		item.task.cancel()
	}
	// The running item, if any, was popped from pending already; its context
	// is reachable only through the task handle held by the submitter, so
	// cancellation of in-flight work goes through cancelRunning.
	q.cancelRunning(key)
	return affected
}

// cancelRunning cancels the context of the currently executing item, if any.
// Running items register themselves so a chat-wide stop can reach them.
func (q *Queue) cancelRunning(key laneKey) {
	q.mu.Lock()
	item := q.running[key]
	q.mu.Unlock()
	if item != nil {
		item.task.cancel()
	}
}

// Status returns occupancy for one key.
func (q *Queue) Status(worldID, chatID string) Status {
	key := laneKey{worldID: worldID, chatID: chatID}
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[key]
	if !ok {
		return Status{}
	}
	return Status{Queued: len(ln.pending), Running: q.running[key] != nil}
}

// Depth returns the number of queued (not yet running) work units for a
// world. The activity tracker includes it in emitted events.
func (q *Queue) Depth(worldID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked(worldID)
}

func (q *Queue) depthLocked(worldID string) int {
	n := 0
	for key, ln := range q.lanes {
		if key.worldID == worldID {
			n += len(ln.pending)
		}
	}
	return n
}
