package llm

import (
	"context"
	"sync"

	"github.com/haasonsaas/agentworld/pkg/models"
)

// FakeTurn scripts one completion for the fake provider.
type FakeTurn struct {
	// Chunks are emitted one text frame each.
	Chunks []string

	// ToolCalls are emitted after the text, one frame each.
	ToolCalls []models.ToolCall

	// Err, when set, terminates the stream with an error frame after the
	// text chunks.
	Err error

	// Gate, when set, is received from before each text chunk so tests can
	// control stream pacing.
	Gate <-chan struct{}

	InputTokens  int
	OutputTokens int
}

// Fake is a scripted in-process provider for tests. Turns are consumed in
// FIFO order; when the script is exhausted, completions return a single "ok"
// chunk.
type Fake struct {
	mu    sync.Mutex
	turns []FakeTurn

	// Requests records every Complete call for assertions.
	Requests []*Request
}

// NewFake creates an unscripted fake.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Name() string { return "fake" }

// Enqueue appends a scripted turn.
func (f *Fake) Enqueue(turn FakeTurn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
}

// LastRequest returns the most recent recorded request, or nil.
func (f *Fake) LastRequest() *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Requests) == 0 {
		return nil
	}
	return f.Requests[len(f.Requests)-1]
}

func (f *Fake) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	f.mu.Lock()
	f.Requests = append(f.Requests, req)
	turn := FakeTurn{Chunks: []string{"ok"}}
	if len(f.turns) > 0 {
		turn = f.turns[0]
		f.turns = f.turns[1:]
	}
	f.mu.Unlock()

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		for _, text := range turn.Chunks {
			if turn.Gate != nil {
				select {
				case <-ctx.Done():
					chunks <- &Chunk{Err: ctx.Err(), Done: true}
					return
				case <-turn.Gate:
				}
			}
			select {
			case <-ctx.Done():
				chunks <- &Chunk{Err: ctx.Err(), Done: true}
				return
			case chunks <- &Chunk{Text: text}:
			}
		}
		if turn.Err != nil {
			chunks <- &Chunk{Err: turn.Err, Done: true}
			return
		}
		for i := range turn.ToolCalls {
			tc := turn.ToolCalls[i]
			select {
			case <-ctx.Done():
				chunks <- &Chunk{Err: ctx.Err(), Done: true}
				return
			case chunks <- &Chunk{ToolCall: &tc}:
			}
		}
		chunks <- &Chunk{Done: true, InputTokens: turn.InputTokens, OutputTokens: turn.OutputTokens}
	}()
	return chunks, nil
}
