// Package llm defines the provider seam for streaming completions and the
// adapters for the supported backends. Adapters convert between agent memory
// rows and each vendor's wire format; the orchestrator only sees Chunk
// streams.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/agentworld/pkg/models"
)

// Message is one conversation row in provider-neutral form.
type Message struct {
	// Role is one of the models role constants.
	Role    string
	Content string

	// ToolCalls is set on assistant rows requesting tool execution.
	ToolCalls []models.ToolCall

	// ToolCallID links a tool row to the call it answers.
	ToolCallID string
}

// ToolDef describes a callable tool for the provider.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	Temperature float32
	MaxTokens   int
}

// Chunk is one frame of a streamed completion. A stream is a finite sequence
// terminated by a frame with Done or Err set; consumers must drain it or
// cancel the context.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall

	InputTokens  int
	OutputTokens int

	Done bool
	Err  error
}

// Provider is a streaming LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Registry resolves providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get resolves a provider by name, case-insensitively.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (registered: %s)", name, strings.Join(r.names(), ", "))
	}
	return p, nil
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// retryable classifies transient provider errors worth retrying.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
