package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentworld/internal/envelope"
	"github.com/haasonsaas/agentworld/internal/llm"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// Registry holds the tools available to the agents of one world. Argument
// schemas are compiled at registration time and every call is validated
// before it reaches the tool.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
	order    []string

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
		logger:   logger,
	}
}

// WithMetrics enables execution metrics.
func (r *Registry) WithMetrics(m *observability.Metrics) *Registry {
	r.metrics = m
	return r
}

// Register adds a tool, compiling its argument schema. Re-registering a name
// replaces the previous tool.
func (r *Registry) Register(t Tool) error {
	schema, err := jsonschema.CompileString(t.Name()+".json", string(t.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
	r.compiled[t.Name()] = schema
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns provider-facing tool definitions in registration order.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Dispatch routes one tool call. approved reports whether a session approval
// is already cached for this call's tool; the caller owns that lookup.
//
// The human-intervention tool and approval-gated tools are never executed
// here: they come back as request variants for the caller to surface.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCall, approved bool) (*Dispatch, error) {
	original := envelope.OriginalToolCall{
		ID:   call.ID,
		Name: call.Name,
		Args: call.Arguments,
	}

	if call.Name == envelope.HITLToolName {
		var args envelope.HITLRequestArgs
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse %s arguments: %w", envelope.HITLToolName, err)
			}
		}
		args.OriginalToolCall = original
		return &Dispatch{Kind: DispatchRequestHITL, HITL: &args}, nil
	}

	r.mu.RLock()
	t, ok := r.tools[call.Name]
	schema := r.compiled[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}

	if t.RequiresApproval() && !approved {
		return &Dispatch{
			Kind: DispatchRequestApproval,
			Approval: &envelope.ApprovalRequestArgs{
				OriginalToolCall: original,
				Message:          fmt.Sprintf("Approval required to run tool %q.", call.Name),
				Options:          envelope.ApprovalOptions,
			},
		}, nil
	}

	if err := validateArgs(schema, call.Arguments); err != nil {
		// Invalid arguments come back as an error result so the model can
		// see the problem and retry.
		return &Dispatch{
			Kind:   DispatchExecute,
			Result: &Result{Content: fmt.Sprintf("invalid arguments for tool %q: %v", call.Name, err), IsError: true},
		}, nil
	}

	started := time.Now()
	result, err := t.Execute(ctx, json.RawMessage(normalizeArgs(call.Arguments)))
	status := "ok"
	if err != nil {
		status = "error"
		result = &Result{Content: fmt.Sprintf("tool %q failed: %v", call.Name, err), IsError: true}
	} else if result == nil {
		result = &Result{}
	} else if result.IsError {
		status = "error"
	}
	r.metrics.RecordToolExecution(call.Name, status, time.Since(started).Seconds())
	if status == "error" {
		r.logger.Warn("tool execution failed", "tool", call.Name, "result", result.Content)
	}

	return &Dispatch{Kind: DispatchExecute, Result: result}, nil
}

func validateArgs(schema *jsonschema.Schema, raw string) error {
	var v any
	if err := json.Unmarshal([]byte(normalizeArgs(raw)), &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(v)
}

// normalizeArgs treats an absent argument string as the empty object, which
// some providers emit for zero-argument calls.
func normalizeArgs(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}
