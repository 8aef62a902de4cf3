// Package tools defines the tool seam used by the orchestrator: a registry of
// named tools with JSON-schema argument validation, and a typed dispatch
// outcome that separates direct execution from approval and human-in-the-loop
// requests.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentworld/internal/envelope"
)

// Result is the outcome of a tool execution.
type Result struct {
	Content string
	IsError bool
}

// Tool is an executable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON schema of the argument object.
	Schema() json.RawMessage

	// RequiresApproval reports whether execution is gated on a human
	// decision unless a session approval is cached.
	RequiresApproval() bool

	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// DispatchKind discriminates Dispatch variants.
type DispatchKind int

const (
	// DispatchExecute means the tool ran and Result is set.
	DispatchExecute DispatchKind = iota

	// DispatchRequestApproval means execution is withheld pending a human
	// approval decision; Approval carries the request arguments.
	DispatchRequestApproval

	// DispatchRequestHITL means the call is a human-intervention request;
	// HITL carries the request arguments. Nothing is executed.
	DispatchRequestHITL
)

// Dispatch is the typed outcome of routing one tool call. Exactly one of
// Result, Approval, and HITL is set, matching Kind.
type Dispatch struct {
	Kind DispatchKind

	Result   *Result
	Approval *envelope.ApprovalRequestArgs
	HITL     *envelope.HITLRequestArgs
}

// Emitter publishes world events. Satisfied by *bus.Bus.
type Emitter interface {
	Emit(channel string, payload any)
}

// Invocation carries the identity of the turn a tool runs under, so
// long-running tools can label their streamed frames.
type Invocation struct {
	AgentName string
	MessageID string
	ChatID    string
}

type invocationKey struct{}

// WithInvocation attaches invocation metadata to a context.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom extracts invocation metadata; zero value when absent.
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}
