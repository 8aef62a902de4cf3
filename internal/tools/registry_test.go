package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/agentworld/internal/envelope"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// gatedTool wraps another tool and requires approval.
type gatedTool struct{ Tool }

func (gatedTool) RequiresApproval() bool { return true }

func newTestRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}
	return r
}

func TestRegistry_DefsPreserveRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, TimeTool{}, EchoTool{}, HITLTool{})
	defs := r.Defs()
	if len(defs) != 3 {
		t.Fatalf("Defs() len = %d, want 3", len(defs))
	}
	want := []string{"current_time", "echo", "human_intervention.request"}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("Defs()[%d].Name = %q, want %q", i, defs[i].Name, name)
		}
	}
	if defs[1].Description == "" || len(defs[1].Schema) == 0 {
		t.Error("echo def missing description or schema")
	}
}

func TestRegistry_DispatchExecutesTool(t *testing.T) {
	r := newTestRegistry(t, EchoTool{})
	d, err := r.Dispatch(context.Background(), models.ToolCall{
		ID:        "call_1",
		Name:      "echo",
		Arguments: `{"text":"hello"}`,
	}, false)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.Kind != DispatchExecute {
		t.Fatalf("Kind = %v, want DispatchExecute", d.Kind)
	}
	if d.Result.Content != "hello" || d.Result.IsError {
		t.Errorf("Result = %+v", d.Result)
	}
}

func TestRegistry_DispatchUnknownTool(t *testing.T) {
	r := newTestRegistry(t, EchoTool{})
	_, err := r.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "nope"}, false)
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("Dispatch(nope) error = %v", err)
	}
}

func TestRegistry_DispatchRejectsInvalidArguments(t *testing.T) {
	r := newTestRegistry(t, EchoTool{})

	// Missing the required "text" property.
	d, err := r.Dispatch(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: `{"other":1}`,
	}, false)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.Kind != DispatchExecute || !d.Result.IsError {
		t.Fatalf("dispatch = %+v, want error result", d)
	}
	if !strings.Contains(d.Result.Content, "invalid arguments") {
		t.Errorf("Content = %q", d.Result.Content)
	}
}

func TestRegistry_DispatchApprovalGate(t *testing.T) {
	r := newTestRegistry(t, gatedTool{EchoTool{}})
	call := models.ToolCall{ID: "call_9", Name: "echo", Arguments: `{"text":"hi"}`}

	d, err := r.Dispatch(context.Background(), call, false)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.Kind != DispatchRequestApproval {
		t.Fatalf("Kind = %v, want DispatchRequestApproval", d.Kind)
	}
	if d.Approval.OriginalToolCall.ID != "call_9" || d.Approval.OriginalToolCall.Name != "echo" {
		t.Errorf("OriginalToolCall = %+v", d.Approval.OriginalToolCall)
	}
	if len(d.Approval.Options) != 3 || d.Approval.Options[0] != "deny" {
		t.Errorf("Options = %v", d.Approval.Options)
	}

	// A cached session approval unlocks execution.
	d, err = r.Dispatch(context.Background(), call, true)
	if err != nil {
		t.Fatalf("Dispatch(approved) error = %v", err)
	}
	if d.Kind != DispatchExecute || d.Result.Content != "hi" {
		t.Errorf("approved dispatch = %+v", d)
	}
}

func TestRegistry_DispatchHITLNeverExecutes(t *testing.T) {
	r := newTestRegistry(t, HITLTool{})
	d, err := r.Dispatch(context.Background(), models.ToolCall{
		ID:        "call_2",
		Name:      envelope.HITLToolName,
		Arguments: `{"prompt":"Deploy to prod?","options":["yes","no"],"context":"release v2"}`,
	}, false)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.Kind != DispatchRequestHITL {
		t.Fatalf("Kind = %v, want DispatchRequestHITL", d.Kind)
	}
	if d.HITL.Prompt != "Deploy to prod?" || len(d.HITL.Options) != 2 {
		t.Errorf("HITL args = %+v", d.HITL)
	}
	if d.HITL.OriginalToolCall.ID != "call_2" {
		t.Errorf("OriginalToolCall = %+v", d.HITL.OriginalToolCall)
	}
}

func TestRegistry_DispatchEmptyArgumentsAsEmptyObject(t *testing.T) {
	r := newTestRegistry(t, TimeTool{})
	d, err := r.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "current_time"}, false)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.Result.IsError || d.Result.Content == "" {
		t.Errorf("Result = %+v", d.Result)
	}
}

func TestEchoTool(t *testing.T) {
	res, err := EchoTool{}.Execute(context.Background(), json.RawMessage(`{"text":"back at you"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Content != "back at you" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestTimeTool_FormatAndLocation(t *testing.T) {
	res, err := TimeTool{}.Execute(context.Background(), json.RawMessage(`{"format":"2006-01-02"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Content) != len("2006-01-02") {
		t.Errorf("Content = %q, want yyyy-mm-dd", res.Content)
	}

	res, err = TimeTool{}.Execute(context.Background(), json.RawMessage(`{"location":"Not/AZone"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Error("unknown location should return an error result")
	}
}
