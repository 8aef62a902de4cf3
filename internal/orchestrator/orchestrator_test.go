package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentworld/internal/approval"
	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/internal/envelope"
	"github.com/haasonsaas/agentworld/internal/llm"
	"github.com/haasonsaas/agentworld/internal/tools"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// fakeSession is an in-memory AgentSession with no storage behind it.
type fakeSession struct {
	mu       sync.Mutex
	agent    *models.Agent
	llmCalls int
}

func newFakeSession(agent *models.Agent) *fakeSession {
	return &fakeSession{agent: agent.Clone()}
}

func (s *fakeSession) Agent() *models.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent.Clone()
}

func (s *fakeSession) Append(_ context.Context, rows ...models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent.Memory = append(s.agent.Memory, rows...)
}

func (s *fakeSession) SetToolCallStatus(_ context.Context, toolCallID string, status models.ToolCallStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.agent.Memory) - 1; i >= 0; i-- {
		row := &s.agent.Memory[i]
		if row.Role != models.RoleAssistant || !row.HasToolCall(toolCallID) {
			continue
		}
		if row.ToolCallStatus == nil {
			row.ToolCallStatus = make(map[string]models.ToolCallStatus)
		}
		row.ToolCallStatus[toolCallID] = status
		return
	}
}

func (s *fakeSession) RecordLLMCall(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmCalls++
}

func (s *fakeSession) memory() []models.ChatMessage {
	return s.Agent().Memory
}

// gatedTool requires approval and records whether it ran.
type gatedTool struct {
	ran *int
}

func (gatedTool) Name() string        { return "wipe_cache" }
func (gatedTool) Description() string { return "Clears a named cache." }
func (gatedTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"target":{"type":"string"}},"additionalProperties":false}`)
}
func (gatedTool) RequiresApproval() bool { return true }
func (g gatedTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	*g.ran++
	return &tools.Result{Content: "cache cleared"}, nil
}

// recorder captures every bus emission by channel.
type recorder struct {
	mu       sync.Mutex
	sse      []models.SSEEvent
	messages []models.MessageEvent
	toolEvs  []models.ToolEvent
	system   []models.SystemEvent
}

func record(b *bus.Bus) *recorder {
	r := &recorder{}
	b.Subscribe(bus.ChannelSSE, func(p any) {
		if ev, ok := p.(models.SSEEvent); ok {
			r.mu.Lock()
			r.sse = append(r.sse, ev)
			r.mu.Unlock()
		}
	})
	b.Subscribe(bus.ChannelMessage, func(p any) {
		if ev, ok := p.(models.MessageEvent); ok {
			r.mu.Lock()
			r.messages = append(r.messages, ev)
			r.mu.Unlock()
		}
	})
	b.Subscribe(bus.ChannelWorld, func(p any) {
		if ev, ok := p.(models.ToolEvent); ok {
			r.mu.Lock()
			r.toolEvs = append(r.toolEvs, ev)
			r.mu.Unlock()
		}
	})
	b.Subscribe(bus.ChannelSystem, func(p any) {
		if ev, ok := p.(models.SystemEvent); ok {
			r.mu.Lock()
			r.system = append(r.system, ev)
			r.mu.Unlock()
		}
	})
	return r
}

func (r *recorder) sseTypes() []models.SSEEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SSEEventType, 0, len(r.sse))
	for _, ev := range r.sse {
		out = append(out, ev.Type)
	}
	return out
}

type testRig struct {
	orch      *Orchestrator
	fake      *llm.Fake
	b         *bus.Bus
	rec       *recorder
	approvals *approval.Cache
	ran       *int
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	fake := llm.NewFake()
	providers := llm.NewRegistry()
	providers.Register(fake)

	ran := new(int)
	registry := tools.NewRegistry(nil)
	for _, tool := range []tools.Tool{tools.EchoTool{}, tools.HITLTool{}, gatedTool{ran: ran}} {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}

	b := bus.New(nil)
	approvals := approval.NewCache()
	orch := New(Config{
		WorldID:   "w1",
		Bus:       b,
		Providers: providers,
		Tools:     registry,
		Approvals: approvals,
	})
	return &testRig{orch: orch, fake: fake, b: b, rec: record(b), approvals: approvals, ran: ran}
}

func testAgent() *models.Agent {
	return &models.Agent{
		ID:        "a1",
		WorldID:   "w1",
		Name:      "Agent One",
		Provider:  "fake",
		Model:     "fake-1",
		AutoReply: true,
	}
}

func humanTrigger() Trigger {
	return Trigger{Sender: models.SenderHuman, MessageID: "m-trigger", ChatID: "c1"}
}

func TestRunTurn_TextResponse(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	sess.Append(context.Background(), models.ChatMessage{
		Role: models.RoleUser, Content: "hello", Sender: models.SenderHuman, ChatID: "c1",
	})
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"Hi ", "there"}, InputTokens: 7, OutputTokens: 2})

	rig.orch.RunTurn(context.Background(), sess, humanTrigger())

	mem := sess.memory()
	if len(mem) != 2 {
		t.Fatalf("memory rows = %d, want 2", len(mem))
	}
	row := mem[1]
	if row.Role != models.RoleAssistant || row.Content != "Hi there" {
		t.Errorf("assistant row = %q %q", row.Role, row.Content)
	}
	if row.Sender != "a1" || row.ReplyToMessageID != "m-trigger" {
		t.Errorf("assistant row sender/replyTo = %q %q", row.Sender, row.ReplyToMessageID)
	}

	want := []models.SSEEventType{models.SSEStart, models.SSEChunk, models.SSEChunk, models.SSEEnd}
	got := rig.rec.sseTypes()
	if len(got) != len(want) {
		t.Fatalf("sse frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sse[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	end := rig.rec.sse[len(rig.rec.sse)-1]
	if end.Aborted || end.Usage == nil || end.Usage.InputTokens != 7 {
		t.Errorf("end frame = %+v", end)
	}
	for _, ev := range rig.rec.sse {
		if ev.MessageID != rig.rec.sse[0].MessageID {
			t.Errorf("frame message id %q differs from start %q", ev.MessageID, rig.rec.sse[0].MessageID)
		}
	}

	// Human triggers never earn a mention prefix.
	if len(rig.rec.messages) != 1 || rig.rec.messages[0].Content != "Hi there" {
		t.Errorf("published messages = %+v", rig.rec.messages)
	}
	if sess.llmCalls != 1 {
		t.Errorf("llm calls = %d, want 1", sess.llmCalls)
	}
}

func TestRunTurn_AutoMentionForAgentSender(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"sure thing"}})

	rig.orch.RunTurn(context.Background(), sess, Trigger{Sender: "a2", MessageID: "m1", ChatID: "c1"})

	if len(rig.rec.messages) != 1 {
		t.Fatalf("published messages = %d, want 1", len(rig.rec.messages))
	}
	if got := rig.rec.messages[0].Content; got != "@a2, sure thing" {
		t.Errorf("published content = %q, want %q", got, "@a2, sure thing")
	}
	// Stored memory keeps the raw text.
	mem := sess.memory()
	if mem[len(mem)-1].Content != "sure thing" {
		t.Errorf("stored content = %q, want %q", mem[len(mem)-1].Content, "sure thing")
	}
}

func TestRunTurn_AutoMentionSkipsExistingMention(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"@a2, already addressed"}})

	rig.orch.RunTurn(context.Background(), sess, Trigger{Sender: "a2", MessageID: "m1", ChatID: "c1"})

	if got := rig.rec.messages[0].Content; got != "@a2, already addressed" {
		t.Errorf("published content = %q", got)
	}
}

func TestRunTurn_ToolLoop(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	rig.fake.Enqueue(llm.FakeTurn{ToolCalls: []models.ToolCall{
		{ID: "call_1", Name: "echo", Arguments: `{"text":"ping"}`},
	}})
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"done"}})

	rig.orch.RunTurn(context.Background(), sess, humanTrigger())

	mem := sess.memory()
	if len(mem) != 3 {
		t.Fatalf("memory rows = %d, want 3: %+v", len(mem), mem)
	}
	if !mem[0].HasToolCall("call_1") {
		t.Fatalf("first row lacks tool call: %+v", mem[0])
	}
	if st := mem[0].ToolCallStatus["call_1"]; !st.Complete {
		t.Errorf("tool call status = %+v, want complete", st)
	}
	if mem[1].Role != models.RoleTool || mem[1].ToolCallID != "call_1" || mem[1].Content != "ping" {
		t.Errorf("tool row = %+v", mem[1])
	}
	if mem[2].Role != models.RoleAssistant || mem[2].Content != "done" {
		t.Errorf("final row = %+v", mem[2])
	}

	// The second request sees the executed tool exchange.
	if len(rig.fake.Requests) != 2 {
		t.Fatalf("llm requests = %d, want 2", len(rig.fake.Requests))
	}
	second := rig.fake.Requests[1].Messages
	foundTool := false
	for _, m := range second {
		if m.Role == models.RoleTool && m.ToolCallID == "call_1" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Errorf("second request misses tool row: %+v", second)
	}

	// tool-start then tool-result on the world channel.
	if len(rig.rec.toolEvs) != 2 || rig.rec.toolEvs[0].Type != models.ToolStart || rig.rec.toolEvs[1].Type != models.ToolResult {
		t.Errorf("tool events = %+v", rig.rec.toolEvs)
	}
}

func TestRunTurn_ApprovalSentinel(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	rig.fake.Enqueue(llm.FakeTurn{ToolCalls: []models.ToolCall{
		{ID: "call_9", Name: "wipe_cache", Arguments: `{"target":"sessions"}`},
	}})

	rig.orch.RunTurn(context.Background(), sess, humanTrigger())

	if *rig.ran != 0 {
		t.Fatalf("gated tool ran %d times before approval", *rig.ran)
	}
	mem := sess.memory()
	if len(mem) != 2 {
		t.Fatalf("memory rows = %d, want 2: %+v", len(mem), mem)
	}
	sentinelRow := mem[1]
	if len(sentinelRow.ToolCalls) != 1 {
		t.Fatalf("sentinel row calls = %+v", sentinelRow.ToolCalls)
	}
	sentinel := sentinelRow.ToolCalls[0]
	if !envelope.IsApprovalID(sentinel.ID) {
		t.Errorf("sentinel id = %q, want approval prefix", sentinel.ID)
	}
	if sentinel.Name != envelope.ClientRequestApproval {
		t.Errorf("sentinel name = %q", sentinel.Name)
	}
	var args envelope.ApprovalRequestArgs
	if err := json.Unmarshal([]byte(sentinel.Arguments), &args); err != nil {
		t.Fatalf("unmarshal sentinel args: %v", err)
	}
	if args.OriginalToolCall.ID != "call_9" || args.OriginalToolCall.Name != "wipe_cache" {
		t.Errorf("original call = %+v", args.OriginalToolCall)
	}
	if len(args.Options) != 3 {
		t.Errorf("options = %v", args.Options)
	}
	// The sentinel is published so a transport can surface it.
	if len(rig.rec.messages) != 1 || !strings.Contains(rig.rec.messages[0].Content, "originalToolCall") {
		t.Errorf("published sentinel = %+v", rig.rec.messages)
	}
	// Only one LLM call: the turn parks on the sentinel.
	if len(rig.fake.Requests) != 1 {
		t.Errorf("llm requests = %d, want 1", len(rig.fake.Requests))
	}
}

// runToSentinel drives a turn into a gated call and returns the sentinel id.
func runToSentinel(t *testing.T, rig *testRig, sess *fakeSession) string {
	t.Helper()
	rig.fake.Enqueue(llm.FakeTurn{ToolCalls: []models.ToolCall{
		{ID: "call_9", Name: "wipe_cache", Arguments: `{"target":"sessions"}`},
	}})
	rig.orch.RunTurn(context.Background(), sess, humanTrigger())
	mem := sess.memory()
	last := mem[len(mem)-1]
	if len(last.ToolCalls) != 1 || !envelope.IsApprovalID(last.ToolCalls[0].ID) {
		t.Fatalf("no approval sentinel: %+v", last)
	}
	return last.ToolCalls[0].ID
}

func TestResumeToolResult_ApproveSession(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	sentinelID := runToSentinel(t, rig, sess)
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"cleared"}})

	rig.orch.ResumeToolResult(context.Background(), sess, humanTrigger(), sentinelID,
		envelope.ResultPayload{Decision: "approve", Scope: "session", ToolName: "wipe_cache"})

	if *rig.ran != 1 {
		t.Fatalf("gated tool ran %d times, want 1", *rig.ran)
	}
	if !rig.approvals.Get("c1", "wipe_cache") {
		t.Errorf("session approval not cached")
	}

	// The tool row answers the original LLM-issued call id.
	mem := sess.memory()
	var toolRow *models.ChatMessage
	for i := range mem {
		if mem[i].Role == models.RoleTool && mem[i].ToolCallID == "call_9" {
			toolRow = &mem[i]
		}
	}
	if toolRow == nil {
		t.Fatalf("no tool row for call_9: %+v", mem)
	}
	if toolRow.Content != "cache cleared" {
		t.Errorf("tool row content = %q", toolRow.Content)
	}
	if mem[len(mem)-1].Content != "cleared" {
		t.Errorf("resumed response = %+v", mem[len(mem)-1])
	}
	if st := mem[0].ToolCallStatus["call_9"]; !st.Complete {
		t.Errorf("original call status = %+v", st)
	}

	// A later dispatch of the same tool in the same chat needs no new sentinel.
	rig.fake.Enqueue(llm.FakeTurn{ToolCalls: []models.ToolCall{
		{ID: "call_10", Name: "wipe_cache", Arguments: `{"target":"tokens"}`},
	}})
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"again"}})
	rig.orch.RunTurn(context.Background(), sess, humanTrigger())
	if *rig.ran != 2 {
		t.Errorf("gated tool ran %d times after session approval, want 2", *rig.ran)
	}
}

func TestResumeToolResult_ApproveOnceDoesNotPrimeCache(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	sentinelID := runToSentinel(t, rig, sess)
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"ok"}})

	rig.orch.ResumeToolResult(context.Background(), sess, humanTrigger(), sentinelID,
		envelope.ResultPayload{Decision: "approve", Scope: "once", ToolName: "wipe_cache"})

	if *rig.ran != 1 {
		t.Fatalf("gated tool ran %d times, want 1", *rig.ran)
	}
	if rig.approvals.Get("c1", "wipe_cache") {
		t.Errorf("once-scoped approval leaked into the session cache")
	}
}

func TestResumeToolResult_Deny(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	sentinelID := runToSentinel(t, rig, sess)
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"understood"}})

	rig.orch.ResumeToolResult(context.Background(), sess, humanTrigger(), sentinelID,
		envelope.ResultPayload{Decision: "deny", Scope: "once", ToolName: "wipe_cache"})

	if *rig.ran != 0 {
		t.Fatalf("denied tool ran %d times", *rig.ran)
	}
	if rig.approvals.Get("c1", "wipe_cache") {
		t.Errorf("deny primed the approval cache")
	}
	mem := sess.memory()
	var toolRow *models.ChatMessage
	for i := range mem {
		if mem[i].Role == models.RoleTool && mem[i].ToolCallID == "call_9" {
			toolRow = &mem[i]
		}
	}
	if toolRow == nil || toolRow.Content != deniedResultContent {
		t.Errorf("denial row = %+v", toolRow)
	}
	// No tool lifecycle events for a call that never executed.
	if len(rig.rec.toolEvs) != 0 {
		t.Errorf("tool events on deny = %+v", rig.rec.toolEvs)
	}
}

func TestResumeToolResult_HITLChoice(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	rig.fake.Enqueue(llm.FakeTurn{ToolCalls: []models.ToolCall{
		{ID: "call_z", Name: envelope.HITLToolName, Arguments: `{"prompt":"Proceed how?","options":["A","B"]}`},
	}})
	rig.orch.RunTurn(context.Background(), sess, humanTrigger())

	mem := sess.memory()
	sentinel := mem[len(mem)-1].ToolCalls[0]
	if !envelope.IsHITLID(sentinel.ID) || sentinel.Name != envelope.ClientHumanIntervention {
		t.Fatalf("hitl sentinel = %+v", sentinel)
	}
	var args envelope.HITLRequestArgs
	if err := json.Unmarshal([]byte(sentinel.Arguments), &args); err != nil {
		t.Fatalf("unmarshal hitl args: %v", err)
	}
	if args.Prompt != "Proceed how?" || args.OriginalToolCall.ID != "call_z" {
		t.Errorf("hitl args = %+v", args)
	}

	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"went with B"}})
	rig.orch.ResumeToolResult(context.Background(), sess, humanTrigger(), sentinel.ID,
		envelope.ResultPayload{Decision: "approve", Scope: "once", Choice: "B", ToolName: envelope.ClientHumanIntervention})

	mem = sess.memory()
	var toolRow *models.ChatMessage
	for i := range mem {
		if mem[i].Role == models.RoleTool && mem[i].ToolCallID == "call_z" {
			toolRow = &mem[i]
		}
	}
	if toolRow == nil || toolRow.Content != "B" {
		t.Fatalf("hitl tool row = %+v", toolRow)
	}
	if rig.approvals.Get("c1", envelope.HITLToolName) {
		t.Errorf("hitl resolution touched the approval cache")
	}
	if len(rig.rec.toolEvs) != 0 {
		t.Errorf("tool events for hitl = %+v", rig.rec.toolEvs)
	}
	if mem[len(mem)-1].Content != "went with B" {
		t.Errorf("resumed response = %+v", mem[len(mem)-1])
	}
}

func TestResumeToolResult_ClosesSiblingCalls(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	rig.fake.Enqueue(llm.FakeTurn{ToolCalls: []models.ToolCall{
		{ID: "call_a", Name: "wipe_cache", Arguments: `{"target":"a"}`},
		{ID: "call_b", Name: "echo", Arguments: `{"text":"side"}`},
	}})
	rig.orch.RunTurn(context.Background(), sess, humanTrigger())

	mem := sess.memory()
	sentinelID := mem[len(mem)-1].ToolCalls[0].ID
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"wrapped up"}})
	rig.orch.ResumeToolResult(context.Background(), sess, humanTrigger(), sentinelID,
		envelope.ResultPayload{Decision: "approve", Scope: "once", ToolName: "wipe_cache"})

	mem = sess.memory()
	byCall := map[string]string{}
	for _, row := range mem {
		if row.Role == models.RoleTool && row.ToolCallID != "" {
			byCall[row.ToolCallID] = row.Content
		}
	}
	if byCall["call_a"] != "cache cleared" {
		t.Errorf("call_a result = %q", byCall["call_a"])
	}
	if byCall["call_b"] != "side" {
		t.Errorf("call_b result = %q", byCall["call_b"])
	}
}

func TestRunTurn_ProviderErrorLeavesMemoryUntouched(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	sess.Append(context.Background(), models.ChatMessage{Role: models.RoleUser, Content: "hi"})
	rig.fake.Enqueue(llm.FakeTurn{Err: errors.New("upstream unavailable")})

	rig.orch.RunTurn(context.Background(), sess, humanTrigger())

	if got := len(sess.memory()); got != 1 {
		t.Errorf("memory rows after failure = %d, want 1", got)
	}
	types := rig.rec.sseTypes()
	if len(types) == 0 || types[len(types)-1] != models.SSEError {
		t.Errorf("sse frames = %v, want trailing error", types)
	}
	if len(rig.rec.system) != 1 || !strings.Contains(rig.rec.system[0].Content, "failed") {
		t.Errorf("system events = %+v", rig.rec.system)
	}
}

func TestRunTurn_CancelFlushesPartial(t *testing.T) {
	rig := newTestRig(t)
	sess := newFakeSession(testAgent())
	gate := make(chan struct{})
	rig.fake.Enqueue(llm.FakeTurn{Chunks: []string{"partial ", "rest"}, Gate: gate})

	chunkSeen := make(chan struct{}, 4)
	rig.b.Subscribe(string(models.SSEChunk), func(any) { chunkSeen <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.orch.RunTurn(ctx, sess, humanTrigger())
	}()

	gate <- struct{}{}
	select {
	case <-chunkSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for turn to stop")
	}

	mem := sess.memory()
	if len(mem) != 1 || mem[0].Content != "partial " {
		t.Fatalf("flushed memory = %+v", mem)
	}
	var end *models.SSEEvent
	for i := range rig.rec.sse {
		if rig.rec.sse[i].Type == models.SSEEnd {
			end = &rig.rec.sse[i]
		}
	}
	if end == nil || !end.Aborted {
		t.Errorf("end frame = %+v, want aborted", end)
	}
	// No message event: the aborted turn publishes nothing.
	if len(rig.rec.messages) != 0 {
		t.Errorf("published messages after cancel = %+v", rig.rec.messages)
	}
}

func TestFilterForLLM_HidesClientTraffic(t *testing.T) {
	memory := []models.ChatMessage{
		{Role: models.RoleUser, Content: "run it"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "wipe_cache", Arguments: "{}"},
		}},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "approval_abc", Name: envelope.ClientRequestApproval, Arguments: "{}"},
		}},
		{Role: models.RoleTool, ToolCallID: "approval_abc", Content: `{"decision":"approve"}`},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "cache cleared"},
		{Role: models.RoleAssistant, Content: "all clear"},
	}

	out := FilterForLLM(memory)

	if len(out) != 4 {
		t.Fatalf("filtered rows = %d, want 4: %+v", len(out), out)
	}
	if out[0].Role != models.RoleUser {
		t.Errorf("row 0 = %+v", out[0])
	}
	if len(out[1].ToolCalls) != 1 || out[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("row 1 = %+v", out[1])
	}
	if out[2].Role != models.RoleTool || out[2].ToolCallID != "call_1" {
		t.Errorf("row 2 = %+v", out[2])
	}
	if out[3].Content != "all clear" {
		t.Errorf("row 3 = %+v", out[3])
	}
	for _, m := range out {
		for _, tc := range m.ToolCalls {
			if strings.HasPrefix(tc.Name, "client.") {
				t.Errorf("client call leaked to provider: %+v", tc)
			}
		}
		if envelope.IsSentinelID(m.ToolCallID) {
			t.Errorf("sentinel tool row leaked to provider: %+v", m)
		}
	}
}

func TestFilterForLLM_StripsClientCallFromMixedRow(t *testing.T) {
	memory := []models.ChatMessage{
		{Role: models.RoleAssistant, Content: "doing both", ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: `{"text":"x"}`},
			{ID: "hitl_1", Name: envelope.ClientHumanIntervention, Arguments: "{}"},
		}},
	}

	out := FilterForLLM(memory)

	if len(out) != 1 {
		t.Fatalf("filtered rows = %d, want 1", len(out))
	}
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Name != "echo" {
		t.Errorf("kept calls = %+v", out[0].ToolCalls)
	}
	if out[0].Content != "doing both" {
		t.Errorf("content = %q", out[0].Content)
	}
}

func TestFilterForLLM_IsReadOnly(t *testing.T) {
	memory := []models.ChatMessage{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "hitl_1", Name: envelope.ClientHumanIntervention, Arguments: "{}"},
		}},
	}

	FilterForLLM(memory)

	if memory[1].ToolCalls[0].ID != "hitl_1" {
		t.Errorf("filter mutated source memory: %+v", memory[1])
	}
	if len(memory) != 2 {
		t.Errorf("filter changed row count: %d", len(memory))
	}
}

func TestMentionsSender(t *testing.T) {
	cases := []struct {
		text, sender string
		want         bool
	}{
		{"@a2, hello", "a2", true},
		{"@A2, hello", "a2", true},
		{"hello @a2", "a2", false},
		{"line one\n@a2, second paragraph", "a2", true},
		{"plain", "a2", false},
	}
	for _, tc := range cases {
		if got := mentionsSender(tc.text, tc.sender); got != tc.want {
			t.Errorf("mentionsSender(%q, %q) = %v, want %v", tc.text, tc.sender, got, tc.want)
		}
	}
}
