package mention

import (
	"reflect"
	"testing"

	"github.com/haasonsaas/agentworld/pkg/models"
)

func TestExtractParagraphBeginningMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single", "@a1, please review", []string{"a1"}},
		{"punctuation stripped", "@a1: hello", []string{"a1"}},
		{"mid-line ignored", "hi @a2", nil},
		{"multiple paragraphs", "@a1, first\n@a2 second", []string{"a1", "a2"}},
		{"duplicates removed", "@a1 one\n@a1 two", []string{"a1"}},
		{"leading whitespace ok", "  @a1 hello", []string{"a1"}},
		{"plain text", "hello there", nil},
		{"bare at sign", "@ nothing", nil},
		{"hyphenated id", "@agent-two, go", []string{"agent-two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractParagraphBeginningMentions(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractParagraphBeginningMentions(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestInjectMention(t *testing.T) {
	if got := InjectMention("hi", "a1"); got != "@a1, hi" {
		t.Errorf("InjectMention(hi) = %q", got)
	}
	// Idempotent: an existing paragraph-beginning mention blocks injection.
	if got := InjectMention("@a1, hi", "a1"); got != "@a1, hi" {
		t.Errorf("InjectMention(@a1, hi) = %q", got)
	}
	if got := InjectMention("@a2, hi", "a1"); got != "@a2, hi" {
		t.Errorf("InjectMention with other mention = %q", got)
	}
	// A mid-line mention is not a paragraph-beginning one, so injection fires.
	if got := InjectMention("hi @a2", "a1"); got != "@a1, hi @a2" {
		t.Errorf("InjectMention(hi @a2) = %q", got)
	}
}

func agentFixture(id string, autoReply bool) *models.Agent {
	return &models.Agent{ID: id, WorldID: "w1", Name: id, AutoReply: autoReply}
}

func TestShouldAgentRespond_MentionRouting(t *testing.T) {
	a1 := agentFixture("a1", true)
	a2 := agentFixture("a2", true)

	ev := models.MessageEvent{Content: "@a2, ping", Sender: "HUMAN"}
	if d := ShouldAgentRespond(a2, ev, 0); !d.Respond {
		t.Errorf("mentioned agent declined: %+v", d)
	}
	if d := ShouldAgentRespond(a1, ev, 0); d.Respond || d.Reason != "not-mentioned" {
		t.Errorf("unmentioned agent dispatched: %+v", d)
	}
}

func TestShouldAgentRespond_AutoReply(t *testing.T) {
	ev := models.MessageEvent{Content: "hello", Sender: "HUMAN"}

	if d := ShouldAgentRespond(agentFixture("a1", true), ev, 0); !d.Respond {
		t.Errorf("autoReply agent declined human message: %+v", d)
	}
	if d := ShouldAgentRespond(agentFixture("a1", false), ev, 0); d.Respond || d.Reason != "auto-reply-off" {
		t.Errorf("autoReply=false agent dispatched: %+v", d)
	}
}

func TestShouldAgentRespond_SelfAndAgentSender(t *testing.T) {
	a1 := agentFixture("a1", true)

	// Case-insensitive self check.
	ev := models.MessageEvent{Content: "loop", Sender: "A1"}
	if d := ShouldAgentRespond(a1, ev, 0); d.Respond || d.Reason != "self" {
		t.Errorf("agent responded to itself: %+v", d)
	}

	// Unmentioned message from another agent is not auto-replied.
	ev = models.MessageEvent{Content: "fyi", Sender: "a2"}
	if d := ShouldAgentRespond(a1, ev, 0); d.Respond {
		t.Errorf("agent auto-replied to agent sender: %+v", d)
	}
}

func TestShouldAgentRespond_TurnLimit(t *testing.T) {
	a1 := agentFixture("a1", true)
	for i := 0; i < 3; i++ {
		a1.Memory = append(a1.Memory, models.ChatMessage{Role: models.RoleAssistant, Sender: "a1"})
	}

	ev := models.MessageEvent{Content: "@a1, again", Sender: "a2"}
	if d := ShouldAgentRespond(a1, ev, 0); d.Respond || d.Reason != "turn-limit" {
		t.Errorf("capped agent dispatched: %+v", d)
	}

	// A distinct sender in between resets the run.
	a1.Memory = append(a1.Memory, models.ChatMessage{Role: models.RoleUser, Sender: "HUMAN"})
	if d := ShouldAgentRespond(a1, ev, 0); !d.Respond {
		t.Errorf("reset run still capped: %+v", d)
	}
}

func TestConsecutiveAssistantTurns(t *testing.T) {
	memory := []models.ChatMessage{
		{Role: models.RoleUser, Sender: "HUMAN"},
		{Role: models.RoleAssistant, Sender: "a1"},
		{Role: models.RoleTool, ToolCallID: "call_1"},
		{Role: models.RoleAssistant, Sender: "a1"},
	}
	// Tool rows belong to the surrounding turn and do not break the run.
	if got := ConsecutiveAssistantTurns(memory, "a1"); got != 2 {
		t.Errorf("ConsecutiveAssistantTurns() = %d, want 2", got)
	}
	if got := ConsecutiveAssistantTurns(memory, "a2"); got != 0 {
		t.Errorf("ConsecutiveAssistantTurns(a2) = %d, want 0", got)
	}
}
