// Package mention implements the routing rules: which agents a message text
// addresses, and whether a given agent should respond to it. Everything here
// is a pure function.
package mention

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/agentworld/pkg/models"
)

// DefaultTurnLimit caps consecutive responses by the same agent in one
// thread before the subscriber stops dispatching.
const DefaultTurnLimit = 3

var mentionPattern = regexp.MustCompile(`^@([A-Za-z0-9_-]+)`)

// ExtractParagraphBeginningMentions returns the ordered, de-duplicated agent
// mentions that open a paragraph. A paragraph is a maximal newline-delimited
// block; mentions elsewhere in the text do not count. Trailing punctuation on
// the mention token is stripped.
func ExtractParagraphBeginningMentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimLeft(line, " \t")
		m := mentionPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimRight(m[1], ",:;.!?")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// InjectMention prepends "@agentID, " when text has no paragraph-beginning
// mention. Injection is idempotent: text that already opens with a mention is
// returned unchanged.
func InjectMention(text, agentID string) string {
	if agentID == "" {
		return text
	}
	if len(ExtractParagraphBeginningMentions(text)) > 0 {
		return text
	}
	return "@" + agentID + ", " + text
}

// IsHumanSender reports whether sender is the reserved human literal,
// case-insensitively.
func IsHumanSender(sender string) bool {
	return strings.EqualFold(sender, models.SenderHuman)
}

// Decision explains a routing outcome.
type Decision struct {
	Respond bool

	// Reason is set when Respond is false: "self", "not-mentioned",
	// "auto-reply-off", or "turn-limit".
	Reason string
}

// ShouldAgentRespond applies the routing rules for one agent against one
// incoming message. turnLimit <= 0 selects DefaultTurnLimit.
func ShouldAgentRespond(agent *models.Agent, ev models.MessageEvent, turnLimit int) Decision {
	if strings.EqualFold(ev.Sender, agent.ID) {
		return Decision{Reason: "self"}
	}

	mentions := ExtractParagraphBeginningMentions(ev.Content)
	if len(mentions) > 0 {
		if !containsFold(mentions, agent.ID) {
			return Decision{Reason: "not-mentioned"}
		}
	} else {
		if !IsHumanSender(ev.Sender) {
			return Decision{Reason: "not-mentioned"}
		}
		if !agent.AutoReply {
			return Decision{Reason: "auto-reply-off"}
		}
	}

	if turnLimit <= 0 {
		turnLimit = DefaultTurnLimit
	}
	if ConsecutiveAssistantTurns(agent.Memory, agent.ID) >= turnLimit {
		return Decision{Reason: "turn-limit"}
	}
	return Decision{Respond: true}
}

// ConsecutiveAssistantTurns counts, from the tail of memory, assistant rows
// authored by agentID with no intervening row from a distinct sender. Tool
// rows belong to the surrounding turn and do not break the run.
func ConsecutiveAssistantTurns(memory []models.ChatMessage, agentID string) int {
	count := 0
	for i := len(memory) - 1; i >= 0; i-- {
		row := memory[i]
		switch row.Role {
		case models.RoleAssistant:
			if !strings.EqualFold(row.Sender, agentID) {
				return count
			}
			count++
		case models.RoleTool:
			continue
		default:
			return count
		}
	}
	return count
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
