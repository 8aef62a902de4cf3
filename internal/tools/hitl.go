package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/agentworld/internal/envelope"
)

var hitlSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"prompt": {
			"type": "string",
			"description": "Question to put to the human."
		},
		"options": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1,
			"description": "Choices presented to the human; the chosen option text becomes the tool result."
		},
		"context": {
			"type": "string",
			"description": "Optional background shown alongside the prompt."
		}
	},
	"required": ["prompt", "options"]
}`)

// HITLTool is the schema-only human-intervention tool. The runtime intercepts
// calls to it and turns them into client-side intervention requests; Execute
// is never reached through dispatch.
type HITLTool struct{}

func (HITLTool) Name() string { return envelope.HITLToolName }

func (HITLTool) Description() string {
	return "Asks a human to choose between options before the conversation continues. Use when a decision needs human judgment."
}

func (HITLTool) Schema() json.RawMessage { return hitlSchema }

func (HITLTool) RequiresApproval() bool { return false }

func (HITLTool) Execute(context.Context, json.RawMessage) (*Result, error) {
	return nil, errors.New("human_intervention.request is resolved by the runtime, not executed")
}
