package tools

import (
	"context"
	"encoding/json"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"text": {
			"type": "string",
			"description": "Text to echo back verbatim."
		}
	},
	"required": ["text"]
}`)

// EchoTool returns its input, exercising the plain execute path.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Echoes the given text back to the caller." }

func (EchoTool) Schema() json.RawMessage { return echoSchema }

func (EchoTool) RequiresApproval() bool { return false }

func (EchoTool) Execute(_ context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	return &Result{Content: params.Text}, nil
}
