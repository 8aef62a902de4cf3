package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

var timeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"format": {
			"type": "string",
			"description": "Go time layout string. Defaults to RFC3339."
		},
		"location": {
			"type": "string",
			"description": "IANA time zone name, e.g. America/New_York. Defaults to UTC."
		}
	}
}`)

// TimeTool reports the current time.
type TimeTool struct {
	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

func (TimeTool) Name() string        { return "current_time" }
func (TimeTool) Description() string { return "Returns the current date and time." }

func (TimeTool) Schema() json.RawMessage { return timeSchema }

func (TimeTool) RequiresApproval() bool { return false }

func (t TimeTool) Execute(_ context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Format   string `json:"format"`
		Location string `json:"location"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	loc := time.UTC
	if params.Location != "" {
		var err error
		loc, err = time.LoadLocation(params.Location)
		if err != nil {
			return &Result{Content: fmt.Sprintf("unknown location %q", params.Location), IsError: true}, nil
		}
	}
	layout := params.Format
	if layout == "" {
		layout = time.RFC3339
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return &Result{Content: now().In(loc).Format(layout)}, nil
}
