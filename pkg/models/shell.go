package models

import "time"

// ShellState is the lifecycle state of a shell execution.
type ShellState string

const (
	ShellQueued    ShellState = "queued"
	ShellStarting  ShellState = "starting"
	ShellRunning   ShellState = "running"
	ShellCompleted ShellState = "completed"
	ShellFailed    ShellState = "failed"
	ShellCanceled  ShellState = "canceled"
	ShellTimedOut  ShellState = "timed_out"
)

// Terminal reports whether the state is final.
func (s ShellState) Terminal() bool {
	switch s {
	case ShellCompleted, ShellFailed, ShellCanceled, ShellTimedOut:
		return true
	}
	return false
}

// ShellExecution is the addressable record of one shell tool invocation. It
// outlives the spawning turn and terminal records are pruned by a bounded
// retention sweep.
type ShellExecution struct {
	ExecutionID string     `json:"execution_id"`
	WorldID     string     `json:"world_id"`
	ChatID      string     `json:"chat_id,omitempty"`
	Command     string     `json:"command"`
	State       ShellState `json:"state"`

	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
