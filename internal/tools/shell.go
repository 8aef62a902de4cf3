package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/pkg/models"
)

// ShellToolName is the registered name of the built-in shell tool.
const ShellToolName = "shell_cmd"

const (
	// DefaultShellTimeout bounds a command when the caller gives none.
	DefaultShellTimeout = 60 * time.Second

	// DefaultShellRetention is how long terminal execution records are kept.
	DefaultShellRetention = 30 * time.Minute

	// maxShellOutputChars caps the output retained for the tool result.
	maxShellOutputChars = 16_000
)

var shellSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {
			"type": "string",
			"description": "Command line to run with sh -c."
		},
		"timeout_seconds": {
			"type": "integer",
			"minimum": 1,
			"description": "Kill the command after this many seconds. Defaults to 60."
		}
	},
	"required": ["command"]
}`)

// ShellStore tracks shell executions across turns. Records of terminal
// executions are pruned by a periodic retention sweep; running executions can
// be canceled independently of the spawning turn.
type ShellStore struct {
	mu      sync.RWMutex
	execs   map[string]*models.ShellExecution
	cancels map[string]context.CancelFunc

	logger    *slog.Logger
	retention time.Duration
	sweeper   *cron.Cron
}

// NewShellStore creates an empty store with the default retention.
func NewShellStore(logger *slog.Logger) *ShellStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellStore{
		execs:     make(map[string]*models.ShellExecution),
		cancels:   make(map[string]context.CancelFunc),
		logger:    logger.With("component", "shell_store"),
		retention: DefaultShellRetention,
	}
}

// SetRetention overrides how long terminal records are kept.
func (s *ShellStore) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

func (s *ShellStore) create(worldID, chatID, command string, cancel context.CancelFunc) *models.ShellExecution {
	rec := &models.ShellExecution{
		ExecutionID: uuid.NewString(),
		WorldID:     worldID,
		ChatID:      chatID,
		Command:     command,
		State:       models.ShellQueued,
	}
	s.mu.Lock()
	s.execs[rec.ExecutionID] = rec
	s.cancels[rec.ExecutionID] = cancel
	s.mu.Unlock()
	return rec
}

func (s *ShellStore) transition(id string, state models.ShellState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return
	}
	rec.State = state
	switch state {
	case models.ShellRunning:
		rec.StartedAt = time.Now()
	default:
		if state.Terminal() {
			rec.FinishedAt = time.Now()
			delete(s.cancels, id)
		}
	}
}

func (s *ShellStore) finish(id string, state models.ShellState, exitCode int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return
	}
	rec.State = state
	rec.ExitCode = exitCode
	rec.Error = errMsg
	rec.FinishedAt = time.Now()
	delete(s.cancels, id)
}

// Get returns a copy of the execution record.
func (s *ShellStore) Get(id string) (*models.ShellExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.execs[id]
	if !ok {
		return nil, false
	}
	clone := *rec
	return &clone, true
}

// List returns copies of all records for a world.
func (s *ShellStore) List(worldID string) []*models.ShellExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ShellExecution
	for _, rec := range s.execs {
		if rec.WorldID == worldID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out
}

// Cancel stops a running execution by id. Returns false when the execution is
// unknown or already terminal.
func (s *ShellStore) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Sweep removes terminal records older than the retention window and returns
// how many were pruned.
func (s *ShellStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.retention)
	pruned := 0
	for id, rec := range s.execs {
		if rec.State.Terminal() && !rec.FinishedAt.IsZero() && rec.FinishedAt.Before(cutoff) {
			delete(s.execs, id)
			pruned++
		}
	}
	if pruned > 0 {
		s.logger.Debug("pruned shell executions", "count", pruned)
	}
	return pruned
}

// StartSweeper begins the periodic retention sweep.
func (s *ShellStore) StartSweeper(every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweeper != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() { s.Sweep() }); err != nil {
		return fmt.Errorf("schedule shell retention sweep: %w", err)
	}
	c.Start()
	s.sweeper = c
	return nil
}

// StopSweeper halts the retention sweep.
func (s *ShellStore) StopSweeper() {
	s.mu.Lock()
	c := s.sweeper
	s.sweeper = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// ShellTool runs a command line under sh -c, streaming stdout and stderr as
// tool-stream world events and recording the execution in a ShellStore. It is
// approval-gated.
type ShellTool struct {
	store   *ShellStore
	emitter Emitter
	worldID string
	logger  *slog.Logger
	timeout time.Duration
}

// NewShellTool creates the shell tool for one world.
func NewShellTool(store *ShellStore, emitter Emitter, worldID string, logger *slog.Logger) *ShellTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellTool{
		store:   store,
		emitter: emitter,
		worldID: worldID,
		logger:  logger.With("component", "shell_tool", "worldId", worldID),
		timeout: DefaultShellTimeout,
	}
}

func (t *ShellTool) Name() string { return ShellToolName }

func (t *ShellTool) Description() string {
	return "Runs a shell command and returns its exit code and captured output. Long output is streamed and truncated."
}

func (t *ShellTool) Schema() json.RawMessage { return shellSchema }

func (t *ShellTool) RequiresApproval() bool { return true }

// shellSummary is the string result appended to agent memory.
type shellSummary struct {
	ExecutionID string `json:"executionId"`
	State       string `json:"state"`
	ExitCode    int    `json:"exitCode"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Command) == "" {
		return &Result{Content: "command must not be empty", IsError: true}, nil
	}

	timeout := t.timeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := InvocationFrom(ctx)
	rec := t.store.create(t.worldID, inv.ChatID, params.Command, cancel)
	t.store.transition(rec.ExecutionID, models.ShellStarting)

	cmd := exec.CommandContext(runCtx, "sh", "-c", params.Command)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		t.store.finish(rec.ExecutionID, models.ShellFailed, -1, err.Error())
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		t.store.finish(rec.ExecutionID, models.ShellFailed, -1, err.Error())
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		t.store.finish(rec.ExecutionID, models.ShellFailed, -1, err.Error())
		return &Result{Content: fmt.Sprintf("failed to start command: %v", err), IsError: true}, nil
	}
	t.store.transition(rec.ExecutionID, models.ShellRunning)
	t.logger.Info("shell execution started", "executionId", rec.ExecutionID, "command", params.Command)

	var stdout, stderr boundedBuffer
	stdout.max = maxShellOutputChars
	stderr.max = maxShellOutputChars

	var wg sync.WaitGroup
	wg.Add(2)
	go t.streamOutput(&wg, stdoutPipe, "stdout", rec.ExecutionID, inv, &stdout)
	go t.streamOutput(&wg, stderrPipe, "stderr", rec.ExecutionID, inv, &stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	state, exitCode, errMsg := classifyExit(runCtx, ctx, waitErr, cmd)
	t.store.finish(rec.ExecutionID, state, exitCode, errMsg)
	t.logger.Info("shell execution finished",
		"executionId", rec.ExecutionID, "state", state, "exitCode", exitCode)

	summary := shellSummary{
		ExecutionID: rec.ExecutionID,
		State:       string(state),
		ExitCode:    exitCode,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		Truncated:   stdout.truncated || stderr.truncated,
		Error:       errMsg,
	}
	content, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	return &Result{Content: string(content), IsError: state != models.ShellCompleted}, nil
}

func (t *ShellTool) streamOutput(wg *sync.WaitGroup, r io.Reader, stream, executionID string, inv Invocation, buf *boundedBuffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.append(line)
		if t.emitter == nil {
			continue
		}
		t.emitter.Emit(bus.ChannelWorld, models.ToolEvent{
			AgentName: inv.AgentName,
			Type:      models.ToolStream,
			MessageID: inv.MessageID,
			ChatID:    inv.ChatID,
			ToolExecution: models.ToolExecutionInfo{
				ExecutionID: executionID,
				ToolName:    ShellToolName,
				Result:      line,
				Stream:      stream,
			},
		})
	}
}

// classifyExit maps the process outcome onto an execution state. Timeout and
// cancellation are distinguished by which context fired.
func classifyExit(runCtx, parentCtx context.Context, waitErr error, cmd *exec.Cmd) (models.ShellState, int, string) {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return models.ShellTimedOut, -1, "command timed out"
	}
	if runCtx.Err() != nil || parentCtx.Err() != nil {
		return models.ShellCanceled, -1, "command canceled"
	}
	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return models.ShellFailed, exitCode, waitErr.Error()
	}
	return models.ShellCompleted, cmd.ProcessState.ExitCode(), ""
}

// boundedBuffer accumulates lines up to a character budget.
type boundedBuffer struct {
	mu        sync.Mutex
	b         strings.Builder
	max       int
	truncated bool
}

func (bb *boundedBuffer) append(line string) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.b.Len() >= bb.max {
		bb.truncated = true
		return
	}
	if bb.b.Len() > 0 {
		bb.b.WriteByte('\n')
	}
	remaining := bb.max - bb.b.Len()
	if len(line) > remaining {
		bb.b.WriteString(line[:remaining])
		bb.truncated = true
		return
	}
	bb.b.WriteString(line)
}

func (bb *boundedBuffer) String() string {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.b.String()
}
