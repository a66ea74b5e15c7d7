// Package agent implements the bounded orchestration loop that turns a
// free-text task into a sequence of tool invocations: pick a tool via
// the decision service, invoke it via the owning MCP client, record the
// outcome, judge completion, repeat up to a turn limit.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/decision"
	"github.com/kestrelhq/kestrel/internal/registry"
)

// State is the orchestrator's run state. Done, Exhausted, and Aborted
// are terminal.
type State string

const (
	// StateRunning is the initial state while turns are in progress.
	StateRunning State = "running"
	// StateDone means a turn succeeded and was judged complete.
	StateDone State = "done"
	// StateExhausted means the turn limit was reached without completion.
	StateExhausted State = "exhausted"
	// StateAborted means no backend was available at start, or no tool
	// could be selected on a turn.
	StateAborted State = "aborted"
)

// TurnResult records one iteration of the loop. Entries are appended,
// never mutated.
type TurnResult struct {
	Turn    int    `json:"turn"`
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Outcome is the structured result of one task run. The caller always
// receives an Outcome; turn-level failures never escape as errors.
type Outcome struct {
	RunID      string       `json:"run_id"`
	Task       string       `json:"task"`
	State      State        `json:"state"`
	TurnsTaken int          `json:"turns_taken"`
	Turns      []TurnResult `json:"turns"`
	LastResult *TurnResult  `json:"last_result,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// LastSuccess returns the content of the most recent successful turn,
// or "" if no turn succeeded.
func (o *Outcome) LastSuccess() string {
	for i := len(o.Turns) - 1; i >= 0; i-- {
		if o.Turns[i].Success {
			return o.Turns[i].Content
		}
	}
	return ""
}

// Recorder persists completed outcomes. Recording is best-effort; a
// recorder error is logged, never fatal to the run.
type Recorder interface {
	Record(ctx context.Context, outcome *Outcome) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder attaches an outcome recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// Runner drives one task at a time through the orchestration loop.
// Turns are strictly sequential: each turn's selection depends on the
// previous turn's recorded outcome.
type Runner struct {
	registry *registry.Registry
	decision *decision.Service
	recorder Recorder
	logger   *slog.Logger
}

// NewRunner creates an orchestrator over a built registry and a probed
// decision service.
func NewRunner(reg *registry.Registry, dec *decision.Service, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		registry: reg,
		decision: dec,
		logger:   logger.With("component", "agent"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the task for at most maxTurns turns and returns the
// accumulated outcome. It aborts immediately, with zero turns, when the
// LLM backend is unavailable at start.
func (r *Runner) Run(ctx context.Context, task string, maxTurns int) *Outcome {
	outcome := &Outcome{
		RunID:     uuid.NewString(),
		Task:      task,
		State:     StateRunning,
		StartedAt: time.Now(),
	}
	logger := r.logger.With("run_id", outcome.RunID)
	logger.Info("task run started", "task", task, "max_turns", maxTurns)

	defer func() {
		outcome.FinishedAt = time.Now()
		if len(outcome.Turns) > 0 {
			outcome.LastResult = &outcome.Turns[len(outcome.Turns)-1]
		}
		logger.Info("task run finished",
			"state", outcome.State,
			"turns", outcome.TurnsTaken,
		)
		r.record(ctx, outcome)
	}()

	if !r.decision.Available() {
		logger.Warn("no LLM backend available, aborting before first turn")
		outcome.State = StateAborted
		return outcome
	}

	for turn := 1; turn <= maxTurns; turn++ {
		tool := r.decision.SelectTool(ctx, task, r.registry.Tools())
		if tool == nil {
			logger.Warn("no tool could be selected", "turn", turn)
			outcome.State = StateAborted
			return outcome
		}

		outcome.TurnsTaken = turn
		result := r.invoke(ctx, turn, tool, logger)
		outcome.Turns = append(outcome.Turns, result)

		if !result.Success {
			// A failing tool is informative, not fatal; the next turn
			// proceeds normally.
			continue
		}

		if r.decision.IsComplete(ctx, task, result.Content) {
			logger.Info("task judged complete", "turn", turn)
			outcome.State = StateDone
			return outcome
		}
	}

	outcome.State = StateExhausted
	return outcome
}

// invoke runs one tool call and contains every failure mode as a failed
// TurnResult.
func (r *Runner) invoke(ctx context.Context, turn int, tool *registry.Tool, logger *slog.Logger) TurnResult {
	logger.Info("invoking tool", "turn", turn, "tool", tool.Name, "server", tool.Server)

	result, err := r.registry.Invoke(ctx, tool.Name, nil)
	switch {
	case err != nil:
		logger.Warn("tool call failed", "turn", turn, "tool", tool.Name, "error", err)
		return TurnResult{Turn: turn, Tool: tool.Name, Err: err.Error()}
	case result.IsError:
		msg := result.Content
		if msg == "" {
			msg = "tool execution failed"
		}
		logger.Warn("tool reported execution error", "turn", turn, "tool", tool.Name, "error", msg)
		return TurnResult{Turn: turn, Tool: tool.Name, Err: msg}
	default:
		return TurnResult{Turn: turn, Tool: tool.Name, Success: true, Content: result.Content}
	}
}

func (r *Runner) record(ctx context.Context, outcome *Outcome) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, outcome); err != nil {
		r.logger.Warn("failed to record outcome", "run_id", outcome.RunID, "error", err)
	}
}
