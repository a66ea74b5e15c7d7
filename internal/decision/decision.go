// Package decision mediates every language-model-backed judgement call
// the orchestrator makes: tool selection, completion judgement, and
// final result narration. Each is a single chat exchange with a defined
// fallback when the backend is unavailable.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/registry"
)

const selectSystemPrompt = `You are a helpful assistant that selects the best tool for a given task.

Analyze the task and the available tools, then respond with ONLY the exact name of the most appropriate tool.

Consider:
- What the user is trying to accomplish
- Which tool's description best matches the task requirements
- Which tool is most likely to provide the needed information or perform the required action`

const completeSystemPrompt = `You are a helpful assistant that determines if a task has been completed successfully.

Analyze the original task and the tool result, then respond with ONLY "YES" if the task is complete or "NO" if more work is needed.

Be practical about what's achievable:
- If the task asks for a count and you can count items from the result, that's complete
- If the task asks "how many" and you see a list, you can count it - that answers the question
- Don't expect perfect information if the available tools have limitations

Focus on whether the core question can be answered from the available data.`

const summarizeSystemPrompt = `You are a helpful assistant that formats and presents information clearly.

Your job is to:
1. Understand what the user originally requested
2. Analyze the raw tool output
3. Present the information in a clear, well-organized way
4. Answer the original request directly and completely

Use appropriate formatting and structure to make the response easy to read.
Focus on directly answering what was asked.`

// Fallback chooses a tool when the model's answer matches nothing in
// the catalog (or the backend is down). The default picks the first
// catalog entry. Returning nil fails the turn instead.
type Fallback func(catalog []registry.Tool) *registry.Tool

// FirstTool is the default Fallback.
func FirstTool(catalog []registry.Tool) *registry.Tool {
	if len(catalog) == 0 {
		return nil
	}
	return &catalog[0]
}

// Option configures a Service.
type Option func(*Service)

// WithFallback replaces the tool-selection fallback policy.
func WithFallback(f Fallback) Option {
	return func(s *Service) { s.fallback = f }
}

// Service wraps an LLM backend behind the three judgement operations.
// Availability is instance state: a startup probe sets it, any later
// call failure clears it for the remainder of the process, and it never
// recovers automatically.
type Service struct {
	client   llm.Client
	logger   *slog.Logger
	fallback Fallback

	available atomic.Bool
}

// NewService creates a decision service over the given backend.
func NewService(client llm.Client, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		client:   client,
		logger:   logger.With("component", "decision"),
		fallback: FirstTool,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Probe checks backend liveness once and records the result. Call it
// before the first task run; the flag only ever degrades afterwards.
func (s *Service) Probe(ctx context.Context) bool {
	err := s.client.Ping(ctx)
	s.available.Store(err == nil)
	if err != nil {
		s.logger.Warn("LLM backend unavailable", "error", err)
	}
	return err == nil
}

// Available reports whether the backend was reachable at the probe and
// has not failed since.
func (s *Service) Available() bool {
	return s.available.Load()
}

// SelectTool asks the model to pick one tool from the catalog by name.
// The answer is matched case-insensitively against the catalog; a miss
// resolves through the fallback policy. An empty catalog returns nil.
func (s *Service) SelectTool(ctx context.Context, task string, catalog []registry.Tool) *registry.Tool {
	if len(catalog) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for i, t := range catalog {
		fmt.Fprintf(&sb, "%d. %s: %s (from %s)\n", i+1, t.Name, t.Description, t.Server)
	}

	answer := s.chat(ctx, selectSystemPrompt, fmt.Sprintf(
		"Task: %s\n\n%s\nWhich tool should I use to complete this task? Respond with ONLY the tool name.",
		task, sb.String(),
	))

	answer = strings.TrimSpace(answer)
	for i := range catalog {
		if strings.EqualFold(catalog[i].Name, answer) {
			return &catalog[i]
		}
	}

	if answer != "" {
		s.logger.Warn("model named an unknown tool, using fallback", "answer", answer)
	}
	return s.fallback(catalog)
}

// IsComplete asks the model whether the task is done, judged from the
// last successful tool result. With no successful result yet it returns
// false without asking the model. Anything other than an exact
// (case-insensitive) "YES" keeps the loop going.
func (s *Service) IsComplete(ctx context.Context, task, lastSuccess string) bool {
	if lastSuccess == "" {
		return false
	}

	answer := s.chat(ctx, completeSystemPrompt, fmt.Sprintf(
		"Task: %s\n\nTool result:\n%s\n\nCan the core question be answered from this result, even if not perfectly? Answer ONLY with YES or NO.",
		task, lastSuccess,
	))

	s.logger.Debug("completion judgement", "answer", answer)
	return strings.EqualFold(strings.TrimSpace(answer), "YES")
}

// Summarize formats the final answer in natural language. On backend
// unavailability or an empty answer it falls back to the raw tool
// content behind a success marker rather than failing the run.
func (s *Service) Summarize(ctx context.Context, task, lastSuccess string) string {
	answer := s.chat(ctx, summarizeSystemPrompt, fmt.Sprintf(
		"Original request: %s\n\nRaw tool output:\n%s\n\nPlease provide a clear, well-formatted response that directly answers the original request.",
		task, lastSuccess,
	))

	if answer == "" {
		return "✅ Result:\n" + lastSuccess
	}
	return answer
}

// chat performs one exchange, degrading availability on failure. An
// unavailable backend yields "" so every caller falls through to its
// fallback path.
func (s *Service) chat(ctx context.Context, system, user string) string {
	if !s.available.Load() {
		return ""
	}

	answer, err := s.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil {
		s.logger.Warn("LLM call failed, marking backend unavailable", "error", err)
		s.available.Store(false)
		return ""
	}
	return answer
}
