package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/kestrelhq/kestrel/internal/decision"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/mcp"
	"github.com/kestrelhq/kestrel/internal/registry"
)

// stubTransport answers initialize/tools/list/tools/call for one fake
// MCP server.
type stubTransport struct {
	serverName string
	tools      []string
	callText   string
	callIsErr  bool
	callRPCErr bool
	callCount  int
}

func (s *stubTransport) Send(_ context.Context, req *mcp.Request, _ string) (*mcp.Response, string, error) {
	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": s.serverName, "version": "1.0.0"},
		}
	case "tools/list":
		tools := make([]map[string]any, len(s.tools))
		for i, name := range s.tools {
			tools[i] = map[string]any{"name": name, "description": "desc of " + name}
		}
		result = map[string]any{"tools": tools}
	case "tools/call":
		s.callCount++
		if s.callRPCErr {
			return nil, "", errors.New("connection reset")
		}
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": s.callText}},
			"isError": s.callIsErr,
		}
	default:
		return nil, "", fmt.Errorf("unexpected method %s", req.Method)
	}

	raw, _ := json.Marshal(result)
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: raw}, "", nil
}

func (s *stubTransport) Notify(context.Context, *mcp.Notification, string) error { return nil }
func (s *stubTransport) Close() error                                            { return nil }

// fakeLLM returns scripted answers in order, then empty answers.
type fakeLLM struct {
	answers []string
	pingErr error
}

func (f *fakeLLM) Chat(context.Context, []llm.Message) (string, error) {
	if len(f.answers) == 0 {
		return "", nil
	}
	answer := f.answers[0]
	f.answers = f.answers[1:]
	return answer, nil
}

func (f *fakeLLM) Ping(context.Context) error { return f.pingErr }

type captureRecorder struct {
	recorded []*Outcome
	err      error
}

func (c *captureRecorder) Record(_ context.Context, o *Outcome) error {
	c.recorded = append(c.recorded, o)
	return c.err
}

func newTestRegistry(t *testing.T, st *stubTransport) *registry.Registry {
	t.Helper()
	client := mcp.NewClient(st.serverName, st, nil)
	reg, err := registry.Build(context.Background(), []*mcp.Client{client}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

func newTestDecision(t *testing.T, fake *fakeLLM, opts ...decision.Option) *decision.Service {
	t.Helper()
	dec := decision.NewService(fake, nil, opts...)
	dec.Probe(context.Background())
	return dec
}

func TestRunCompletesInOneTurn(t *testing.T) {
	st := &stubTransport{serverName: "files", tools: []string{"listFiles"}, callText: "a.txt\nb.txt"}
	dec := newTestDecision(t, &fakeLLM{answers: []string{"listFiles", "YES"}})

	runner := NewRunner(newTestRegistry(t, st), dec, nil)
	outcome := runner.Run(context.Background(), "list my files", 5)

	if outcome.State != StateDone {
		t.Errorf("State = %s, want done", outcome.State)
	}
	if outcome.TurnsTaken != 1 {
		t.Errorf("TurnsTaken = %d, want 1", outcome.TurnsTaken)
	}
	if outcome.LastResult == nil || !outcome.LastResult.Success {
		t.Fatalf("LastResult = %+v, want success", outcome.LastResult)
	}
	if outcome.LastResult.Content != "a.txt\nb.txt" {
		t.Errorf("Content = %q", outcome.LastResult.Content)
	}
	if outcome.RunID == "" {
		t.Error("RunID should be assigned")
	}
}

func TestRunAbortsWithoutBackend(t *testing.T) {
	st := &stubTransport{serverName: "files", tools: []string{"listFiles"}}
	dec := newTestDecision(t, &fakeLLM{pingErr: errors.New("refused")})

	runner := NewRunner(newTestRegistry(t, st), dec, nil)
	outcome := runner.Run(context.Background(), "list my files", 5)

	if outcome.State != StateAborted {
		t.Errorf("State = %s, want aborted", outcome.State)
	}
	if outcome.TurnsTaken != 0 || len(outcome.Turns) != 0 {
		t.Errorf("turns = %d/%d, want 0/0", outcome.TurnsTaken, len(outcome.Turns))
	}
	if st.callCount != 0 {
		t.Errorf("tool was invoked %d times, want 0", st.callCount)
	}
}

func TestRunExhaustsTurnLimit(t *testing.T) {
	st := &stubTransport{serverName: "files", tools: []string{"listFiles"}, callText: "a.txt"}
	// The judge never says YES; empty answers select via fallback.
	dec := newTestDecision(t, &fakeLLM{answers: []string{"listFiles", "NO"}})

	runner := NewRunner(newTestRegistry(t, st), dec, nil)
	outcome := runner.Run(context.Background(), "impossible task", 3)

	if outcome.State != StateExhausted {
		t.Errorf("State = %s, want exhausted", outcome.State)
	}
	if outcome.TurnsTaken != 3 || len(outcome.Turns) != 3 {
		t.Errorf("turns = %d/%d, want 3/3", outcome.TurnsTaken, len(outcome.Turns))
	}
	for _, turn := range outcome.Turns {
		if !turn.Success {
			t.Errorf("turn %d failed: %s", turn.Turn, turn.Err)
		}
	}
}

func TestRunContainsToolFailures(t *testing.T) {
	tests := []struct {
		name string
		st   *stubTransport
	}{
		{
			name: "transport error",
			st:   &stubTransport{serverName: "files", tools: []string{"listFiles"}, callRPCErr: true},
		},
		{
			name: "execution error",
			st:   &stubTransport{serverName: "files", tools: []string{"listFiles"}, callText: "disk on fire", callIsErr: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := newTestDecision(t, &fakeLLM{answers: []string{"listFiles"}})

			runner := NewRunner(newTestRegistry(t, tt.st), dec, nil)
			outcome := runner.Run(context.Background(), "list my files", 2)

			// Every turn produced a result; the failure never escaped the loop.
			if outcome.State != StateExhausted {
				t.Errorf("State = %s, want exhausted", outcome.State)
			}
			if len(outcome.Turns) != 2 {
				t.Fatalf("got %d turns, want 2", len(outcome.Turns))
			}
			for _, turn := range outcome.Turns {
				if turn.Success {
					t.Errorf("turn %d unexpectedly succeeded", turn.Turn)
				}
				if turn.Err == "" {
					t.Errorf("turn %d has no error message", turn.Turn)
				}
			}
			if outcome.LastSuccess() != "" {
				t.Errorf("LastSuccess = %q, want empty", outcome.LastSuccess())
			}
		})
	}
}

func TestRunAbortsWhenNoToolSelectable(t *testing.T) {
	st := &stubTransport{serverName: "files", tools: []string{"listFiles"}}
	failTurn := func([]registry.Tool) *registry.Tool { return nil }
	dec := newTestDecision(t,
		&fakeLLM{answers: []string{"makeCoffee"}},
		decision.WithFallback(failTurn),
	)

	runner := NewRunner(newTestRegistry(t, st), dec, nil)
	outcome := runner.Run(context.Background(), "brew coffee", 5)

	if outcome.State != StateAborted {
		t.Errorf("State = %s, want aborted", outcome.State)
	}
	if len(outcome.Turns) != 0 {
		t.Errorf("got %d turns, want 0", len(outcome.Turns))
	}
}

func TestRunRecordsOutcome(t *testing.T) {
	st := &stubTransport{serverName: "files", tools: []string{"listFiles"}, callText: "a.txt"}
	dec := newTestDecision(t, &fakeLLM{answers: []string{"listFiles", "YES"}})
	rec := &captureRecorder{}

	runner := NewRunner(newTestRegistry(t, st), dec, nil, WithRecorder(rec))
	outcome := runner.Run(context.Background(), "list my files", 5)

	if len(rec.recorded) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(rec.recorded))
	}
	if rec.recorded[0].RunID != outcome.RunID {
		t.Errorf("recorded run %s, want %s", rec.recorded[0].RunID, outcome.RunID)
	}
}

func TestRunRecorderErrorIsNotFatal(t *testing.T) {
	st := &stubTransport{serverName: "files", tools: []string{"listFiles"}, callText: "a.txt"}
	dec := newTestDecision(t, &fakeLLM{answers: []string{"listFiles", "YES"}})
	rec := &captureRecorder{err: errors.New("disk full")}

	runner := NewRunner(newTestRegistry(t, st), dec, nil, WithRecorder(rec))
	outcome := runner.Run(context.Background(), "list my files", 5)

	if outcome.State != StateDone {
		t.Errorf("State = %s, want done despite recorder failure", outcome.State)
	}
}

func TestOutcomeLastSuccess(t *testing.T) {
	o := &Outcome{Turns: []TurnResult{
		{Turn: 1, Success: true, Content: "first"},
		{Turn: 2, Success: false, Err: "boom"},
		{Turn: 3, Success: true, Content: "latest"},
		{Turn: 4, Success: false, Err: "boom again"},
	}}
	if got := o.LastSuccess(); got != "latest" {
		t.Errorf("LastSuccess = %q, want %q", got, "latest")
	}
	if got := (&Outcome{}).LastSuccess(); got != "" {
		t.Errorf("LastSuccess = %q, want empty", got)
	}
}
