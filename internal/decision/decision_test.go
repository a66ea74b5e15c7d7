package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/registry"
)

// fakeLLM returns scripted answers in order and records every exchange.
type fakeLLM struct {
	answers []string
	calls   int
	pingErr error
	chatErr error
}

func (f *fakeLLM) Chat(_ context.Context, _ []llm.Message) (string, error) {
	f.calls++
	if f.chatErr != nil {
		return "", f.chatErr
	}
	if len(f.answers) == 0 {
		return "", nil
	}
	answer := f.answers[0]
	f.answers = f.answers[1:]
	return answer, nil
}

func (f *fakeLLM) Ping(context.Context) error { return f.pingErr }

func probedService(t *testing.T, fake *fakeLLM, opts ...Option) *Service {
	t.Helper()
	s := NewService(fake, nil, opts...)
	s.Probe(context.Background())
	return s
}

func catalog(names ...string) []registry.Tool {
	tools := make([]registry.Tool, len(names))
	for i, n := range names {
		tools[i] = registry.Tool{Name: n, Description: "desc", Server: "srv"}
	}
	return tools
}

func TestProbeSetsAvailability(t *testing.T) {
	s := probedService(t, &fakeLLM{})
	if !s.Available() {
		t.Error("service should be available after successful probe")
	}

	down := probedService(t, &fakeLLM{pingErr: errors.New("refused")})
	if down.Available() {
		t.Error("service should be unavailable after failed probe")
	}
}

func TestSelectTool(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"exact match", "listFiles", "listFiles"},
		{"case-insensitive match", "LISTFILES", "listFiles"},
		{"second entry", "sysInfo", "sysInfo"},
		{"unknown name falls back to first", "makeCoffee", "listFiles"},
		{"empty answer falls back to first", "", "listFiles"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := probedService(t, &fakeLLM{answers: []string{tt.answer}})
			got := s.SelectTool(context.Background(), "task", catalog("listFiles", "sysInfo"))
			if got == nil || got.Name != tt.want {
				t.Errorf("SelectTool = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectToolEmptyCatalog(t *testing.T) {
	s := probedService(t, &fakeLLM{})
	if got := s.SelectTool(context.Background(), "task", nil); got != nil {
		t.Errorf("SelectTool = %v, want nil for empty catalog", got)
	}
}

func TestSelectToolUnavailableBackendUsesFallback(t *testing.T) {
	fake := &fakeLLM{pingErr: errors.New("refused")}
	s := probedService(t, fake)

	got := s.SelectTool(context.Background(), "task", catalog("listFiles", "sysInfo"))
	if got == nil || got.Name != "listFiles" {
		t.Errorf("SelectTool = %v, want first catalog entry", got)
	}
	if fake.calls != 0 {
		t.Errorf("backend was called %d times while unavailable", fake.calls)
	}
}

func TestSelectToolCustomFallback(t *testing.T) {
	failTurn := func([]registry.Tool) *registry.Tool { return nil }
	s := probedService(t, &fakeLLM{answers: []string{"makeCoffee"}}, WithFallback(failTurn))

	if got := s.SelectTool(context.Background(), "task", catalog("listFiles")); got != nil {
		t.Errorf("SelectTool = %v, want nil from fail-turn fallback", got)
	}
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name        string
		lastSuccess string
		answer      string
		want        bool
	}{
		{"no successful result yet", "", "YES", false},
		{"exact yes", "a.txt", "YES", true},
		{"lowercase yes", "a.txt", "yes", true},
		{"no", "a.txt", "NO", false},
		{"anything else fails closed", "a.txt", "probably", false},
		{"empty answer fails closed", "a.txt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeLLM{answers: []string{tt.answer}}
			s := probedService(t, fake)
			got := s.IsComplete(context.Background(), "task", tt.lastSuccess)
			if got != tt.want {
				t.Errorf("IsComplete = %v, want %v", got, tt.want)
			}
			if tt.lastSuccess == "" && fake.calls != 0 {
				t.Error("judging completion from nothing should not ask the model")
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	s := probedService(t, &fakeLLM{answers: []string{"You have two files."}})
	got := s.Summarize(context.Background(), "list my files", "a.txt\nb.txt")
	if got != "You have two files." {
		t.Errorf("Summarize = %q", got)
	}
}

func TestSummarizeFallback(t *testing.T) {
	// Unavailable backend: prefix the raw content instead of failing.
	s := probedService(t, &fakeLLM{pingErr: errors.New("refused")})
	got := s.Summarize(context.Background(), "list my files", "a.txt\nb.txt")
	want := "✅ Result:\na.txt\nb.txt"
	if got != want {
		t.Errorf("Summarize = %q, want %q", got, want)
	}
}

func TestCallFailureFlipsAvailabilityOff(t *testing.T) {
	fake := &fakeLLM{chatErr: errors.New("timeout")}
	s := probedService(t, fake)

	if !s.Available() {
		t.Fatal("precondition: available after probe")
	}
	// The failing call itself falls through to the fallback.
	got := s.SelectTool(context.Background(), "task", catalog("listFiles"))
	if got == nil || got.Name != "listFiles" {
		t.Errorf("SelectTool = %v, want fallback entry", got)
	}
	if s.Available() {
		t.Error("availability should be off after a call failure")
	}

	// No recovery probe: later calls skip the backend entirely.
	calls := fake.calls
	s.IsComplete(context.Background(), "task", "content")
	if fake.calls != calls {
		t.Error("backend was called again after being marked unavailable")
	}
}
