// Package llm provides the chat-completion backend client used by the
// decision layer. The backend is any OpenAI-compatible HTTP API (llama
// server, vLLM, etc.) reached over streaming chat completions.
package llm

import "context"

// Message is a role-tagged chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Client is the interface the decision layer depends on.
type Client interface {
	// Chat sends a single-turn chat completion request and returns the
	// full concatenated answer text. An empty string with a nil error
	// means the model produced no answer, which is valid.
	Chat(ctx context.Context, messages []Message) (string, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
