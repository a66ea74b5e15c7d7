package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/kestrelhq/kestrel/internal/httpkit"
)

// doneSentinel terminates an OpenAI-style completion stream.
const doneSentinel = "[DONE]"

// maxEventBytes caps a single streamed completion event.
const maxEventBytes = 1 << 20

// OpenAIClient talks to an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	probe      *http.Client
	logger     *slog.Logger
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// BaseURL is the API root (e.g., http://localhost:8080). The /v1
	// path segments are appended here.
	BaseURL string

	// APIKey is sent as a bearer token. Local backends accept any value.
	APIKey string

	// Model is passed on chat requests; optional for single-model backends.
	Model string

	// Timeout bounds each chat call, stream included. Default 30s.
	Timeout time.Duration

	// Logger is the structured logger for diagnostics.
	Logger *slog.Logger
}

// NewOpenAIClient creates a client for the given backend.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "dummy"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		probe:      httpkit.NewClient(httpkit.WithTimeout(5 * time.Second)),
		logger:     logger,
	}
}

// Ping probes the models-list endpoint to check the backend is up.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.probe.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxEventBytes)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}

// chatRequest is the wire format of a streaming chat completion request.
type chatRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatChunk is one streamed completion fragment.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Chat sends a streaming chat completion request and concatenates the
// incremental content fragments, in arrival order, until the [DONE]
// sentinel. An empty concatenation is returned as "" with no error.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request to %s: %w", c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxEventBytes)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, maxEventBytes)
		return "", fmt.Errorf("chat API returned %d: %s", resp.StatusCode, errBody)
	}

	var sb strings.Builder
	cfg := &sse.ReadConfig{MaxEventSize: maxEventBytes}

	for ev, err := range sse.Read(resp.Body, cfg) {
		if err != nil {
			return "", fmt.Errorf("read completion stream: %w", err)
		}

		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		if data == doneSentinel {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Interleaved non-JSON events (comments, keepalives) are
			// tolerated; only content-bearing chunks matter.
			c.logger.Debug("skipping unparseable stream chunk", "data", data)
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != nil {
			sb.WriteString(*chunk.Choices[0].Delta.Content)
		}
	}

	return strings.TrimSpace(sb.String()), nil
}
