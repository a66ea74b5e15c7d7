package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"

	"github.com/kestrelhq/kestrel/internal/httpkit"
)

// sessionHeader carries the opaque session identifier assigned by the
// server on initialize and echoed by the client thereafter.
const sessionHeader = "Mcp-Session-Id"

// acceptHeader advertises both response encodings the transport decodes.
// Streamable-HTTP servers refuse requests that do not accept SSE.
const acceptHeader = "application/json, text/event-stream"

const (
	maxResponseBytes  = 10 << 20 // cap on a decoded JSON-RPC body
	maxErrorBodyBytes = 1 << 20
)

// levelTrace is below Debug, used for wire-level payload logging.
const levelTrace = slog.Level(-8)

// HTTPConfig configures an HTTP MCP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is an HTTP POST; the response body is either
// plain JSON or a one-shot SSE stream whose first data-bearing event
// carries the JSON-RPC payload.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(),
		logger:     logger,
	}
}

// Send posts a JSON-RPC request and decodes the response body according
// to its declared content type.
func (t *HTTPTransport) Send(ctx context.Context, req *Request, sessionID string) (*Response, string, error) {
	httpResp, err := t.post(ctx, req, sessionID)
	if err != nil {
		return nil, "", err
	}
	defer httpkit.DrainAndClose(httpResp.Body, maxErrorBodyBytes)

	newSessionID := httpResp.Header.Get(sessionHeader)

	if httpResp.StatusCode != http.StatusOK {
		return nil, newSessionID, &StatusError{
			StatusCode: httpResp.StatusCode,
			Body:       httpkit.ReadErrorBody(httpResp.Body, maxErrorBodyBytes),
		}
	}

	resp, err := decodeResponse(httpResp)
	if err != nil {
		return nil, newSessionID, err
	}
	return resp, newSessionID, nil
}

// Notify posts a JSON-RPC notification. The protocol allows servers to
// acknowledge notifications asynchronously, so 202 is a success too.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification, sessionID string) error {
	httpResp, err := t.post(ctx, notif, sessionID)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, maxErrorBodyBytes)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return &StatusError{
			StatusCode: httpResp.StatusCode,
			Body:       httpkit.ReadErrorBody(httpResp.Body, maxErrorBodyBytes),
		}
	}
	return nil
}

// Close is a no-op for HTTP transports. The underlying HTTP client
// manages its own connection pool via httpkit.
func (t *HTTPTransport) Close() error {
	return nil
}

// post marshals msg and performs the HTTP exchange shared by Send and Notify.
func (t *HTTPTransport) post(ctx context.Context, msg any, sessionID string) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", acceptHeader)

	// Apply configured headers (auth, etc.).
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	if sessionID != "" {
		httpReq.Header.Set(sessionHeader, sessionID)
	}

	t.logger.Log(ctx, levelTrace, "mcp request", "url", t.url, "body", string(body))

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	return httpResp, nil
}

// decodeResponse parses a JSON-RPC response from either encoding the
// server may choose.
func decodeResponse(httpResp *http.Response) (*Response, error) {
	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return decodeEventStream(httpResp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// decodeEventStream extracts the JSON-RPC payload from a one-shot SSE
// body. For request/response calls the server sends a single
// data-bearing event; decoding stops at the first one. A stream with no
// data events is a server-side protocol violation (ErrNoEventData),
// distinct from a transport failure.
func decodeEventStream(body io.Reader) (*Response, error) {
	cfg := &sse.ReadConfig{MaxEventSize: maxResponseBytes}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		if strings.TrimSpace(ev.Data) == "" {
			continue
		}

		var resp Response
		if jsonErr := json.Unmarshal([]byte(ev.Data), &resp); jsonErr != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", jsonErr)
		}
		return &resp, nil
	}

	return nil, ErrNoEventData
}
