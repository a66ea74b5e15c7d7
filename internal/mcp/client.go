package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelhq/kestrel/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call or prompts/get response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a tools/call that reached the server.
// IsError marks a tool that ran and reported failure; Content is the
// human-readable payload of the first content entry either way.
type ToolResult struct {
	Content string
	IsError bool
}

// Resource is an MCP resource listing entry.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is one element of a resources/read result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Prompt is an MCP prompt listing entry.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of a prompts/get result.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// GetPromptResult is the result payload of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// callToolResult is the wire result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

type readResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

type promptsListResult struct {
	Prompts []Prompt `json:"prompts"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// Client is a typed facade over one MCP server connection. It owns
// exactly one Session and is unusable until Initialize has completed
// the handshake.
type Client struct {
	name      string
	transport Transport
	session   *Session
	logger    *slog.Logger

	mu          sync.RWMutex
	initialized bool
	tools       []ToolDefinition

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		session:   NewSession(),
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured label for this server connection.
func (c *Client) Name() string {
	return c.name
}

// ServerName returns the name the server reported at initialize, or the
// configured label if the handshake has not run.
func (c *Client) ServerName() string {
	if name, _ := c.session.ServerInfo(); name != "" {
		return name
	}
	return c.name
}

// Initialize performs the MCP handshake: the initialize request
// followed by the notifications/initialized notification. The remote
// protocol rejects any other method before the notification has been
// sent, so no caller may issue one earlier.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "kestrel",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// Complete the handshake before looking at the result payload:
	// the notification must go out whatever the response carried.
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil), c.session.ID()); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}
	c.session.SetServerInfo(result.ServerInfo.Name, result.ServerInfo.Version)

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
// Results are cached; subsequent calls return the cached list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	resp, err := c.send(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name. An error return means the call
// failed before execution (transport or JSON-RPC level); a ToolResult
// with IsError set means the remote tool ran and reported failure.
// No retry is attempted; that is caller policy.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	return &ToolResult{
		Content: firstText(result.Content),
		IsError: result.IsError,
	}, nil
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	resp, err := c.send(ctx, "resources/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}

	var result resourcesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource calls resources/read for the given URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	resp, err := c.send(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}

	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	return result.Contents, nil
}

// ListPrompts calls prompts/list.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	resp, err := c.send(ctx, "prompts/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("prompts/list: %w", err)
	}

	var result promptsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt calls prompts/get for the named prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (*GetPromptResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	resp, err := c.send(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}

	var result GetPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/get result: %w", err)
	}
	return &result, nil
}

// Close shuts down the client and its transport. Calling Close more
// than once is safe and performs no further network activity.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("closing MCP client")
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// send issues a JSON-RPC request with the next session request id,
// records any session id the server assigned, and checks for
// protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	req := NewRequest(c.session.NextID(), method, params)

	resp, sessionID, err := c.transport.Send(ctx, req, c.session.ID())
	c.session.Observe(sessionID)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// firstText returns the human-readable payload of the first content
// entry. Non-text entries are represented as inline markers.
func firstText(blocks []ContentBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	b := blocks[0]
	if b.Type == "text" {
		return b.Text
	}
	return fmt.Sprintf("[%s]", b.Type)
}
