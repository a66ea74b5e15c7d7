// Package registry aggregates tool listings from multiple MCP clients
// into a single conflict-free namespace and remembers which client owns
// each tool.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelhq/kestrel/internal/mcp"
)

// ErrNoTools reports a build that produced a registry with nothing in
// it: either no server could be initialized or none of them exposed a
// tool. A task run needs at least one usable tool to proceed.
var ErrNoTools = errors.New("registry: no tools available from any server")

// Tool is a registry entry as presented to the decision layer: the
// resolved (collision-free) name plus the origin server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Server      string
}

// Rename records one collision resolution performed during Build.
type Rename struct {
	Server string
	From   string
	To     string
}

// entry maps a resolved tool name back to its owning client and the
// name the server actually knows the tool by.
type entry struct {
	tool       Tool
	remoteName string
	client     *mcp.Client
}

// Registry is the aggregate tool namespace for one orchestration
// session. It is built once and read-only thereafter.
type Registry struct {
	tools   []Tool
	entries map[string]entry
	renames []Rename
}

// Build initializes every client and merges their tool listings. A
// server that fails to initialize or list is logged and skipped; one
// unreachable server must not abort discovery of the others. The
// initialize handshakes run concurrently since they are independent;
// the merge happens in the caller-given client order so collision
// resolution stays deterministic.
//
// Collision policy: the first server to register a name keeps it; a
// later server's tool with the same name is renamed
// "{serverName}_{originalName}". Only the later registrant is renamed.
func Build(ctx context.Context, clients []*mcp.Client, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	type listing struct {
		tools []mcp.ToolDefinition
		err   error
	}
	listings := make([]listing, len(clients))

	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Initialize(ctx); err != nil {
				listings[i].err = fmt.Errorf("initialize: %w", err)
				return
			}
			tools, err := client.ListTools(ctx)
			if err != nil {
				listings[i].err = fmt.Errorf("list tools: %w", err)
				return
			}
			listings[i].tools = tools
		}()
	}
	wg.Wait()

	reg := &Registry{entries: make(map[string]entry)}
	usable := 0

	for i, client := range clients {
		if listings[i].err != nil {
			logger.Warn("skipping unreachable MCP server",
				"server", client.Name(),
				"error", listings[i].err,
			)
			continue
		}
		usable++
		reg.merge(client, listings[i].tools, logger)
	}

	if usable == 0 || len(reg.tools) == 0 {
		return nil, ErrNoTools
	}

	logger.Info("tool registry built",
		"servers", usable,
		"tools", len(reg.tools),
		"renames", len(reg.renames),
	)
	return reg, nil
}

// merge adds one server's tools to the namespace, renaming the incoming
// entry on collision.
func (r *Registry) merge(client *mcp.Client, defs []mcp.ToolDefinition, logger *slog.Logger) {
	server := client.ServerName()

	for _, def := range defs {
		name := def.Name
		if _, taken := r.entries[name]; taken {
			renamed := fmt.Sprintf("%s_%s", server, def.Name)
			r.renames = append(r.renames, Rename{Server: server, From: name, To: renamed})
			logger.Warn("tool name conflict",
				"server", server,
				"original", name,
				"renamed", renamed,
			)
			name = renamed
		}

		tool := Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			Server:      server,
		}
		r.entries[name] = entry{tool: tool, remoteName: def.Name, client: client}
		r.tools = append(r.tools, tool)
	}
}

// Tools returns the catalog in registration order.
func (r *Registry) Tools() []Tool {
	return r.tools
}

// Renames returns the collision resolutions recorded during Build.
func (r *Registry) Renames() []Rename {
	return r.renames
}

// Lookup resolves a tool name (case-sensitive, post-resolution) to its
// owning client and the name the server knows it by.
func (r *Registry) Lookup(name string) (*mcp.Client, string, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, "", false
	}
	return e.client, e.remoteName, true
}

// Invoke calls the named tool on its owning server, translating the
// resolved name back to the server's own tool name.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	client, remoteName, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("registry: unknown tool %q", name)
	}
	return client.CallTool(ctx, remoteName, args)
}
