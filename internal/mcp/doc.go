// Package mcp implements an MCP (Model Context Protocol) client for
// remote tool servers reachable over streamable HTTP.
//
// MCP uses JSON-RPC 2.0 over HTTP POST to a single endpoint. Servers
// may answer a request with a plain JSON body or with a single-event
// SSE body; the transport here accepts both. A client owns exactly one
// session: the initialize request plus the notifications/initialized
// notification must complete before any other call, and the
// server-assigned session id is echoed on every subsequent request.
//
// This implementation covers the client/host side only; Kestrel does
// not act as an MCP server.
package mcp
