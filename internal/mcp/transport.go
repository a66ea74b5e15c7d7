package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Transport delivers JSON-RPC messages to an MCP server. Implementations
// handle framing, encoding, and response decoding; they do not own
// session state. A session id observed on a response is returned to the
// caller rather than persisted, so the Session stays the single owner.
type Transport interface {
	// Send posts a JSON-RPC request and returns the decoded response.
	// sessionID, when non-empty, is attached as the session header.
	// The second return value is the session id the server included in
	// its response headers, or "" if none was present.
	Send(ctx context.Context, req *Request, sessionID string) (*Response, string, error)

	// Notify posts a JSON-RPC notification. No response payload is
	// expected; only the HTTP status is checked.
	Notify(ctx context.Context, notif *Notification, sessionID string) error

	// Close releases transport resources. Safe to call more than once.
	Close() error
}

// ErrNoEventData reports an event-stream response that contained no
// data-bearing event. The HTTP exchange itself succeeded, so this is a
// protocol violation by the server, not a transport failure.
var ErrNoEventData = errors.New("mcp: event stream carried no data payload")

// StatusError is a non-success HTTP status from the MCP endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mcp server returned %d: %s", e.StatusCode, e.Body)
}
