package mcp

import (
	"sync"
	"sync/atomic"
)

// Session holds the per-connection state for one MCP server: the
// server-assigned session id and the request id counter. Exactly one
// Session exists per Client.
type Session struct {
	nextID atomic.Int64

	mu            sync.RWMutex
	id            string
	serverName    string
	serverVersion string
}

// NewSession returns an empty session. Request ids start at 1.
func NewSession() *Session {
	return &Session{}
}

// NextID returns the next request id. Ids are strictly increasing for
// the lifetime of the session and are never reused, even after a
// failed call.
func (s *Session) NextID() int64 {
	return s.nextID.Add(1)
}

// ID returns the session id, or "" if the server has not assigned one.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Observe records a session id seen on a response. The first non-empty
// value wins; the id is immutable for the rest of the session.
func (s *Session) Observe(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		s.id = id
	}
}

// SetServerInfo records the identity the server reported at initialize.
func (s *Session) SetServerInfo(name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverName = name
	s.serverVersion = version
}

// ServerInfo returns the server name and version from initialize, or
// empty strings before the handshake completes.
func (s *Session) ServerInfo() (name, version string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverName, s.serverVersion
}
