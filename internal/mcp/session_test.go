package mcp

import "testing"

func TestSessionNextID(t *testing.T) {
	s := NewSession()

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := s.NextID()
		if id <= prev {
			t.Fatalf("id %d not strictly increasing after %d", id, prev)
		}
		prev = id
	}
	if first := NewSession().NextID(); first != 1 {
		t.Errorf("first id = %d, want 1", first)
	}
}

func TestSessionObserve(t *testing.T) {
	s := NewSession()

	if got := s.ID(); got != "" {
		t.Errorf("ID() = %q before any response, want empty", got)
	}

	s.Observe("")
	if got := s.ID(); got != "" {
		t.Errorf("ID() = %q after empty observe, want empty", got)
	}

	s.Observe("abc-123")
	if got := s.ID(); got != "abc-123" {
		t.Errorf("ID() = %q, want %q", got, "abc-123")
	}

	// The first assigned id is immutable for the session's lifetime.
	s.Observe("other")
	if got := s.ID(); got != "abc-123" {
		t.Errorf("ID() = %q after second observe, want %q", got, "abc-123")
	}
}

func TestSessionServerInfo(t *testing.T) {
	s := NewSession()
	s.SetServerInfo("files", "1.2.0")

	name, version := s.ServerInfo()
	if name != "files" || version != "1.2.0" {
		t.Errorf("ServerInfo() = %q, %q, want files, 1.2.0", name, version)
	}
}
