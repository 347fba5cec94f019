// Package session owns conversational state: authenticated sessions,
// their append-only event logs, per-user quotas and idle expiry. Every
// operation except CreateSession requires the session's auth token.
package session

import "time"

// State is the session lifecycle phase.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateClosed  State = "closed"
)

// EventKind classifies entries of a session's event log.
type EventKind string

const (
	EventUserMessage      EventKind = "user_message"
	EventAssistantMessage EventKind = "assistant_message"
	EventToolCall         EventKind = "tool_call"
	EventToolResult       EventKind = "tool_result"
)

// Event is one immutable record in a session's log. Append order is the
// sole conversational ordering guarantee; events are never reordered or
// deleted short of bulk session destruction.
type Event struct {
	Kind      EventKind
	Payload   string
	Timestamp time.Time
	Metadata  map[string]any
}

// Session is one authenticated conversation's worth of state.
type Session struct {
	ID           string
	OwnerID      string
	CreatedAt    time.Time
	LastAccessAt time.Time
	Events       []Event
	State        State
}

// MemorySink receives events for memory extraction. One sink is attached
// per session and released when the session ends.
type MemorySink interface {
	ObserveEvent(ev Event)
	Close()
}

// MemoryFactory builds the per-session memory sink.
type MemoryFactory func(sessionID string) MemorySink

// Store is the optional durability hook. The in-process table remains
// authoritative; a store only has to reconstruct non-expired sessions on
// restart.
type Store interface {
	SaveSession(sess *Session, token string) error
	AppendEvent(sessionID string, ev Event) error
	DeleteSession(sessionID string) error
	LoadSessions() ([]StoredSession, error)
}

// StoredSession is one persisted session record with its capability
// token.
type StoredSession struct {
	Session Session
	Token   string
}
