// Package sessions owns the set of live client connections. Each session
// binds one transport connection to one authenticated user for its whole
// lifetime. The Manager tracks liveness, last activity, and which session
// is authoritative per (user, client) pair when reconnects race.
package sessions

import (
	"errors"
	"time"
)

// State is a session's lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateRemoved  State = "removed"
)

// TransportKind names the transport style a session arrived over. It is
// metadata only; session bookkeeping never branches on it.
type TransportKind string

const (
	// TransportSSE is the one-way push stream used for server-to-client
	// notifications.
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP is the bidirectional request/response stream
	// with session resumption.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// DefaultClientIdentity is used until the client declares name and version
// during initialization.
const DefaultClientIdentity = "unknown-client@unknown-version"

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionSuperseded signals that a newer session exists for the same
	// (user, client) pair and the caller must reconnect.
	ErrSessionSuperseded = errors.New("session superseded, reconnect")
)

// Session is the ephemeral runtime record for one connection. It is never
// persisted; a restart drops all sessions.
type Session struct {
	ID              string
	UserEmail       string
	AuthToken       string
	ClientIdentity  string
	ProtocolVersion string
	Kind            TransportKind
	State           State
	CreatedAt       time.Time
	LastActivity    time.Time
}

// Active reports whether the session is in a state that accepts traffic.
func (s *Session) Active() bool {
	return s.State == StateCreated || s.State == StateActive
}
