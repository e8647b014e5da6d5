package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Role is the connection's role, fixed at registration time and checked once
// at the message-dispatch boundary rather than inside every handler.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is one of the recognized roles.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Connection is the identity record bound to one live transport connection.
// The registry owns the record for the connection's lifetime; callers get
// copies.
type Connection struct {
	ID          string
	Role        Role
	UserID      string
	DisplayName string
	SessionID   string // empty until the connection joins a session
	JoinedAt    time.Time
}

// Registry tracks every live connection and the identity bound to it. It has
// no side effects beyond its own map; the coordinator orchestrates follow-up
// actions on register/unregister.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	clock clockwork.Clock
}

// New creates an empty registry.
func New(clock clockwork.Clock) *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		clock: clock,
	}
}

// Register records a new connection. Fails with ErrDuplicateConnection if the
// ID is already bound and ErrInvalidRole if the role is unrecognized.
func (r *Registry) Register(connID string, role Role, userID, displayName string) (Connection, error) {
	if !role.Valid() {
		return Connection{}, ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return Connection{}, ErrDuplicateConnection
	}

	conn := &Connection{
		ID:          connID,
		Role:        role,
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    r.clock.Now(),
	}
	r.conns[connID] = conn

	log.Debug().
		Str("connection_id", connID).
		Str("user_id", userID).
		Str("role", string(role)).
		Int("total_connections", len(r.conns)).
		Msg("connection registered")

	return *conn, nil
}

// BindSession binds a registered connection to a session. A connection is
// bound to at most one session at a time; rebinding overwrites the previous
// binding.
func (r *Registry) BindSession(connID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connID]
	if !exists {
		return ErrUnknownConnection
	}
	conn.SessionID = sessionID
	return nil
}

// Get returns a copy of the connection record.
func (r *Registry) Get(connID string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connID]
	if !exists {
		return Connection{}, ErrUnknownConnection
	}
	return *conn, nil
}

// Unregister removes a connection and returns the removed record so callers
// can react (room recompute) without a second lookup. Idempotent: a second
// call for the same ID returns ok=false.
func (r *Registry) Unregister(connID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connID]
	if !exists {
		return Connection{}, false
	}
	delete(r.conns, connID)

	log.Debug().
		Str("connection_id", connID).
		Str("user_id", conn.UserID).
		Int("total_connections", len(r.conns)).
		Msg("connection unregistered")

	return *conn, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByRole returns the number of live connections per role.
func (r *Registry) CountByRole() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Role]int, 2)
	for _, conn := range r.conns {
		counts[conn.Role]++
	}
	return counts
}
