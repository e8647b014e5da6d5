package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/acadops/examsession/go/internal/exam/events"
	"github.com/acadops/examsession/go/internal/exam/registry"
)

// Audience selects which room members receive a broadcast.
type Audience string

const (
	AudienceAll      Audience = "all"
	AudienceTeachers Audience = "teachers"
	AudienceStudents Audience = "students"
)

// Handler receives transport-level callbacks. The coordinator implements it;
// the gateway never imports the coordinator.
type Handler interface {
	// OnConnect is called once per accepted connection, before any message.
	OnConnect(connID string, role registry.Role, userID, displayName string) error
	// OnMessage is called for every inbound frame.
	OnMessage(connID string, data []byte)
	// OnDisconnect is called exactly once when the connection goes away.
	OnDisconnect(connID string)
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

type broadcastJob struct {
	sessionID    string
	audience     Audience
	targetConnID string // when set, deliver to this connection only
	event        *events.ExamEvent
}

// Manager owns every live socket and fans session-scoped events out to room
// members. Delivery is best-effort, at-most-once per currently-registered
// connection; reconnection-driven resync, not router-level retry, is the
// recovery mechanism.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	sessions map[string]map[string]*Conn // session ID -> conn ID -> conn

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  Handler

	broadcastCh chan broadcastJob
}

// NewManager creates a WebSocket connection manager.
func NewManager(config ConnectionConfig, handler Handler) *Manager {
	return &Manager{
		conns:    make(map[string]*Conn),
		sessions: make(map[string]map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		handler:     handler,
		broadcastCh: make(chan broadcastJob, 1000),
	}
}

// SetHandler wires the coordinator in after construction. The gateway and
// the coordinator reference each other, so one side has to be set late;
// must be called before ServeWS accepts traffic.
func (m *Manager) SetHandler(handler Handler) {
	m.handler = handler
}

// Start consumes the broadcast queue. A single consumer preserves enqueue
// order, which is what guarantees members observe one session's transitions
// in the order they were applied.
func (m *Manager) Start(ctx context.Context) {
	log.Info().Msg("gateway manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway manager shutting down")
			return
		case job := <-m.broadcastCh:
			m.handleBroadcast(job)
		}
	}
}

// Broadcast enqueues an event for every member of the session matching the
// audience. Callers enqueue while holding the session's exclusive section,
// so per-session ordering follows from the single consumer.
func (m *Manager) Broadcast(sessionID string, event *events.ExamEvent, audience Audience) {
	select {
	case m.broadcastCh <- broadcastJob{sessionID: sessionID, audience: audience, event: event}:
	default:
		log.Warn().Str("session_id", sessionID).Msg("broadcast channel full, dropping message")
	}
}

// SendTo enqueues an event for a single connection regardless of room
// membership. Used for acks and error replies.
func (m *Manager) SendTo(connID string, event *events.ExamEvent) {
	select {
	case m.broadcastCh <- broadcastJob{targetConnID: connID, event: event}:
	default:
		log.Warn().Str("connection_id", connID).Msg("broadcast channel full, dropping direct message")
	}
}

// JoinSession indexes a connection under a session for broadcast fanout.
// Called by the coordinator once a join is admitted.
func (m *Manager) JoinSession(connID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	if m.sessions[sessionID] == nil {
		m.sessions[sessionID] = make(map[string]*Conn)
	}
	m.sessions[sessionID][connID] = conn
}

// LeaveSession removes a connection from a session's fanout index.
func (m *Manager) LeaveSession(connID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromSession(connID, sessionID)
}

func (m *Manager) removeFromSession(connID, sessionID string) {
	if members, ok := m.sessions[sessionID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.sessions, sessionID)
		}
	}
}

func (m *Manager) handleBroadcast(job broadcastJob) {
	m.mu.RLock()
	var targets []*Conn
	if job.targetConnID != "" {
		if conn, ok := m.conns[job.targetConnID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for _, conn := range m.sessions[job.sessionID] {
			switch job.audience {
			case AudienceTeachers:
				if conn.Role != registry.RoleTeacher {
					continue
				}
			case AudienceStudents:
				if conn.Role != registry.RoleStudent {
					continue
				}
			}
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Marshal the event once
	data, err := json.Marshal(job.event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.enqueue(data) {
			// Connection is slow or already torn down, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("connection not accepting frames, closing connection")
			m.unregisterConn(conn)
			if conn.sock != nil {
				conn.sock.Close()
			}
		}
	}

	log.Debug().
		Str("event_type", string(job.event.Type)).
		Str("session_id", job.sessionID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

func (m *Manager) registerConn(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID] = conn
}

func (m *Manager) unregisterConn(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[conn.ID]; !ok {
		return
	}
	delete(m.conns, conn.ID)
	conn.markClosed()
	for sessionID := range m.sessions {
		m.removeFromSession(conn.ID, sessionID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("connection closed")
}

// Stats returns counters for the /stats endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionCounts := make(map[string]int, len(m.sessions))
	for sessionID, members := range m.sessions {
		sessionCounts[sessionID] = len(members)
	}
	return map[string]interface{}{
		"total_connections":   len(m.conns),
		"active_sessions":     len(m.sessions),
		"session_connections": sessionCounts,
	}
}
