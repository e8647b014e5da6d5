package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/acadops/examsession/go/internal/exam/registry"
)

// ServeWS upgrades an HTTP request to a WebSocket connection. Identity comes
// from query parameters; authentication is a precondition satisfied upstream
// (the platform's API layer authorizes the user before handing out the
// socket URL).
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	role := registry.Role(r.URL.Query().Get("role"))
	userID := r.URL.Query().Get("user_id")
	displayName := r.URL.Query().Get("name")

	if !role.Valid() || userID == "" {
		http.Error(w, "role and user_id are required", http.StatusBadRequest)
		return
	}

	sock, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := &Conn{
		ID:          uuid.New().String(),
		Role:        role,
		UserID:      userID,
		sock:        sock,
		Send:        make(chan []byte, 256),
		manager:     m,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	if err := m.handler.OnConnect(conn.ID, role, userID, displayName); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Msg("connection rejected")
		sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		sock.Close()
		return
	}

	m.registerConn(conn)

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Str("role", string(role)).
		Msg("WebSocket connection established")
}
