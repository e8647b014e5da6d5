package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/acadops/examsession/go/internal/exam/registry"
)

// Conn represents one WebSocket connection to a client.
type Conn struct {
	ID     string
	Role   registry.Role
	UserID string

	sock    *websocket.Conn
	Send    chan []byte
	manager *Manager

	mu     sync.Mutex
	closed bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// enqueue hands a frame to the write pump. The closed check and the channel
// send happen under the same lock as markClosed, so a broadcast racing
// connection teardown can never hit a closed channel. Returns false when the
// connection is closed or its buffer is full.
func (c *Conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// markClosed closes the send channel exactly once. Returns false when the
// connection was already closed.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.Send)
	return true
}

// writePump handles sending messages to the WebSocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
		c.manager.unregisterConn(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.sock.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection and feeds
// them to the coordinator. On exit the connection is torn down and the
// coordinator notified so room membership is recomputed.
func (c *Conn) readPump() {
	defer func() {
		c.manager.unregisterConn(c)
		c.sock.Close()
		c.manager.handler.OnDisconnect(c.ID)
	}()

	c.sock.SetReadLimit(c.manager.config.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.manager.handler.OnMessage(c.ID, message)
		c.sock.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
