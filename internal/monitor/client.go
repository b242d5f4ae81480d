package monitor

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Events queued per client before it is dropped as too slow
	sendBuffer = 64
)

// client is one websocket subscriber.
type client struct {
	server *Server
	conn   *websocket.Conn
	remote string
	send   chan []byte
}

// readPump discards everything the peer sends and keeps the read
// deadline moving on pongs. It returns when the connection fails.
func (c *client) readPump() {
	defer func() {
		c.server.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Info("Connection closed or error reading frame",
					zap.String("remote_addr", c.remote),
					zap.Error(err),
				)
			}
			return
		}
		logging.LogWebSocketMessage(c.server.logger, c.remote, "received", messageType, data)
	}
}

// writePump sends queued events and pings. It owns all writes to conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			logging.LogWebSocketMessage(c.server.logger, c.remote, "sent", websocket.TextMessage, msg)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
