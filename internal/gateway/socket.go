package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leibniz-psychology/bawwab/internal/broker"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients have nothing to say; anything larger is a protocol violation.
	maxMessageSize = 4 * 1024
)

// socket is one notification websocket of a user.
type socket struct {
	conn   *websocket.Conn
	sub    *broker.Subscriber
	broker *broker.Broker
	log    zerolog.Logger
}

// handleNotify upgrades to a websocket that first replays the caller's
// unfinished jobs and then streams live events.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.broker.Attach(session.User)
	c := &socket{
		conn:   conn,
		sub:    sub,
		broker: s.broker,
		log:    s.log.With().Str("user", session.User).Str("subscriber", sub.ID()).Logger(),
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client payloads and detaches on the first error.
func (c *socket) readPump() {
	defer func() {
		c.broker.Detach(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump forwards the subscriber's events and keeps the socket alive.
func (c *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	events := c.sub.C()
	for {
		select {
		case msg, ok := <-events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Detached, or too slow to keep up.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				c.broker.Detach(c.sub)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.broker.Detach(c.sub)
				return
			}
		}
	}
}
