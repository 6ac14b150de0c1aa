package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/realtime"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size
	maxMessageSize = 64 * 1024
)

// client is one websocket connection bound to one hub session.
type client struct {
	gw      *Gateway
	conn    *websocket.Conn
	session *realtime.Session
	userID  string
	isAdmin bool
}

// readPump decodes inbound envelopes and handles them one at a time, so a
// client's intents are applied in the order it sent them.
func (c *client) readPump() {
	defer func() {
		c.gw.Hub.Detach(c.session)
		c.conn.Close()
		c.gw.logger.Info("client disconnected", zap.String("session_id", c.session.ID), zap.String("user_id", c.userID))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("read error", zap.String("session_id", c.session.ID), zap.Error(err))
			}
			return
		}
		if c.session.Closed() {
			// Dropped by the hub for falling behind; the client must
			// reconnect and resync.
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.reply(env, nil, apperr.New(apperr.InvalidRequest, "malformed event"))
			continue
		}
		data, err := c.handle(env)
		c.reply(env, data, err)
	}
}

// writePump drains the session queue to the socket. A closed queue means
// the hub detached the session.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	out := c.session.Outbound()
	for {
		select {
		case message, ok := <-out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			// One frame per event; clients parse each frame as JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply answers an inbound event. With an ack id the outcome goes back as
// an ack; without one only failures are reported, as an error event.
func (c *client) reply(env Envelope, data any, err error) {
	if env.AckID != "" {
		ack := Ack{AckID: env.AckID, OK: err == nil}
		if err != nil {
			ack.Error = errorBody(env.Event, err)
		} else {
			ack.Data = data
		}
		c.gw.Hub.SendTo(c.session, realtime.NewEvent(realtime.EventAck, ack))
		return
	}
	if err != nil {
		c.gw.Hub.SendTo(c.session, realtime.NewEvent(realtime.EventError, errorBody(env.Event, err)))
	}
}
