package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/teranos/bibexport/pulse"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send cancel requests
	maxMessageSize = 4 * 1024

	clientSendBuffer = 256
)

// Client is one websocket connection receiving bus events
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan pulse.Event
	id     string

	// owned by the hub goroutine
	limiters map[string]*rate.Limiter
}

// clientMessage is what a client may send
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// offer queues e for the client. Progress below 100% is rate limited per job;
// completion, done and notice events always go through. A full buffer drops
// the event.
func (c *Client) offer(e pulse.Event) {
	switch e.Kind {
	case pulse.EventProgress:
		if e.Percent < 100 && !c.limiter(e.JobID).Allow() {
			return
		}
	case pulse.EventDone:
		delete(c.limiters, e.JobID)
	}

	select {
	case c.send <- e:
	default:
		c.server.logger.Debugw("Client send buffer full, dropping event", "client_id", c.id, "kind", e.Kind)
	}
}

func (c *Client) limiter(jobID string) *rate.Limiter {
	l, ok := c.limiters[jobID]
	if !ok {
		l = rate.NewLimiter(c.server.progressRate, 1)
		c.limiters[jobID] = l
	}
	return l
}

// readPump handles cancel requests and keeps the read deadline alive
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error", "client_id", c.id, "error", err)
			continue
		}
		switch msg.Type {
		case "cancel":
			if !c.server.cancelJob(msg.JobID) {
				c.server.logger.Debugw("Cancel for unknown job", "client_id", c.id, "job_id", msg.JobID)
			}
		default:
			c.server.logger.Warnw("Unknown message type", "client_id", c.id, "type", msg.Type)
		}
	}
}

// writePump forwards events and pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				c.server.logger.Debugw("WebSocket write failed", "client_id", c.id, "error", err)
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
