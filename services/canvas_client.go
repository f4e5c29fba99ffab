package services

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. File bodies go over HTTP, so
	// intents stay small; text item content is the only sizable payload.
	maxMessageSize = 256 * 1024
)

// Envelope is the wire frame for both directions: an event name plus an
// event-specific payload, decoded per event at the boundary.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client sits between one websocket connection and the hub. All state
// transitions happen inside the hub's run loop; the client only pumps bytes.
type Client struct {
	ID   string
	Hub  *CanvasHub
	Conn *websocket.Conn
	Send chan []byte

	once sync.Once
}

// closeSend closes the outbound channel exactly once, which makes WritePump
// send a close frame and tear the connection down.
func (c *Client) closeSend() {
	c.once.Do(func() {
		close(c.Send)
	})
}

// ReadPump reads envelopes off the wire and hands them to the hub. It runs in
// its own goroutine per connection and exits on any transport error, which
// triggers unregistration.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Client %s] Read error: %v", c.ID, err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			log.Printf("[Client %s] Dropping malformed message: %v", c.ID, err)
			continue
		}
		c.Hub.Inbound <- inboundEnvelope{client: c, env: env}
	}
}

// WritePump writes queued messages to the wire and keeps the connection alive
// with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
