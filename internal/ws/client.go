package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 4096

// Client is one registered connection. Outbound frames go through a
// buffered send channel drained by writePump, so a slow connection
// never blocks a broadcast; the alive flag is re-armed by pongs and
// consumed by the hub's heartbeat sweep.
type Client struct {
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex
	alive  bool
	closed bool
	send   chan []byte
}

func newClient(userID string, conn *websocket.Conn, sendBuffer int) *Client {
	return &Client{
		userID: userID,
		conn:   conn,
		alive:  true,
		send:   make(chan []byte, sendBuffer),
	}
}

func (c *Client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// consumeAlive clears the liveness flag and reports its previous value.
func (c *Client) consumeAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// trySend enqueues a frame without blocking. False means the client is
// shut down or its buffer is full.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown stops writePump. Safe to call more than once.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ping sends a heartbeat probe. WriteControl is safe to call
// concurrently with writePump.
func (c *Client) ping(writeWait time.Duration) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Client) writePump(writeWait time.Duration) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	// send channel closed: the hub is letting this connection go.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (c *Client) readPump(h *Hub) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleInbound(c, data)
	}
}
