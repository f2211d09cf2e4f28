package channel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	outboundBufferSize = 64
	writeWait          = 10 * time.Second
)

// Client owns one socket. Writes go through a bounded queue drained by
// WriteLoop so callers never block on a slow peer.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan ServerEnvelope
	mu     sync.Mutex
	closed bool
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan ServerEnvelope, outboundBufferSize),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Queue reports false when the outbound buffer is full or the client is
// closed.
func (c *Client) Queue(msg ServerEnvelope) bool {
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

func (c *Client) WriteLoop() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
	close(c.send)
}
