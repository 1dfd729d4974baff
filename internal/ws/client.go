package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client wraps a websocket connection as a Subscriber. Writes are serialized
// because gorilla connections allow only one concurrent writer.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn}
}

// Send writes a text message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
