package hub

import (
	"errors"
	"sync"

	"github.com/roach88/botsync/internal/wire"
)

var errDisconnected = errors.New("memory client disconnected")

// MemoryClient is a wire.Client connected to a Hub in the same process.
// Messages are delivered synchronously on the calling goroutine.
type MemoryClient struct {
	*wire.Session

	hub *Hub

	mu   sync.Mutex
	conn *Conn

	// Sent counts the messages sent per type.
	sentMu sync.Mutex
	sent   map[string]int
}

// NewMemoryClient creates a client for h. It is disconnected until
// Connect is called.
func NewMemoryClient(h *Hub, opts wire.SessionOptions) *MemoryClient {
	c := &MemoryClient{hub: h, sent: make(map[string]int)}
	c.Session = wire.NewSession(c.write, opts)
	return c
}

func (c *MemoryClient) write(msg wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errDisconnected
	}
	c.sentMu.Lock()
	c.sent[msg.Type]++
	c.sentMu.Unlock()
	conn.Handle(msg)
	return nil
}

// Connect opens a connection to the hub and logs in.
func (c *MemoryClient) Connect() {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return
	}
	var conn *Conn
	conn = c.hub.Connect(func(msg wire.Message) error {
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return errDisconnected
		}
		c.Session.Receive(msg)
		return nil
	})
	c.conn = conn
	c.mu.Unlock()
	c.Session.Opened()
}

// Disconnect drops the connection. Watches are restored by the next
// Connect.
func (c *MemoryClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	c.Session.Closed()
}

// Sent returns how many messages of type msgType were sent.
func (c *MemoryClient) Sent(msgType string) int {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	return c.sent[msgType]
}
