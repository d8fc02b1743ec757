package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

var errNotConnected = errors.New("websocket not connected")

// WebSocketOptions configures a WebSocketClient.
type WebSocketOptions struct {
	Session SessionOptions
	// Dispatch runs received messages. Defaults to Inline.
	Dispatch Dispatcher
	Dialer   *websocket.Dialer
	// MaxInterval caps the reconnect delay.
	MaxInterval time.Duration
}

// WebSocketClient is a Client speaking JSON messages over a websocket.
// Run keeps the connection up, reconnecting with exponential backoff.
type WebSocketClient struct {
	*Session

	url      string
	dialer   *websocket.Dialer
	dispatch Dispatcher
	logger   *slog.Logger
	maxWait  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketClient creates a client for the server at host. host may be
// a bare host:port, an http(s) URL or a ws(s) URL.
func NewWebSocketClient(host string, opts WebSocketOptions) (*WebSocketClient, error) {
	u, err := WebSocketURL(host)
	if err != nil {
		return nil, err
	}
	c := &WebSocketClient{
		url:      u,
		dialer:   opts.Dialer,
		dispatch: opts.Dispatch,
		maxWait:  opts.MaxInterval,
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.dispatch == nil {
		c.dispatch = Inline
	}
	if c.maxWait == 0 {
		c.maxWait = 30 * time.Second
	}
	c.Session = NewSession(c.write, opts.Session)
	c.logger = c.Session.logger.With("url", u)
	return c, nil
}

// WebSocketURL converts host to the websocket endpoint of a server.
func WebSocketURL(host string) (string, error) {
	if !strings.Contains(host, "://") {
		host = "ws://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host %q: %w", host, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *WebSocketClient) write(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteJSON(msg)
}

// Run dials the server and serves the connection until ctx is done.
func (c *WebSocketClient) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.maxWait
	b.MaxElapsedTime = 0

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			b.Reset()
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.logger.Warn("dial failed", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		c.logger.Debug("reconnecting", "in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *WebSocketClient) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	c.logger.Info("connected")
	c.dispatch.Post(c.Session.Opened)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.logger.Warn("read failed", "error", err)
			}
			break
		}
		c.dispatch.Post(func() { c.Session.Receive(msg) })
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
	c.logger.Info("disconnected")
	c.dispatch.Post(c.Session.Closed)
}
