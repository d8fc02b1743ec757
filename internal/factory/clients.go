package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/wire"
)

// ErrNoHub is returned for memory connections when the pool has no hub.
var ErrNoHub = errors.New("memory protocol requires a hub")

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Hub serves clients of the memory protocol.
	Hub *hub.Hub

	Session wire.SessionOptions

	// Dispatch runs messages received by websocket clients.
	Dispatch wire.Dispatcher

	Logger *slog.Logger
}

// Pool hands out one client per host and protocol. Partitions configured
// for the same server share its connection.
//
// Websocket clients run until the pool's context is done.
type Pool struct {
	ctx    context.Context
	opts   PoolOptions
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]wire.Client
	wg      sync.WaitGroup
}

// NewPool creates a pool whose websocket clients live as long as ctx.
func NewPool(ctx context.Context, opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = logger
	}
	return &Pool{
		ctx:     ctx,
		opts:    opts,
		logger:  logger,
		clients: make(map[string]wire.Client),
	}
}

// Protocol returns the connection protocol cfg resolves to: the
// configured one, else websocket when a host is set, else memory.
func Protocol(cfg *partition.Config) string {
	switch {
	case cfg.ConnectionProtocol != "":
		return cfg.ConnectionProtocol
	case cfg.Host != "":
		return partition.ProtocolWebSocket
	default:
		return partition.ProtocolMemory
	}
}

// Client returns the shared client for the host and protocol of cfg,
// creating and connecting it on first use.
func (p *Pool) Client(cfg *partition.Config) (wire.Client, error) {
	protocol := Protocol(cfg)
	key := protocol + " " + cfg.Host

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	var c wire.Client
	switch protocol {
	case partition.ProtocolMemory:
		if p.opts.Hub == nil {
			return nil, ErrNoHub
		}
		mc := hub.NewMemoryClient(p.opts.Hub, p.opts.Session)
		mc.Connect()
		c = mc
	case partition.ProtocolWebSocket:
		if cfg.Host == "" {
			return nil, errors.New("websocket protocol requires a host")
		}
		wc, err := wire.NewWebSocketClient(cfg.Host, wire.WebSocketOptions{
			Session:  p.opts.Session,
			Dispatch: p.opts.Dispatch,
		})
		if err != nil {
			return nil, err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := wc.Run(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("websocket client stopped", "host", cfg.Host, "error", err)
			}
		}()
		c = wc
	default:
		return nil, fmt.Errorf("unsupported connection protocol %q", protocol)
	}
	p.logger.Debug("client created", "protocol", protocol, "host", cfg.Host)
	p.clients[key] = c
	return c, nil
}

// Len returns the number of clients created so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Wait blocks until every websocket client has stopped. Cancel the pool's
// context first.
func (p *Pool) Wait() { p.wg.Wait() }
