// Package server exposes a hub over websockets.
//
// Each websocket carries JSON protocol messages, one per frame. A
// connection maps to one hub Conn for its whole life.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/wire"
)

// Options configures a Server.
type Options struct {
	Hub *hub.Hub

	// CheckOrigin validates the Origin header of upgrade requests. Nil
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool

	// WriteTimeout bounds each frame write. Defaults to 10s.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server serves the branch protocol on /ws.
type Server struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
}

// New creates a server for opts.Hub.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	timeout := opts.WriteTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		hub:      opts.Hub,
		upgrader: websocket.Upgrader{CheckOrigin: check},
		timeout:  timeout,
		logger:   logger,
		sockets:  make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// ServeWS upgrades the request and serves protocol messages until the
// socket closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.track(ws, true)
	defer s.track(ws, false)

	var writeMu sync.Mutex
	conn := s.hub.Connect(func(msg wire.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(s.timeout))
		return ws.WriteJSON(msg)
	})
	s.logger.Debug("socket opened", "remote", r.RemoteAddr)

	for {
		var msg wire.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("socket read ended", "remote", r.RemoteAddr, "error", err)
			}
			break
		}
		conn.Handle(msg)
	}

	conn.Close()
	ws.Close()
	s.logger.Debug("socket closed", "remote", r.RemoteAddr, "connection", conn.Info().ConnectionID)
}

func (s *Server) track(ws *websocket.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.sockets[ws] = struct{}{}
	} else {
		delete(s.sockets, ws)
	}
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// CloseAll closes every open socket. Their connections leave the hub as
// the read loops end.
func (s *Server) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.sockets {
		ws.Close()
	}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdown)
	s.CloseAll()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
