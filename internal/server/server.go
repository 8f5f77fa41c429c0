package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/basekit/internal/config"
	"github.com/zot/basekit/internal/simhost"
)

// Server is the dev server: a simulated host shared by websocket sessions.
type Server struct {
	config       *config.Config
	host         *simhost.Host
	sessions     *SessionManager
	relay        *Relay
	metrics      *Metrics
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	wsEndpoint   *WebSocketEndpoint
	watcher      *FixtureWatcher
}

// New creates a server over host.
func New(cfg *config.Config, host *simhost.Host) *Server {
	s := &Server{
		config:   cfg,
		host:     host,
		sessions: NewSessionManager(),
		relay:    NewRelay(host),
		metrics:  NewMetrics(),
	}
	s.wsEndpoint = NewWebSocketEndpoint(cfg, s.sessions, s.relay, s.metrics)
	s.httpEndpoint = NewHTTPEndpoint(host, s.sessions, s.relay, s.wsEndpoint, s.metrics)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// Host returns the simulated host.
func (s *Server) Host() *simhost.Host {
	return s.host
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Relay returns the subscription relay.
func (s *Server) Relay() *Relay {
	return s.relay
}

// WebSocket returns the websocket endpoint.
func (s *Server) WebSocket() *WebSocketEndpoint {
	return s.wsEndpoint
}

// Start starts the fixture watcher when configured and the HTTP server. It
// returns the base URL.
func (s *Server) Start() (string, error) {
	if s.config.Fixture.Watch && s.config.Fixture.Path != "" {
		watcher, err := NewFixtureWatcher(s.config, s.config.Fixture.Path, s.host, s.metrics)
		if err != nil {
			return "", fmt.Errorf("fixture watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			watcher.Stop()
			return "", fmt.Errorf("fixture watcher: %w", err)
		}
		s.watcher = watcher
	}
	return s.StartHTTP(s.config.Server.Port)
}

// StartHTTP starts the HTTP server on port; 0 picks a free port. It returns
// the base URL.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpEndpoint,
	}
	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// Shutdown stops the watcher, the HTTP server and every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	// hijacked websocket connections are not closed by http.Server.Shutdown
	s.wsEndpoint.CloseAll()
	s.wsEndpoint.Wait()
	s.relay.Close()
	return err
}
