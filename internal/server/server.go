// Package server accepts client connections over TCP and WebSocket and runs
// one protocol handler per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/workspace/agent-bridge/internal/config"
	"github.com/workspace/agent-bridge/internal/protocol"
	"github.com/workspace/agent-bridge/internal/provider"
	"github.com/workspace/agent-bridge/internal/terminal"
)

// Options wire the server to the rest of the bridge.
type Options struct {
	Config    *config.Config
	Registry  *provider.Registry
	Terminals *terminal.Manager
	Version   string
	Logger    *slog.Logger
}

// Server owns the listeners and live connections.
type Server struct {
	config *config.Config
	opts   Options
	logger *slog.Logger

	tcpListener net.Listener
	wsListener  net.Listener
	httpServer  *http.Server

	mu       sync.Mutex
	conns    map[*connection]struct{}
	stopping bool
	wg       sync.WaitGroup
}

// New creates a server. Nothing listens until Start.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: opts.Config,
		opts:   opts,
		logger: logger.With("component", "server"),
		conns:  make(map[*connection]struct{}),
	}
}

// Start binds the configured listeners and serves them in the background.
func (s *Server) Start() error {
	if s.config.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.config.TCPAddr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", s.config.TCPAddr, err)
		}
		s.tcpListener = ln
		s.wg.Add(1)
		go s.serveTCP(ln)
		s.logger.Info("TCP listener started", "addr", ln.Addr().String())
	}

	if s.config.WSAddr != "" {
		ln, err := net.Listen("tcp", s.config.WSAddr)
		if err != nil {
			if s.tcpListener != nil {
				_ = s.tcpListener.Close()
			}
			return fmt.Errorf("listen websocket %s: %w", s.config.WSAddr, err)
		}
		s.wsListener = ln
		s.httpServer = &http.Server{
			Handler:     s.routes(),
			ReadTimeout: s.config.HTTPReadTimeout,
			IdleTimeout: s.config.HTTPIdleTimeout,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("WebSocket server stopped", "error", err)
			}
		}()
		s.logger.Info("WebSocket listener started", "addr", ln.Addr().String(), "path", s.config.WSPath)
	}
	return nil
}

// TCPAddr returns the bound TCP address, or nil when disabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// WSAddr returns the bound WebSocket address, or nil when disabled.
func (s *Server) WSAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.config.WSPath, s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) newHandler(c *connection) *protocol.Handler {
	return protocol.NewHandler(c, protocol.Options{
		Registry:     s.opts.Registry,
		Terminals:    s.opts.Terminals,
		AgentName:    "agent-bridge",
		AgentVersion: s.opts.Version,
		DefaultCwd:   s.config.WorkspaceDir,
		Logger:       s.logger,
	})
}

// track registers a live connection. It reports false once Stop has begun.
func (s *Server) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// ConnectionCount returns the number of live client connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop stops accepting, closes every live connection and waits for their
// handlers to detach or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.httpServer != nil {
		// Hijacked WebSocket connections are not tracked by Shutdown.
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	s.logger.Info("Server stopped", "connections", len(conns))
	return errors.Join(errs...)
}
