package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/talkrelay/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int // Actual port after binding (useful when using :0)

	// cancel ends every request context, including SSE streams and MCP
	// reply waits that would otherwise outlive Shutdown.
	cancel context.CancelFunc
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g. ":3000" or "localhost:0").
	Addr string
	// Handler is the configured API handler.
	Handler HandlerConfig
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
}

// NewServer binds the listener and prepares the server. If Addr uses port
// 0 the OS assigns one; read it back with Port.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandler(cfg.Handler)

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		port:     port,
		listener: listener,
		cancel:   cancel,
		server: &http.Server{
			Handler:           handler.Routes(),
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: SSE and MCP speech waits are long-lived.
		},
	}, nil
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "Starting relay server", "addr", s.listener.Addr().String(), "port", s.port)
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop cancels in-flight requests, then shuts the server down. Long-lived
// requests (event streams, reply waits) return as soon as their context ends.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "Stopping relay server")
	s.cancel()
	return s.server.Shutdown(ctx)
}

// Port returns the actual port the server is listening on.
func (s *Server) Port() int {
	return s.port
}

// URL returns the base URL clients should use to reach this server.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.port)
}
