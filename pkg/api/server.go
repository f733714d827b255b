// Package api provides the read-only HTTP status API of a Nebula node
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/op/go-logging.v1"

	"github.com/NebulaChat/nebula-node/pkg/instrument"
	"github.com/NebulaChat/nebula-node/pkg/lifecycle"
	"github.com/NebulaChat/nebula-node/pkg/log"
	"github.com/NebulaChat/nebula-node/pkg/network"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// Relay is the node state the API reports on
type Relay interface {
	PublicKey() protocol.PublicKey
	Sessions() []network.SessionInfo
	Directory() *network.Directory
}

// Config holds server configuration
type Config struct {
	Address      string
	RateLimit    int // Requests per minute per client, 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Address:      "127.0.0.1:23691",
		RateLimit:    120,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server represents the HTTP API server
type Server struct {
	cfg     Config
	relay   Relay
	events  *lifecycle.Emitter // nil when the onion service is disabled
	router  *gin.Engine
	log     *logging.Logger
	backend *log.Backend
	started time.Time

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a new HTTP API server
func NewServer(cfg Config, relay Relay, events *lifecycle.Emitter, backend *log.Backend) *Server {
	defaults := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		relay:   relay,
		events:  events,
		router:  gin.New(),
		log:     backend.GetLogger("api"),
		backend: backend,
		started: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(gin.RecoveryWithWriter(s.backend.GetLogWriter("api", "ERROR")))
	s.router.Use(LoggingMiddleware(s.log))
	if s.cfg.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimit)))
	}
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/peers/:key", s.handlePeer)
		v1.GET("/sessions", s.handleSessions)
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(instrument.Handler()))
}

// Handler exposes the routes, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the API listener
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     s.backend.GetGoLogger("api", "WARNING"),
	}
	return nil
}

// Addr returns the bound address, nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve answers requests until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	srv, ln := s.httpServer, s.listener
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Noticef("HTTP API listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Notice("Shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}
