package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/analytics"
	"github.com/kubilitics/kubilitics-perf/internal/api/ws"
	"github.com/kubilitics/kubilitics-perf/internal/db"
)

// Config represents the server configuration
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Server exposes the anomaly engine over HTTP.
type Server struct {
	config *Config

	// Core components
	engine *analytics.Engine
	hub    *ws.Hub
	store  db.Store
	logger *zap.Logger

	// HTTP server
	httpServer *http.Server
	listener   net.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// Option configures a Server.
type Option func(*Server)

// WithHub mounts the anomaly stream at /ws/anomalies.
func WithHub(h *ws.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithStore enables the journal endpoints and the store health check.
func WithStore(st db.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server around a running engine.
func NewServer(cfg *Config, engine *analytics.Engine, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config: cfg,
		engine: engine,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("http server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("strategy", s.engine.StrategyName()),
		zap.Bool("stream", s.hub != nil),
		zap.Bool("store", s.store != nil),
	)
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown", zap.Error(err))
	}

	s.cancel()
	s.wg.Wait()
	s.logger.Info("http server stopped")
	return nil
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr()
}

// registerHandlers registers HTTP handlers
func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/samples", s.handleIngest)
	mux.HandleFunc("GET /api/v1/anomalies", s.handleRecentAnomalies)
	mux.HandleFunc("GET /api/v1/baselines", s.handleListBaselines)
	mux.HandleFunc("GET /api/v1/baselines/{name}", s.handleGetBaseline)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	if s.store != nil {
		mux.HandleFunc("GET /api/v1/anomalies/history", s.handleAnomalyHistory)
		mux.HandleFunc("GET /api/v1/anomalies/summary", s.handleAnomalySummary)
	}

	if s.hub != nil {
		mux.Handle("GET /ws/anomalies", s.hub)
	}
}
