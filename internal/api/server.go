// Package api serves the local HTTP control surface of the proxy: status,
// learned event headers, filter rules, frame injection and timed resends.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/udisondev/habproxy/internal/capture"
	"github.com/udisondev/habproxy/internal/filter"
	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/schedule"
	"github.com/udisondev/habproxy/internal/triggers"
)

// Proxy is what the API controls. relay.Connection implements it.
type Proxy interface {
	Filters() *filter.Chain
	Correlator() *triggers.Correlator
	Addr() net.Addr
	IsConnected() bool
	SendToServer(msg *protocol.Message) error
	SendToClient(msg *protocol.Message) error
}

// Config holds API server settings.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the API defaults. The API binds to loopback only.
func DefaultConfig() Config {
	return Config{
		Address:         "127.0.0.1:8787",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithCapture exposes the capture writer counters in /status.
func WithCapture(w *capture.Writer) Option {
	return func(s *Server) { s.capture = w }
}

// Server is the gin-based control API.
type Server struct {
	proxy   Proxy
	cfg     Config
	router  *gin.Engine
	capture *capture.Writer

	mu        sync.Mutex
	schedules map[protocol.Destination]*schedule.Schedule
}

// NewServer builds the router for proxy.
func NewServer(proxy Proxy, cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(loggingMiddleware(), gin.Recovery())

	s := &Server{
		proxy:     proxy,
		cfg:       cfg,
		router:    router,
		schedules: make(map[protocol.Destination]*schedule.Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)

		v1.GET("/headers", s.handleHeaders)
		v1.PUT("/headers/:kind", s.handleLockHeader)

		filters := v1.Group("/filters/:dir")
		{
			filters.GET("", s.handleRules)
			filters.DELETE("", s.handleClearRules)
			filters.POST("/block/:header", s.handleBlock)
			filters.DELETE("/block/:header", s.handleUnblock)
			filters.POST("/replace/:header", s.handleReplace)
			filters.DELETE("/replace/:header", s.handleUnreplace)
		}

		v1.POST("/inject/:target", s.handleInject)

		v1.GET("/schedules", s.handleSchedules)
		v1.POST("/schedules/:target", s.handleStartSchedule)
		v1.DELETE("/schedules/:target", s.handleStopSchedule)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the configured address until ctx is cancelled, then shuts
// down and stops every running schedule.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control API listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	defer s.stopSchedules()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving control API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control API: %w", err)
	}
	slog.Info("control API stopped")
	return nil
}

func (s *Server) stopSchedules() {
	s.mu.Lock()
	running := make([]*schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		running = append(running, sc)
	}
	s.mu.Unlock()

	for _, sc := range running {
		sc.Stop()
	}
}
