// Package server exposes the orchestrator over HTTP: batch submission and
// status, a server-sent event stream per batch, evidence export and the
// approval decision endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/config"
	"github.com/kingrea/forge/internal/events"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/orchestrator"
)

// Lifecycle reports where the listener is.
type Lifecycle string

const (
	LifecycleStarting Lifecycle = "starting"
	LifecycleReady    Lifecycle = "ready"
	LifecycleDraining Lifecycle = "draining"
)

// Orchestrator is the part of the orchestrator the API drives.
type Orchestrator interface {
	Submit(ctx context.Context, ids []string, dryRun bool) (orchestrator.BatchHandle, error)
	Status(handle orchestrator.BatchHandle) (orchestrator.BatchStatus, error)
	Cancel(handle orchestrator.BatchHandle) error
	Batches() ([]string, error)
	ExportEvidence(ctx context.Context, contractID string) ([]evidence.Record, error)
}

// Approvals is the part of the approval gate the API drives.
type Approvals interface {
	Pending(ctx context.Context) ([]approval.Request, error)
	Decide(ctx context.Context, id, authorityID string, decision approval.Decision, reason string) (approval.Request, error)
}

// Subscriber opens per-batch event streams.
type Subscriber interface {
	Subscribe(batchID string) events.Subscription
}

// Verifier maps a bearer token to an authority id.
type Verifier interface {
	Verify(token string) (string, error)
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger sets the request and lifecycle logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

// WithVerifier enables bearer-token decisions.
func WithVerifier(v Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithKeepAlive sets the SSE comment interval.
func WithKeepAlive(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.keepAlive = interval
		}
	}
}

// Server wraps the echo instance and its listener.
type Server struct {
	settings  config.ServerConfig
	orch      Orchestrator
	approvals Approvals
	stream    Subscriber
	verifier  Verifier
	metrics   http.Handler
	logger    *zap.Logger
	clock     func() time.Time
	keepAlive time.Duration
	echo      *echo.Echo
	limiter   *limiter

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	lifecycle Lifecycle
	startTime time.Time
}

// New builds the API server. Routes are registered immediately so the
// handler can be exercised without a listener.
func New(settings config.ServerConfig, orch Orchestrator, approvals Approvals, stream Subscriber, opts ...Option) *Server {
	s := &Server{
		settings:  settings,
		orch:      orch,
		approvals: approvals,
		stream:    stream,
		logger:    zap.NewNop(),
		clock:     func() time.Time { return time.Now().UTC() },
		keepAlive: 15 * time.Second,
		lifecycle: LifecycleStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if settings.RateLimit > 0 {
		s.limiter = newLimiter(settings.RateLimit, settings.Burst, s.clock)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.logRequests)
	if s.limiter != nil {
		e.Use(s.limiter.middleware)
	}
	s.echo = e
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	v1 := s.echo.Group("/api/v1")
	v1.POST("/batches", s.handleSubmit)
	v1.GET("/batches", s.handleListBatches)
	v1.GET("/batches/:id", s.handleStatus)
	v1.DELETE("/batches/:id", s.handleCancel)
	v1.GET("/batches/:id/events", s.handleEvents)
	v1.GET("/contracts/:id/evidence", s.handleEvidence)
	v1.GET("/approvals", s.handlePending)
	v1.POST("/approvals/:id/decision", s.handleDecision)
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return err
	}
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server: already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:      s.echo,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.listener = listener
	s.server = server
	s.startTime = s.clock()
	s.lifecycle = LifecycleReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	s.lifecycle = LifecycleDraining
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	s.server = nil
	s.listener = nil
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the scheme and host of the running server.
func (s *Server) BaseURL() string {
	if addr := s.Addr(); addr != "" {
		return "http://" + addr
	}
	return s.settings.URL()
}

// Lifecycle reports the listener state.
func (s *Server) Lifecycle() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return s.clock().Sub(s.startTime)
}
