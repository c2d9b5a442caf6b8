package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

// Server exposes operational endpoints (metrics, health, version) for a
// long-running bot process.
type Server struct {
	echo *echo.Echo
	addr string

	metricsHandler http.Handler
	sessionStatus  func() SessionStatus
	healthChecks   []HealthCheck
	clock          clockwork.Clock
	startTime      time.Time
}

type ServerOption func(*Server)

func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

// WithSessionStatus makes readiness report and gate on the EventSub session.
func WithSessionStatus(fn func() SessionStatus) ServerOption {
	return func(s *Server) { s.sessionStatus = fn }
}

func WithHealthChecks(checks ...HealthCheck) ServerOption {
	return func(s *Server) { s.healthChecks = append(s.healthChecks, checks...) }
}

func WithClock(c clockwork.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

func NewServer(addr string, opts ...ServerOption) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:  e,
		addr:  addr,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.startTime = srv.clock.Now()

	srv.registerRoutes()
	return srv
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting ops server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
