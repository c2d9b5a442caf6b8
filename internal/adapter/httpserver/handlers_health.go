package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/twitchsub/internal/platform/version"
)

const readinessCheckTimeout = 5 * time.Second

// HealthCheck is a dependency check run on every readiness request, such as
// a ping of the token store.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionStatus is the EventSub session as readiness reports it. The
// process is ready only while Active is set.
type SessionStatus struct {
	State         string `json:"state"`
	SessionID     string `json:"session_id,omitempty"`
	Subscriptions int    `json:"subscriptions"`
	Active        bool   `json:"-"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness reports the session first, then runs the dependency
// checks in order and stops at the first failure.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()

	code := http.StatusOK
	response := map[string]any{"status": "ready"}
	unhealthy := func(check, reason string) {
		code = http.StatusServiceUnavailable
		response["status"] = "unhealthy"
		response["failed_check"] = check
		response["error"] = reason
	}

	if s.sessionStatus != nil {
		status := s.sessionStatus()
		response["session"] = status
		if !status.Active {
			unhealthy("session", "session is "+status.State)
		}
	}

	if code == http.StatusOK {
		for _, hc := range s.healthChecks {
			if err := hc.Check(ctx); err != nil {
				unhealthy(hc.Name, err.Error())
				break
			}
		}
	}

	if err := c.JSON(code, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
