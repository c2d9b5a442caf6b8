package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pscheid92/twitchsub/internal/domain"
)

const (
	callbackReadHeaderTimeout = 10 * time.Second
	callbackShutdownTimeout   = 2 * time.Second
)

type callbackResult struct {
	code string
	err  error
}

// CallbackServer receives a single OAuth authorization redirect on the
// host and path of the registered redirect URL.
type CallbackServer struct {
	srv    *http.Server
	ln     net.Listener
	state  string
	result chan callbackResult
}

// GenerateOAuthState returns a random value for the OAuth state parameter.
func GenerateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ListenCallback starts serving the redirect URL. Requests whose state does
// not match are rejected and do not complete the wait.
func ListenCallback(redirectURL, state string) (*CallbackServer, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	cs := &CallbackServer{
		ln:     ln,
		state:  state,
		result: make(chan callbackResult, 1),
	}
	e.GET(path, cs.handleOAuthCallback)

	cs.srv = &http.Server{Handler: e, ReadHeaderTimeout: callbackReadHeaderTimeout}
	go func() {
		if err := cs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("OAuth callback listener stopped", "addr", addr, "error", err)
		}
	}()

	slog.Debug("OAuth callback listener started", "addr", ln.Addr().String(), "path", path)
	return cs, nil
}

// Addr is the bound listener address; useful when the redirect URL uses port 0.
func (cs *CallbackServer) Addr() net.Addr {
	return cs.ln.Addr()
}

func (cs *CallbackServer) handleOAuthCallback(c echo.Context) error {
	if c.QueryParam("state") != cs.state {
		slog.Warn("OAuth callback with unexpected state", "remote", c.RealIP())
		return c.String(http.StatusBadRequest, "invalid OAuth state")
	}

	if reason := c.QueryParam("error"); reason != "" {
		err := fmt.Errorf("authorization failed: %s: %s", reason, c.QueryParam("error_description"))
		if reason == "access_denied" {
			err = fmt.Errorf("%w: %s", domain.ErrAuthDenied, c.QueryParam("error_description"))
		}
		cs.deliver(callbackResult{err: err})
		return c.String(http.StatusOK, "Authorization was not granted. You can close this window.")
	}

	code := c.QueryParam("code")
	if code == "" {
		return c.String(http.StatusBadRequest, "missing code parameter")
	}

	cs.deliver(callbackResult{code: code})
	return c.String(http.StatusOK, "Authorization complete. You can close this window.")
}

func (cs *CallbackServer) deliver(r callbackResult) {
	select {
	case cs.result <- r:
	default:
	}
}

// Await blocks until a valid redirect arrives or ctx ends.
func (cs *CallbackServer) Await(ctx context.Context) (string, error) {
	select {
	case r := <-cs.result:
		return r.code, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (cs *CallbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
	defer cancel()

	if err := cs.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown callback listener: %w", err)
	}
	return nil
}
