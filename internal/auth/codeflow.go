package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/pscheid92/twitchsub/internal/adapter/httpserver"
	"github.com/pscheid92/twitchsub/internal/domain"
)

// GrantFlow obtains a fresh user token from the resource owner.
type GrantFlow interface {
	Grant(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error)
}

// CallbackListener receives the authorization redirect on this machine.
type CallbackListener interface {
	Await(ctx context.Context) (string, error)
	Close() error
}

type ListenFunc func(redirectURL, state string) (CallbackListener, error)

func listenCallback(redirectURL, state string) (CallbackListener, error) {
	cs, err := httpserver.ListenCallback(redirectURL, state)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// CodeFlow is the OAuth authorization code grant. Interactive mode opens a
// browser and catches the redirect locally; remote mode prints the URL and
// reads the redirected URL (or the bare code) from the operator.
type CodeFlow struct {
	oauth      *oauth2.Config
	remote     bool
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger

	openBrowser func(string) error
	listen      ListenFunc
	in          io.Reader
	out         io.Writer
}

type CodeFlowOption func(*CodeFlow)

// Remote switches to the paste-the-redirect mode for headless hosts.
func Remote(in io.Reader) CodeFlowOption {
	return func(f *CodeFlow) {
		f.remote = true
		f.in = in
	}
}

func WithBrowser(open func(string) error) CodeFlowOption {
	return func(f *CodeFlow) { f.openBrowser = open }
}

func WithListener(listen ListenFunc) CodeFlowOption {
	return func(f *CodeFlow) { f.listen = listen }
}

func WithOutput(w io.Writer) CodeFlowOption {
	return func(f *CodeFlow) { f.out = w }
}

func NewCodeFlow(cfg Config, opts ...CodeFlowOption) *CodeFlow {
	cfg = cfg.withDefaults()
	f := &CodeFlow{
		oauth:       newOAuthConfig(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, cfg.AuthBaseURL),
		httpClient:  cfg.HTTPClient,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		openBrowser: browser.OpenURL,
		listen:      listenCallback,
		out:         io.Discard,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *CodeFlow) Grant(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error) {
	state, err := httpserver.GenerateOAuthState()
	if err != nil {
		return domain.Credentials{}, err
	}

	conf := withScopes(f.oauth, scopes)
	authURL := conf.AuthCodeURL(state)

	var code string
	if f.remote {
		code, err = f.awaitPasted(ctx, authURL, state)
	} else {
		code, err = f.awaitRedirect(ctx, conf.RedirectURL, authURL, state)
	}
	if err != nil {
		return domain.Credentials{}, err
	}

	tok, err := conf.Exchange(oauthContext(ctx, f.httpClient), code)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	f.logger.InfoContext(ctx, "Authorization code exchanged", "scopes", len(scopes))
	return tokenToCredentials(tok, scopes, f.clock), nil
}

func (f *CodeFlow) awaitRedirect(ctx context.Context, redirectURL, authURL, state string) (string, error) {
	ln, err := f.listen(redirectURL, state)
	if err != nil {
		return "", fmt.Errorf("failed to start callback listener: %w", err)
	}
	defer func() { _ = ln.Close() }()

	_, _ = fmt.Fprintf(f.out, "Open this URL to authorize the bot:\n\n%s\n\n", authURL)
	if err := f.openBrowser(authURL); err != nil {
		f.logger.WarnContext(ctx, "Failed to open browser, use the printed URL", "error", err)
	}

	return ln.Await(ctx)
}

func (f *CodeFlow) awaitPasted(ctx context.Context, authURL, state string) (string, error) {
	_, _ = fmt.Fprintf(f.out, "Open this URL on any device to authorize the bot:\n\n%s\n\n", authURL)
	_, _ = fmt.Fprint(f.out, "Paste the URL you were redirected to (or just the code): ")

	lines := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(f.in).ReadString('\n')
		if err != nil && line == "" {
			readErr <- err
			return
		}
		lines <- strings.TrimSpace(line)
	}()

	select {
	case line := <-lines:
		return parsePastedRedirect(line, state)
	case err := <-readErr:
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// parsePastedRedirect accepts a full redirect URL or a bare code. A URL must
// carry the expected state.
func parsePastedRedirect(input, state string) (string, error) {
	if input == "" {
		return "", errors.New("no authorization code entered")
	}
	if !strings.Contains(input, "?") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	q := u.Query()

	if q.Get("state") != state {
		return "", errors.New("redirect URL carries an unexpected OAuth state")
	}
	if reason := q.Get("error"); reason != "" {
		if reason == "access_denied" {
			return "", fmt.Errorf("%w: %s", domain.ErrAuthDenied, q.Get("error_description"))
		}
		return "", fmt.Errorf("authorization failed: %s: %s", reason, q.Get("error_description"))
	}
	if q.Get("code") == "" {
		return "", errors.New("redirect URL has no code parameter")
	}
	return q.Get("code"), nil
}
