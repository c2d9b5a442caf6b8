package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
	"github.com/pscheid92/twitchsub/internal/domain"
)

const (
	DefaultAuthTimeout = 5 * time.Minute
	DefaultHTTPTimeout = 10 * time.Second
)

// Config holds the OAuth client and the policy knobs. Every knob defaults
// to false, so a missing, expired or under-scoped token fails the build.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthBaseURL  string
	AuthTimeout  time.Duration

	RefreshOnExpire      bool
	ReauthOnMissingScope bool
	AuthenticateIfAbsent bool

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    *metrics.AuthMetrics
}

func (c Config) withDefaults() Config {
	if c.AuthBaseURL == "" {
		c.AuthBaseURL = DefaultAuthBaseURL
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Authenticator struct {
	cfg       Config
	store     domain.CredentialStore
	validator domain.TokenValidator
	flow      GrantFlow
	oauth     *oauth2.Config

	refreshGroup singleflight.Group
}

// New creates an Authenticator. store may be nil, in which case nothing is
// cached between runs.
func New(cfg Config, store domain.CredentialStore, validator domain.TokenValidator, flow GrantFlow) (*Authenticator, error) {
	if cfg.ClientID == "" {
		return nil, domain.ErrMissingClientID
	}
	cfg = cfg.withDefaults()

	return &Authenticator{
		cfg:       cfg,
		store:     store,
		validator: validator,
		flow:      flow,
		oauth:     newOAuthConfig(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, cfg.AuthBaseURL),
	}, nil
}

// Authenticate runs the grant flow, validates the new token and saves it.
func (a *Authenticator) Authenticate(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error) {
	creds, err := a.authenticate(ctx, scopes)
	if err != nil {
		return domain.Credentials{}, err
	}
	if err := a.save(ctx, creds); err != nil {
		return domain.Credentials{}, err
	}
	return creds, nil
}

func (a *Authenticator) authenticate(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error) {
	if a.flow == nil {
		return domain.Credentials{}, errors.New("no grant flow configured")
	}

	grantCtx, cancel := context.WithTimeout(ctx, a.cfg.AuthTimeout)
	defer cancel()

	a.cfg.Logger.InfoContext(ctx, "Starting authorization", "scopes", scopeStrings(scopes))
	creds, err := a.flow.Grant(grantCtx, scopes)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return domain.Credentials{}, fmt.Errorf("%w after %s", domain.ErrAuthTimeout, a.cfg.AuthTimeout)
		}
		return domain.Credentials{}, err
	}

	return a.hydrate(ctx, creds)
}

// Refresh returns creds unchanged, without any network call, while the
// token is not expired. Concurrent refreshes of the same token share one
// request.
func (a *Authenticator) Refresh(ctx context.Context, creds domain.Credentials) (domain.Credentials, error) {
	if !creds.Expired(a.cfg.Clock.Now()) {
		return creds, nil
	}
	return a.forceRefresh(ctx, creds)
}

func (a *Authenticator) forceRefresh(ctx context.Context, creds domain.Credentials) (domain.Credentials, error) {
	if creds.RefreshToken == "" {
		return domain.Credentials{}, fmt.Errorf("%w: no refresh token", domain.ErrRefreshExpired)
	}

	ch := a.refreshGroup.DoChan(creds.RefreshToken, func() (any, error) {
		refreshed, err := a.refresh(ctx, creds)
		if err != nil {
			return nil, err
		}
		if err := a.save(ctx, refreshed); err != nil {
			return nil, err
		}
		return refreshed, nil
	})

	// A caller that joined someone else's refresh still leaves on its own ctx.
	select {
	case <-ctx.Done():
		return domain.Credentials{}, fmt.Errorf("failed to refresh token: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.Credentials{}, res.Err
		}
		if res.Shared {
			a.cfg.Logger.DebugContext(ctx, "Joined in-flight token refresh")
		}
		return res.Val.(domain.Credentials), nil
	}
}

func (a *Authenticator) refresh(ctx context.Context, creds domain.Credentials) (domain.Credentials, error) {
	// An empty access token makes the source refresh immediately.
	src := a.oauth.TokenSource(oauthContext(ctx, a.cfg.HTTPClient), &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if retrieveErr, ok := errors.AsType[*oauth2.RetrieveError](err); ok && retrieveErr.Response != nil {
			code := retrieveErr.Response.StatusCode
			if code == http.StatusBadRequest || code == http.StatusUnauthorized {
				a.cfg.Metrics.Refresh(metrics.RefreshRejected)
				a.cfg.Logger.WarnContext(ctx, "Refresh token rejected", "status", code)
				return domain.Credentials{}, fmt.Errorf("%w: status %d", domain.ErrRefreshExpired, code)
			}
		}
		a.cfg.Metrics.Refresh(metrics.RefreshError)
		return domain.Credentials{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshed := tokenToCredentials(tok, creds.Scopes, a.cfg.Clock)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	refreshed.UserID = creds.UserID
	refreshed.Login = creds.Login

	a.cfg.Metrics.Refresh(metrics.RefreshSuccess)
	a.cfg.Logger.InfoContext(ctx, "Access token refreshed", "expiry", refreshed.Expiry)
	return refreshed, nil
}

// Validate resolves the owner and grants of accessToken.
func (a *Authenticator) Validate(ctx context.Context, accessToken string) (domain.TokenInfo, error) {
	if a.validator == nil {
		return domain.TokenInfo{}, errors.New("no token validator configured")
	}
	info, err := a.validator.ValidateToken(ctx, accessToken)
	if err != nil {
		return domain.TokenInfo{}, err
	}
	if info.ClientID != "" && info.ClientID != a.cfg.ClientID {
		return domain.TokenInfo{}, fmt.Errorf("%w: token was issued to client %s", domain.ErrTokenInvalid, info.ClientID)
	}
	return info, nil
}

// hydrate fills user, scopes and expiry from the validation endpoint.
func (a *Authenticator) hydrate(ctx context.Context, creds domain.Credentials) (domain.Credentials, error) {
	info, err := a.Validate(ctx, creds.AccessToken)
	if err != nil {
		return domain.Credentials{}, err
	}

	creds.UserID = info.UserID
	creds.Login = info.Login
	creds.Scopes = info.Scopes
	if info.ExpiresIn > 0 {
		creds.Expiry = a.cfg.Clock.Now().Add(info.ExpiresIn)
	}
	return creds, nil
}

// EnsureScope checks creds against the requested scopes. Missing scopes
// trigger a new authorization when ReauthOnMissingScope is set and fail with
// *domain.InsufficientScopeError otherwise.
func (a *Authenticator) EnsureScope(ctx context.Context, creds domain.Credentials, scopes []domain.Scope) (domain.Credentials, error) {
	missing := domain.MissingScopes(creds.Scopes, scopes)
	if len(missing) == 0 {
		return creds, nil
	}

	if !a.cfg.ReauthOnMissingScope {
		return domain.Credentials{}, &domain.InsufficientScopeError{Missing: missing}
	}

	a.cfg.Logger.InfoContext(ctx, "Token lacks scopes, re-authorizing", "missing", scopeStrings(missing))
	creds, err := a.authenticate(ctx, domain.MergeScopes(creds.Scopes, scopes))
	if err != nil {
		return domain.Credentials{}, err
	}

	// The user may untick scopes on the consent page.
	if missing := domain.MissingScopes(creds.Scopes, scopes); len(missing) > 0 {
		return domain.Credentials{}, &domain.InsufficientScopeError{Missing: missing}
	}
	return creds, nil
}

// Ensure produces usable credentials for scopes, following the policy knobs.
func (a *Authenticator) Ensure(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error) {
	creds, ok, err := a.load(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}

	if !ok {
		if !a.cfg.AuthenticateIfAbsent {
			return domain.Credentials{}, domain.ErrTokenMissing
		}
		creds, err = a.authenticate(ctx, scopes)
	} else {
		creds, err = a.revalidate(ctx, creds, scopes)
	}
	if err != nil {
		return domain.Credentials{}, err
	}

	creds, err = a.EnsureScope(ctx, creds, scopes)
	if err != nil {
		return domain.Credentials{}, err
	}

	if err := a.save(ctx, creds); err != nil {
		return domain.Credentials{}, err
	}

	a.cfg.Logger.InfoContext(ctx, "Credentials ready", "login", creds.Login, "user_id", creds.UserID, "expiry", creds.Expiry)
	return creds, nil
}

func (a *Authenticator) revalidate(ctx context.Context, creds domain.Credentials, scopes []domain.Scope) (domain.Credentials, error) {
	hydrated, err := a.hydrate(ctx, creds)
	switch {
	case err == nil && !hydrated.Expired(a.cfg.Clock.Now()):
		return hydrated, nil
	case err == nil, errors.Is(err, domain.ErrTokenInvalid):
		// expired, or rejected by the validation endpoint
	default:
		return domain.Credentials{}, err
	}

	if !a.cfg.RefreshOnExpire {
		return domain.Credentials{}, domain.ErrTokenExpired
	}

	if err == nil {
		creds = hydrated
	}
	refreshed, err := a.forceRefresh(ctx, creds)
	if err == nil {
		return a.hydrate(ctx, refreshed)
	}

	if errors.Is(err, domain.ErrRefreshExpired) && a.cfg.AuthenticateIfAbsent {
		a.cfg.Logger.InfoContext(ctx, "Refresh token no longer valid, re-authorizing")
		return a.authenticate(ctx, domain.MergeScopes(creds.Scopes, scopes))
	}
	return domain.Credentials{}, err
}

func (a *Authenticator) load(ctx context.Context) (domain.Credentials, bool, error) {
	if a.store == nil {
		return domain.Credentials{}, false, nil
	}
	creds, ok, err := a.store.Load(ctx)
	if err != nil {
		return domain.Credentials{}, false, fmt.Errorf("failed to load credentials: %w", err)
	}
	return creds, ok, nil
}

func (a *Authenticator) save(ctx context.Context, creds domain.Credentials) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Save(ctx, creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
