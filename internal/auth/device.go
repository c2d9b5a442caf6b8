package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/twitchsub/internal/domain"
)

const (
	deviceGrantType       = "urn:ietf:params:oauth:grant-type:device_code"
	defaultDeviceInterval = 5 * time.Second
	slowDownStep          = 5 * time.Second
)

// DeviceFlow is the device authorization grant. Twitch deviates from
// RFC 8628: it takes a "scopes" parameter and reports polling states in a
// "message" field, so the exchange is done by hand.
type DeviceFlow struct {
	clientID   string
	deviceURL  string
	tokenURL   string
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
	out        io.Writer
}

// NewDeviceFlow writes the user code and verification URL to out.
func NewDeviceFlow(cfg Config, out io.Writer) *DeviceFlow {
	cfg = cfg.withDefaults()
	if out == nil {
		out = io.Discard
	}
	conf := newOAuthConfig(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, cfg.AuthBaseURL)
	return &DeviceFlow{
		clientID:   cfg.ClientID,
		deviceURL:  conf.Endpoint.DeviceAuthURL,
		tokenURL:   conf.Endpoint.TokenURL,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		out:        out,
	}
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type deviceTokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
}

type twitchErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Grant requests a device code and polls until the user answers or the
// code expires.
func (f *DeviceFlow) Grant(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error) {
	scopeParam := strings.Join(scopeStrings(scopes), " ")

	var dc deviceCodeResponse
	status, body, err := f.post(ctx, f.deviceURL, url.Values{
		"client_id": {f.clientID},
		"scopes":    {scopeParam},
	})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to request device code: %w", err)
	}
	if status != http.StatusOK {
		return domain.Credentials{}, &domain.APIError{StatusCode: status, Message: twitchMessage(body)}
	}
	if err := json.Unmarshal(body, &dc); err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to decode device code: %w", err)
	}

	_, _ = fmt.Fprintf(f.out, "Open %s and enter the code %s\n", dc.VerificationURI, dc.UserCode)
	f.logger.InfoContext(ctx, "Waiting for device authorization", "verification_uri", dc.VerificationURI, "expires_in", dc.ExpiresIn)

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = defaultDeviceInterval
	}
	deadline := f.clock.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	form := url.Values{
		"client_id":   {f.clientID},
		"scopes":      {scopeParam},
		"device_code": {dc.DeviceCode},
		"grant_type":  {deviceGrantType},
	}

	for {
		select {
		case <-f.clock.After(interval):
		case <-ctx.Done():
			return domain.Credentials{}, ctx.Err()
		}

		if dc.ExpiresIn > 0 && !f.clock.Now().Before(deadline) {
			return domain.Credentials{}, fmt.Errorf("%w: device code expired", domain.ErrAuthTimeout)
		}

		status, body, err := f.post(ctx, f.tokenURL, form)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("failed to poll device token: %w", err)
		}

		if status == http.StatusOK {
			var tok deviceTokenResponse
			if err := json.Unmarshal(body, &tok); err != nil {
				return domain.Credentials{}, fmt.Errorf("failed to decode device token: %w", err)
			}
			return f.credentials(tok, scopes), nil
		}

		switch msg := twitchMessage(body); msg {
		case "authorization_pending":
			continue
		case "slow_down":
			interval += slowDownStep
		case "access_denied":
			return domain.Credentials{}, domain.ErrAuthDenied
		case "expired_token", "invalid device code":
			return domain.Credentials{}, fmt.Errorf("%w: %s", domain.ErrAuthTimeout, msg)
		default:
			return domain.Credentials{}, &domain.APIError{StatusCode: status, Message: msg}
		}
	}
}

func (f *DeviceFlow) credentials(tok deviceTokenResponse, requested []domain.Scope) domain.Credentials {
	creds := domain.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       requested,
	}
	if tok.ExpiresIn > 0 {
		creds.Expiry = f.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if tok.Scope != nil {
		creds.Scopes = make([]domain.Scope, len(tok.Scope))
		for i, s := range tok.Scope {
			creds.Scopes[i] = domain.Scope(s)
		}
	}
	return creds
}

func (f *DeviceFlow) post(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func twitchMessage(body []byte) string {
	var e twitchErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
		return strings.TrimSpace(string(body))
	}
	return e.Message
}
