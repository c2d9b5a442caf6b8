package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
	"github.com/pscheid92/twitchsub/internal/adapter/twitch"
	"github.com/pscheid92/twitchsub/internal/auth"
	"github.com/pscheid92/twitchsub/internal/chat"
	"github.com/pscheid92/twitchsub/internal/credentials"
	"github.com/pscheid92/twitchsub/internal/domain"
	"github.com/pscheid92/twitchsub/internal/eventsub"
	"github.com/pscheid92/twitchsub/internal/platform/version"
)

// TwitchAPI is the REST surface the session core talks to.
// *twitch.HelixClient implements it.
type TwitchAPI interface {
	domain.SubscriptionAPI
	domain.ChatAPI
	domain.TokenValidator
}

// Builder collects the configuration of an API. Every token policy knob
// defaults to false.
type Builder struct {
	clientID     string
	clientSecret string
	redirectURL  string
	remote       bool
	deviceFlow   bool

	reauthOnMissingScope bool
	authenticateIfAbsent bool
	refreshOnExpire      bool

	accessPath  string
	refreshPath string
	store       domain.CredentialStore

	topics        []domain.Topic
	scopes        []domain.Scope
	broadcasterID string
	moderatorID   string

	eventSubURL   string
	helixURL      string
	authBaseURL   string
	keepalive     time.Duration
	maxReconnects uint
	queueCapacity int

	clock      clockwork.Clock
	registerer prometheus.Registerer
	logger     *slog.Logger
	in         io.Reader
	out        io.Writer

	grantFlow  auth.GrantFlow
	twitchAPI  TwitchAPI
	dialer     eventsub.Dialer
	httpClient *http.Client
}

// NewBuilder starts a configuration for the application with the given
// client credentials. The redirect defaults to http://localhost:3000.
func NewBuilder(clientID, clientSecret string) *Builder {
	return &Builder{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  "http://localhost:3000",
		in:           os.Stdin,
		out:          os.Stdout,
	}
}

// RedirectURL must match a redirect registered for the application.
func (b *Builder) RedirectURL(u string) *Builder {
	b.redirectURL = u
	return b
}

// RunRemotely prints the authorization URL and reads the redirect back from
// the prompt instead of opening a browser and listening locally.
func (b *Builder) RunRemotely() *Builder {
	b.remote = true
	return b
}

// UseDeviceFlow authorizes with the device code grant.
func (b *Builder) UseDeviceFlow() *Builder {
	b.deviceFlow = true
	return b
}

// GenerateTokenIfInsufficientScope runs the grant flow again when the cached
// token lacks a required scope. Otherwise Build fails with
// *domain.InsufficientScopeError.
func (b *Builder) GenerateTokenIfInsufficientScope(v bool) *Builder {
	b.reauthOnMissingScope = v
	return b
}

// GenerateTokenIfNone runs the grant flow when no token is cached.
func (b *Builder) GenerateTokenIfNone(v bool) *Builder {
	b.authenticateIfAbsent = v
	return b
}

// GenerateTokenOnExpire refreshes an expired token before use.
func (b *Builder) GenerateTokenOnExpire(v bool) *Builder {
	b.refreshOnExpire = v
	return b
}

// AutoSaveLoadTokens caches tokens in two flat files.
func (b *Builder) AutoSaveLoadTokens(accessPath, refreshPath string) *Builder {
	b.accessPath = accessPath
	b.refreshPath = refreshPath
	return b
}

// CredentialStore overrides the token cache, e.g. with a RedisStore.
func (b *Builder) CredentialStore(store domain.CredentialStore) *Builder {
	b.store = store
	return b
}

// AddSubscription adds topic to the subscriptions Build creates.
func (b *Builder) AddSubscription(topic domain.Topic) *Builder {
	b.topics = append(b.topics, topic)
	return b
}

func (b *Builder) AddSubscriptions(topics ...domain.Topic) *Builder {
	b.topics = append(b.topics, topics...)
	return b
}

// AddScopes requests scopes beyond those the subscriptions need, such as
// user:write:chat for sending.
func (b *Builder) AddScopes(scopes ...domain.Scope) *Builder {
	b.scopes = append(b.scopes, scopes...)
	return b
}

// BroadcasterUserID selects the channel to listen to. It defaults to the
// authenticated user.
func (b *Builder) BroadcasterUserID(id string) *Builder {
	b.broadcasterID = id
	return b
}

// ModeratorUserID fills the moderator condition of topics that need one.
// It defaults to the authenticated user.
func (b *Builder) ModeratorUserID(id string) *Builder {
	b.moderatorID = id
	return b
}

// EventSubURL, HelixURL and AuthBaseURL point the client at other hosts,
// e.g. the Twitch CLI mock server.
func (b *Builder) EventSubURL(u string) *Builder {
	b.eventSubURL = u
	return b
}

func (b *Builder) HelixURL(u string) *Builder {
	b.helixURL = u
	return b
}

func (b *Builder) AuthBaseURL(u string) *Builder {
	b.authBaseURL = u
	return b
}

// KeepaliveTimeout is requested from the server in the connect URL.
func (b *Builder) KeepaliveTimeout(d time.Duration) *Builder {
	b.keepalive = d
	return b
}

// MaxReconnectAttempts bounds consecutive failed reconnects before the
// session fails with ErrReconnectExhausted.
func (b *Builder) MaxReconnectAttempts(n uint) *Builder {
	b.maxReconnects = n
	return b
}

// QueueCapacity bounds the response queue. When full, the oldest response
// is dropped.
func (b *Builder) QueueCapacity(n int) *Builder {
	b.queueCapacity = n
	return b
}

func (b *Builder) Clock(clock clockwork.Clock) *Builder {
	b.clock = clock
	return b
}

// MetricsRegisterer enables Prometheus metrics. Without it nothing is
// recorded.
func (b *Builder) MetricsRegisterer(reg prometheus.Registerer) *Builder {
	b.registerer = reg
	return b
}

func (b *Builder) Logger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Prompt sets where authorization instructions go and where pasted
// redirects are read from.
func (b *Builder) Prompt(in io.Reader, out io.Writer) *Builder {
	b.in = in
	b.out = out
	return b
}

// GrantFlow replaces the authorization grant, mainly for tests.
func (b *Builder) GrantFlow(flow auth.GrantFlow) *Builder {
	b.grantFlow = flow
	return b
}

// TwitchAPI replaces the Helix adapter.
func (b *Builder) TwitchAPI(api TwitchAPI) *Builder {
	b.twitchAPI = api
	return b
}

func (b *Builder) Dialer(d eventsub.Dialer) *Builder {
	b.dialer = d
	return b
}

// HTTPClient is used for Helix and OAuth calls. It defaults to a client
// with a bounded timeout.
func (b *Builder) HTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

// Build authenticates, opens the EventSub session and subscribes to every
// requested topic. On any failure it releases what it opened and returns
// no API.
func (b *Builder) Build(ctx context.Context) (*API, error) {
	if len(b.topics) == 0 {
		return nil, domain.ErrNoSubscriptionsRequested
	}
	if b.clientID == "" {
		return nil, domain.ErrMissingClientID
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	set := &metrics.Set{}
	if b.registerer != nil {
		set = metrics.NewSet(b.registerer)
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: auth.DefaultHTTPTimeout}
	}

	api := b.twitchAPI
	if api == nil {
		helixClient, err := twitch.NewHelixClient(ctx, twitch.Options{
			ClientID:     b.clientID,
			ClientSecret: b.clientSecret,
			APIBaseURL:   b.helixURL,
			UserAgent:    version.UserAgent(),
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, err
		}
		api = helixClient
	}

	authCfg := auth.Config{
		ClientID:             b.clientID,
		ClientSecret:         b.clientSecret,
		RedirectURL:          b.redirectURL,
		AuthBaseURL:          b.authBaseURL,
		RefreshOnExpire:      b.refreshOnExpire,
		ReauthOnMissingScope: b.reauthOnMissingScope,
		AuthenticateIfAbsent: b.authenticateIfAbsent,
		HTTPClient:           httpClient,
		Clock:                clock,
		Logger:               logger,
		Metrics:              set.Auth,
	}
	authenticator, err := auth.New(authCfg, b.credentialStore(), api, b.flow(authCfg))
	if err != nil {
		return nil, err
	}

	scopes := domain.MergeScopes(domain.ScopesFor(b.topics), b.scopes)
	creds, err := authenticator.Ensure(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	broadcaster := b.broadcasterID
	if broadcaster == "" {
		broadcaster = creds.UserID
	}

	a := &API{
		auth:    authenticator,
		creds:   creds,
		refresh: b.refreshOnExpire,
		clock:   clock,
		logger:  logger,
	}

	a.negotiator = eventsub.NewNegotiator(eventsub.NegotiatorConfig{
		API:   api,
		Token: a.accessToken,
		IDs: domain.ConditionIDs{
			BroadcasterUserID: broadcaster,
			UserID:            creds.UserID,
			ModeratorUserID:   b.moderatorID,
		},
		Logger: logger,
	})

	a.dispatcher = eventsub.NewDispatcher(b.queueCapacity,
		eventsub.WithDispatcherLogger(logger),
		eventsub.WithDispatcherMetrics(set.Dispatcher),
	)

	a.session = eventsub.NewSession(eventsub.Config{
		URL:                  b.eventSubURL,
		KeepaliveTimeout:     b.keepalive,
		MaxReconnectAttempts: b.maxReconnects,
		Dialer:               b.dialer,
		UserAgent:            version.UserAgent(),
		Clock:                clock,
		Logger:               logger,
		Metrics:              set.Session,
	}, a.dispatcher, a.negotiator)

	if err := a.session.Start(ctx); err != nil {
		_ = a.session.Close()
		return nil, err
	}

	res, err := a.negotiator.Subscribe(ctx, a.session.SessionID(), b.topics)
	if err != nil {
		a.abort(res.Subscribed)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	a.session.Track(res.Subscribed)
	a.dispatcher.Push(domain.ReadyResponse{SessionID: a.session.SessionID(), Subscriptions: res.Subscribed})

	a.sender = chat.NewSender(chat.Config{
		API:           api,
		Gate:          a.session,
		Credentials:   a.Credentials,
		BroadcasterID: broadcaster,
		Clock:         clock,
		Logger:        logger,
		Metrics:       set.Commands,
	})

	logger.InfoContext(ctx, "Session ready", "session_id", a.session.SessionID(), "subscriptions", len(res.Subscribed), "login", creds.Login)
	return a, nil
}

func (b *Builder) credentialStore() domain.CredentialStore {
	switch {
	case b.store != nil:
		return b.store
	case b.accessPath != "" && b.refreshPath != "":
		return credentials.NewFileStore(b.accessPath, b.refreshPath)
	default:
		return nil
	}
}

func (b *Builder) flow(cfg auth.Config) auth.GrantFlow {
	switch {
	case b.grantFlow != nil:
		return b.grantFlow
	case b.deviceFlow:
		return auth.NewDeviceFlow(cfg, b.out)
	case b.remote:
		return auth.NewCodeFlow(cfg, auth.Remote(b.in), auth.WithOutput(b.out))
	default:
		return auth.NewCodeFlow(cfg, auth.WithOutput(b.out))
	}
}
