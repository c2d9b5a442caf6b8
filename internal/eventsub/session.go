package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
	"github.com/pscheid92/twitchsub/internal/domain"
	"github.com/pscheid92/twitchsub/internal/platform/correlation"
)

const (
	DefaultURL                  = "wss://eventsub.wss.twitch.tv/ws"
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultKeepaliveGrace       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultInitialBackoff       = time.Second
	DefaultMaxBackoff           = 30 * time.Second

	serverDefaultKeepalive = 10 * time.Second
	closeWriteTimeout      = time.Second
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Subscriber recreates subscriptions after a reconnect.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, topics []domain.Topic) (Result, error)
}

// Config tunes a Session. Zero values take the Default constants.
type Config struct {
	URL string
	// KeepaliveTimeout is requested from the server (10s to 600s). Zero
	// keeps the server default.
	KeepaliveTimeout     time.Duration
	KeepaliveGrace       time.Duration
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts uint
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	Dialer               Dialer
	UserAgent            string
	Clock                clockwork.Clock
	Logger               *slog.Logger
	Metrics              *metrics.SessionMetrics
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.KeepaliveGrace <= 0 {
		c.KeepaliveGrace = DefaultKeepaliveGrace
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: c.HandshakeTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) dialURL() string {
	if c.KeepaliveTimeout <= 0 {
		return c.URL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}
	q := u.Query()
	q.Set("keepalive_timeout_seconds", strconv.Itoa(int(c.KeepaliveTimeout/time.Second)))
	u.RawQuery = q.Encode()
	return u.String()
}

type connection struct {
	conn      *websocket.Conn
	gen       uint64
	sessionID string
	keepalive time.Duration
	logCtx    context.Context
}

type inbound struct {
	gen  uint64
	data []byte
	err  error
}

// reconnectDirective is returned by serve when the server asks the client to
// move to a new URL.
type reconnectDirective struct {
	url string
}

func (r *reconnectDirective) Error() string { return "server requested reconnect to " + r.url }

// Session is one logical EventSub WebSocket session. It survives connection
// loss by reconnecting and resubscribing, and follows server reconnect
// directives without resubscribing.
type Session struct {
	cfg        Config
	dispatcher *Dispatcher
	subscriber Subscriber

	ctx       context.Context
	cancel    context.CancelFunc
	readCtx   context.Context
	stopReads context.CancelFunc
	inbound   chan inbound
	nextGen   atomic.Uint64
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	state   State
	current *connection
	subs    []domain.Subscription
	fatal   error
	closed  bool
}

// NewSession creates a session that queues what it receives on dispatcher.
// subscriber recreates subscriptions after a fallback reconnect and may be
// nil. Nothing is dialed until Start.
func NewSession(cfg Config, dispatcher *Dispatcher, subscriber Subscriber) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	readCtx, stopReads := context.WithCancel(ctx)
	return &Session{
		cfg:        cfg.withDefaults(),
		dispatcher: dispatcher,
		subscriber: subscriber,
		ctx:        ctx,
		cancel:     cancel,
		readCtx:    readCtx,
		stopReads:  stopReads,
		inbound:    make(chan inbound),
		done:       make(chan struct{}),
		state:      StateConnecting,
	}
}

// Start connects and waits for the welcome frame, retrying with backoff,
// then hands the connection to the supervisor goroutine.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	c, err := s.connectWithBackoff(ctx, true)
	if err != nil {
		s.cancel()
		s.setState(StateClosed)
		close(s.done)
		return fmt.Errorf("failed to establish session: %w", err)
	}

	s.swap(c, StateActive)
	s.cfg.Logger.InfoContext(c.logCtx, "EventSub session established", "keepalive", c.keepalive)

	go s.run()
	return nil
}

func (s *Session) run() {
	defer close(s.done)

	for {
		err := s.serve()
		if s.ctx.Err() != nil {
			return
		}

		if directive, ok := errors.AsType[*reconnectDirective](err); ok {
			if s.migrate(directive.url) == nil {
				continue
			}
		}

		if err := s.reconnect(err); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
	}
}

// serve processes frames of the current connection until it fails.
func (s *Session) serve() error {
	c := s.connection()
	window := c.keepalive + s.cfg.KeepaliveGrace
	timer := s.cfg.Clock.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case <-timer.Chan():
			s.cfg.Logger.WarnContext(c.logCtx, "No frame within keepalive window", "window", window)
			return domain.ErrKeepaliveTimeout

		case in := <-s.inbound:
			if in.gen != c.gen {
				s.cfg.Logger.DebugContext(c.logCtx, "Discarding frame from stale connection", "generation", in.gen)
				continue
			}
			if in.err != nil {
				return s.readFailure(c, in.err)
			}
			timer.Reset(window)

			f, err := parseFrame(in.data)
			if err != nil {
				s.cfg.Logger.WarnContext(c.logCtx, "Malformed frame", "error", err)
				return err
			}
			reconnectURL, err := s.handleFrame(c.logCtx, f)
			if err != nil {
				s.cfg.Logger.WarnContext(c.logCtx, "Malformed frame", "type", f.Metadata.MessageType, "error", err)
				return err
			}
			if reconnectURL != "" {
				return &reconnectDirective{url: reconnectURL}
			}
		}
	}
}

// handleFrame applies one frame. It returns the target URL of a reconnect
// directive, if the frame is one.
func (s *Session) handleFrame(ctx context.Context, f frame) (string, error) {
	messageType := f.Metadata.MessageType
	s.cfg.Metrics.Frame(messageType)

	switch messageType {
	case messageKeepalive:
		return "", nil

	case messageNotification:
		resp, err := decodeNotification(f)
		if resp == nil {
			return "", err
		}
		if err != nil {
			s.cfg.Logger.WarnContext(ctx, "Undecodable event payload", "error", err)
		}
		s.dispatcher.Push(resp)
		return "", nil

	case messageReconnect:
		ws, err := parseSession(f)
		if err != nil {
			return "", err
		}
		if ws.ReconnectURL == "" {
			return "", fmt.Errorf("%w: %s without reconnect_url", domain.ErrMalformedFrame, messageReconnect)
		}
		return ws.ReconnectURL, nil

	case messageRevocation:
		var p notificationPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: revocation payload: %w", domain.ErrMalformedFrame, err)
		}
		sub := s.revoke(p.Subscription)
		s.cfg.Logger.WarnContext(ctx, "Subscription revoked", "topic", sub.Topic, "subscription_id", sub.ID, "reason", p.Subscription.Status)
		s.dispatcher.Push(domain.RevocationResponse{Subscription: sub, Reason: p.Subscription.Status})
		return "", nil

	case messageWelcome:
		s.cfg.Logger.DebugContext(ctx, "Ignoring unexpected welcome on active connection")
		return "", nil

	default:
		s.dispatcher.Push(domain.UnknownResponse{MessageType: messageType, Payload: []byte(f.Payload)})
		return "", nil
	}
}

func (s *Session) readFailure(c *connection, err error) error {
	if closeErr, ok := errors.AsType[*websocket.CloseError](err); ok {
		reason := closeReason(closeErr.Code, closeErr.Text)
		s.cfg.Logger.WarnContext(c.logCtx, "Server closed connection", "code", closeErr.Code, "reason", reason)
		s.dispatcher.Push(domain.CloseResponse{Code: closeErr.Code, Reason: reason})
	}
	return &domain.TransportError{Op: "read", Err: fmt.Errorf("%w: %w", domain.ErrConnectionReset, err)}
}

// migrate follows a reconnect directive. Subscriptions move with the session
// on the server side, so nothing is resubscribed.
func (s *Session) migrate(rawURL string) error {
	old := s.connection()
	s.setState(StateClosing)
	s.cfg.Logger.InfoContext(old.logCtx, "Server requested reconnect", "url", rawURL)

	c, err := s.connect(s.ctx, rawURL, true)
	if err != nil {
		s.cfg.Logger.WarnContext(old.logCtx, "Reconnect directive failed", "error", err)
		return err
	}

	s.swap(c, StateActive)
	s.closeConn(old.conn)
	s.cfg.Metrics.Reconnect("directive")
	s.cfg.Logger.InfoContext(c.logCtx, "Migrated to new connection", "previous_generation", old.gen)

	s.dispatcher.Push(domain.ReadyResponse{SessionID: c.sessionID, Subscriptions: s.Subscriptions()})
	return nil
}

// reconnect dials the default URL again and recreates every subscription
// that was active before the failure.
func (s *Session) reconnect(cause error) error {
	old := s.connection()
	s.setState(StateReconnecting)
	s.cfg.Metrics.Reconnect(reconnectReason(cause))
	s.cfg.Logger.WarnContext(old.logCtx, "Connection lost, reconnecting", "error", cause)
	s.closeConn(old.conn)

	c, err := s.connectWithBackoff(s.ctx, false)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		return fmt.Errorf("%w: %w", domain.ErrReconnectExhausted, err)
	}

	previous := s.Subscriptions()
	s.swap(c, StateReconnecting)

	subs := s.resubscribe(c, previous)
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
	s.setState(StateActive)

	s.cfg.Logger.InfoContext(c.logCtx, "Reconnected", "subscriptions", len(subs))
	s.dispatcher.Push(domain.ReadyResponse{SessionID: c.sessionID, Subscriptions: slices.Clone(subs), Resubscribed: true})
	return nil
}

func (s *Session) resubscribe(c *connection, previous []domain.Subscription) []domain.Subscription {
	if len(previous) == 0 || s.subscriber == nil {
		return nil
	}
	res, err := s.subscriber.Subscribe(s.ctx, c.sessionID, topicsOf(previous))
	if err != nil {
		s.cfg.Logger.WarnContext(c.logCtx, "Resubscribe incomplete", "failed", len(res.Failed), "error", err)
		s.dispatcher.Push(domain.ErrorResponse{Err: err})
	}
	return res.Subscribed
}

func (s *Session) connectWithBackoff(ctx context.Context, initial bool) (*connection, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         s.cfg.MaxBackoff,
	}

	return backoff.Retry(ctx, func() (*connection, error) {
		if initial {
			s.setState(StateConnecting)
		}
		return s.connect(ctx, s.cfg.dialURL(), false)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxReconnectAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.cfg.Logger.WarnContext(ctx, "Connection attempt failed", "error", err, "backoff", wait)
		}),
	)
}

// connect dials rawURL and waits for the welcome frame. While migrating,
// frames still arriving on the current connection are processed.
func (s *Session) connect(ctx context.Context, rawURL string, migrating bool) (*connection, error) {
	header := http.Header{}
	if s.cfg.UserAgent != "" {
		header.Set("User-Agent", s.cfg.UserAgent)
	}

	conn, _, err := s.cfg.Dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, &domain.TransportError{Op: "dial", Err: err}
	}

	gen := s.nextGen.Add(1)
	go s.read(conn, gen)

	if s.State() == StateConnecting {
		s.setState(StateHandshaking)
	}

	ws, err := s.awaitWelcome(ctx, gen, migrating)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	keepalive := time.Duration(ws.KeepaliveTimeoutSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = s.cfg.KeepaliveTimeout
	}
	if keepalive <= 0 {
		keepalive = serverDefaultKeepalive
	}

	logCtx := correlation.WithSessionID(correlation.WithID(s.ctx, correlation.NewID()), ws.ID)
	return &connection{conn: conn, gen: gen, sessionID: ws.ID, keepalive: keepalive, logCtx: logCtx}, nil
}

func (s *Session) awaitWelcome(ctx context.Context, gen uint64, migrating bool) (wireSession, error) {
	timer := s.cfg.Clock.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case in := <-s.inbound:
			if in.gen != gen {
				if migrating && in.err == nil && in.gen == s.connection().gen {
					s.handleLegacy(in.data)
				}
				continue
			}
			if in.err != nil {
				return wireSession{}, &domain.TransportError{Op: "handshake", Err: in.err}
			}

			f, err := parseFrame(in.data)
			if err != nil {
				return wireSession{}, err
			}
			s.cfg.Metrics.Frame(f.Metadata.MessageType)
			if f.Metadata.MessageType != messageWelcome {
				return wireSession{}, fmt.Errorf("%w: expected %s, got %s", domain.ErrMalformedFrame, messageWelcome, f.Metadata.MessageType)
			}
			return parseSession(f)

		case <-timer.Chan():
			return wireSession{}, domain.ErrHandshakeTimeout

		case <-ctx.Done():
			return wireSession{}, ctx.Err()
		}
	}
}

// handleLegacy delivers frames from the connection being replaced.
func (s *Session) handleLegacy(data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		return
	}
	if f.Metadata.MessageType == messageReconnect {
		return
	}
	_, _ = s.handleFrame(s.connection().logCtx, f)
}

func (s *Session) read(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		select {
		case s.inbound <- inbound{gen: gen, data: data, err: err}:
		case <-s.readCtx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) revoke(w wireSubscription) domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.ID == w.ID {
			s.subs = slices.Delete(s.subs, i, i+1)
			sub.Status = domain.SubscriptionRevoked
			return sub
		}
	}
	return w.toDomain()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.fatal = err
	s.subs = nil
	s.mu.Unlock()

	s.stopReads()

	s.cfg.Metrics.SetState(int(StateClosed))
	s.cfg.Logger.Error("EventSub session failed", "error", err)
	s.dispatcher.Fail(err)
}

// Close stops the session and cancels pending Drain calls and every context
// handed out by Bind. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		// Cancel first so work holding the state lock returns.
		s.cancel()

		s.mu.Lock()
		s.closed = true
		if s.state != StateClosed {
			s.state = StateClosing
		}
		s.mu.Unlock()

		if s.started.Load() {
			<-s.done
		}

		s.mu.Lock()
		c := s.current
		s.current = nil
		s.state = StateClosed
		s.mu.Unlock()
		s.cfg.Metrics.SetState(int(StateClosed))

		if c != nil {
			s.closeConn(c.conn)
			s.cfg.Logger.InfoContext(c.logCtx, "EventSub session closed")
		}
		s.dispatcher.Close()
	})
	return nil
}

func (s *Session) closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = conn.Close()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.cfg.Metrics.SetState(int(state))
}

func (s *Session) swap(c *connection, state State) {
	s.mu.Lock()
	s.current = c
	s.state = state
	s.mu.Unlock()
	s.cfg.Metrics.SetState(int(state))
}

func (s *Session) connection() *connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return &connection{logCtx: s.ctx}
	}
	return s.current
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionID is the id of the current connection's session, empty before the
// first welcome.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.sessionID
}

// Subscriptions returns a copy of the active subscription set.
func (s *Session) Subscriptions() []domain.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.subs)
}

// Track adds subscriptions created on this session to the active set.
func (s *Session) Track(subs []domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, subs...)
}

// Err returns the fatal error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

// Shared runs fn under the shared state lock while the session is active,
// so fn never observes a half-migrated session.
func (s *Session) Shared(fn func(sessionID string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.activeErr(); err != nil {
		return err
	}
	return fn(s.current.sessionID)
}

// Untrack drops every active subscription to topic for which remove
// succeeds. It holds the exclusive state lock and requires an active
// session, so a reconnect in progress cannot recreate what was removed.
func (s *Session) Untrack(topic domain.Topic, remove func(domain.Subscription) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.activeErr(); err != nil {
		return err
	}

	var errs []error
	s.subs = slices.DeleteFunc(s.subs, func(sub domain.Subscription) bool {
		if sub.Topic != topic {
			return false
		}
		if err := remove(sub); err != nil {
			errs = append(errs, err)
			return false
		}
		return true
	})
	return errors.Join(errs...)
}

// activeErr reports why commands cannot run now. The caller holds s.mu.
func (s *Session) activeErr() error {
	switch {
	case s.closed:
		return domain.ErrCancelled
	case s.fatal != nil:
		return s.fatal
	case s.ctx.Err() != nil:
		return domain.ErrCancelled
	case s.state != StateActive || s.current == nil:
		return domain.ErrNotAuthenticated
	}
	return nil
}

// Exclusive runs fn under the exclusive state lock unless the session is
// closed.
func (s *Session) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return domain.ErrCancelled
	}
	return fn()
}

// Bind returns a context that ends when ctx does or when the session is
// closed.
func (s *Session) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func reconnectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrKeepaliveTimeout):
		return "keepalive_timeout"
	case errors.Is(err, domain.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, domain.ErrConnectionReset):
		return "connection_reset"
	default:
		if _, ok := errors.AsType[*reconnectDirective](err); ok {
			return "migration_failed"
		}
		return "transport_error"
	}
}
