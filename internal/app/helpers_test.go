package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pscheid92/twitchsub/internal/domain"
)

const welcome = `{
	"metadata": {"message_id": "96a3f3b5-5dec-4eed-908e-e11ee657416c", "message_type": "session_welcome", "message_timestamp": "2024-01-02T03:04:05Z"},
	"payload": {"session": {"id": "AQoQILE98gtqShGmLD7AM6yJThAB", "status": "connected", "keepalive_timeout_seconds": 10, "reconnect_url": null}}
}`

const testSessionID = "AQoQILE98gtqShGmLD7AM6yJThAB"

// eventSubServer welcomes every connection and reports the close code the
// client sends. A value on drop closes the current connection abruptly.
type eventSubServer struct {
	*httptest.Server
	dials  atomic.Int32
	closes chan int
	drop   chan struct{}
}

func newEventSubServer(t *testing.T) *eventSubServer {
	t.Helper()
	srv := &eventSubServer{closes: make(chan int, 4), drop: make(chan struct{})}
	var upgrader websocket.Upgrader
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(welcome)); err != nil {
			return
		}

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-srv.drop:
				_ = conn.NetConn().Close()
			case <-done:
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				code := 0
				if ce, ok := errors.AsType[*websocket.CloseError](err); ok {
					code = ce.Code
				}
				select {
				case srv.closes <- code:
				default:
				}
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *eventSubServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// newStalledTokenServer accepts token requests and never answers them. It
// signals each request on the returned channel.
func newStalledTokenServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	requested := make(chan struct{}, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case requested <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv, requested
}

type memoryStore struct {
	mu    sync.Mutex
	creds domain.Credentials
	ok    bool
	loads int
	saves int
}

func (m *memoryStore) Load(context.Context) (domain.Credentials, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return m.creds, m.ok, nil
}

func (m *memoryStore) Save(_ context.Context, c domain.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds, m.ok = c, true
	m.saves++
	return nil
}

// fakeTwitch validates known tokens, creates subscriptions unless a topic
// is scripted to fail, and records chat messages.
type fakeTwitch struct {
	mu       sync.Mutex
	tokens   map[string][]domain.Scope
	reject   map[domain.Topic]int
	created  []domain.SubscriptionRequest
	deleted  []string
	messages []domain.ChatMessageRequest
}

func newFakeTwitch() *fakeTwitch {
	return &fakeTwitch{tokens: map[string][]domain.Scope{}, reject: map[domain.Topic]int{}}
}

func (f *fakeTwitch) allow(token string, scopes ...domain.Scope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = scopes
}

func (f *fakeTwitch) ValidateToken(_ context.Context, token string) (domain.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scopes, ok := f.tokens[token]
	if !ok {
		return domain.TokenInfo{}, domain.ErrTokenInvalid
	}
	return domain.TokenInfo{ClientID: "client-id", UserID: "141981764", Login: "twitchdev", Scopes: scopes, ExpiresIn: 4 * time.Hour}, nil
}

func (f *fakeTwitch) CreateSubscription(_ context.Context, _ string, req domain.SubscriptionRequest) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if status, ok := f.reject[req.Topic]; ok {
		return domain.Subscription{}, &domain.APIError{StatusCode: status, Message: "subscription missing proper authorization"}
	}
	return domain.Subscription{
		Topic:     req.Topic,
		ID:        "sub-" + string(req.Topic),
		Version:   req.Version,
		Status:    domain.SubscriptionActive,
		Condition: req.Condition,
	}, nil
}

func (f *fakeTwitch) DeleteSubscription(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTwitch) SendChatMessage(_ context.Context, _ string, req domain.ChatMessageRequest) (domain.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, req)
	return domain.Ack{MessageID: "msg-1"}, nil
}

type countingFlow struct {
	calls atomic.Int32
	creds domain.Credentials
}

func (f *countingFlow) Grant(context.Context, []domain.Scope) (domain.Credentials, error) {
	f.calls.Add(1)
	return f.creds, nil
}

var chatScopes = []domain.Scope{domain.ScopeUserReadChat, domain.ScopeUserWriteChat}

func storedCreds(token string) *memoryStore {
	return &memoryStore{ok: true, creds: domain.Credentials{AccessToken: token, RefreshToken: "refresh-" + token}}
}

func testBuilder(srv *eventSubServer, api *fakeTwitch, store domain.CredentialStore) *Builder {
	return NewBuilder("client-id", "client-secret").
		EventSubURL(srv.wsURL()).
		TwitchAPI(api).
		CredentialStore(store).
		AddScopes(domain.ScopeUserWriteChat).
		AddSubscription(domain.TopicChatMessage)
}
