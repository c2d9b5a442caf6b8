package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/twitchsub/internal/domain"
)

// wsServer is a scripted EventSub endpoint. Every upgraded connection is
// handed to the test through accept.
type wsServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	queries chan string
	refuse  atomic.Bool
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	srv := &wsServer{
		conns:   make(chan *websocket.Conn, 8),
		queries: make(chan string, 8),
	}
	var upgrader websocket.Upgrader
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.queries <- r.URL.RawQuery
		srv.conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

var messageSeq atomic.Int64

func frameBytes(t *testing.T, messageType, subscriptionType string, payload any) []byte {
	t.Helper()
	meta := map[string]any{
		"message_id":        "msg-" + strconv.FormatInt(messageSeq.Add(1), 10),
		"message_type":      messageType,
		"message_timestamp": "2024-01-02T03:04:05.123456789Z",
	}
	if subscriptionType != "" {
		meta["subscription_type"] = subscriptionType
		meta["subscription_version"] = "1"
	}
	data, err := json.Marshal(map[string]any{"metadata": meta, "payload": payload})
	require.NoError(t, err)
	return data
}

func welcomeFrame(t *testing.T, sessionID string, keepalive int) []byte {
	return frameBytes(t, messageWelcome, "", map[string]any{
		"session": map[string]any{
			"id":                        sessionID,
			"status":                    "connected",
			"connected_at":              "2024-01-02T03:04:05Z",
			"keepalive_timeout_seconds": keepalive,
			"reconnect_url":             nil,
		},
	})
}

func reconnectFrame(t *testing.T, sessionID, url string) []byte {
	return frameBytes(t, messageReconnect, "", map[string]any{
		"session": map[string]any{
			"id":                        sessionID,
			"status":                    "reconnecting",
			"keepalive_timeout_seconds": nil,
			"reconnect_url":             url,
		},
	})
}

func chatFrame(t *testing.T, text string) []byte {
	return frameBytes(t, messageNotification, string(domain.TopicChatMessage), map[string]any{
		"subscription": map[string]any{
			"id":      "sub-chat",
			"status":  "enabled",
			"type":    string(domain.TopicChatMessage),
			"version": "1",
		},
		"event": map[string]any{
			"broadcaster_user_id":    "1971641",
			"broadcaster_user_login": "streamer",
			"broadcaster_user_name":  "Streamer",
			"chatter_user_id":        "4145994",
			"chatter_user_login":     "viewer32",
			"chatter_user_name":      "viewer32",
			"message_id":             "cc106a89-1814-919d-454c-f4f2f970aae7",
			"message":                map[string]any{"text": text, "fragments": []any{map[string]any{"type": "text", "text": text}}},
			"message_type":           "text",
		},
	})
}

func revocationFrame(t *testing.T, subscriptionID string, topic domain.Topic, status string) []byte {
	return frameBytes(t, messageRevocation, string(topic), map[string]any{
		"subscription": map[string]any{
			"id":        subscriptionID,
			"status":    status,
			"type":      string(topic),
			"version":   "1",
			"cost":      0,
			"condition": map[string]string{"broadcaster_user_id": "1971641"},
		},
	})
}

type subscribeCall struct {
	sessionID string
	topics    []domain.Topic
}

// stubSubscriber accepts every topic.
type stubSubscriber struct {
	mu    sync.Mutex
	calls []subscribeCall
}

func (s *stubSubscriber) Subscribe(_ context.Context, sessionID string, topics []domain.Topic) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, subscribeCall{sessionID: sessionID, topics: topics})

	var res Result
	for i, topic := range topics {
		res.Subscribed = append(res.Subscribed, domain.Subscription{
			Topic:  topic,
			ID:     sessionID + "-" + string(rune('a'+i)),
			Status: domain.SubscriptionActive,
		})
	}
	return res, nil
}

func (s *stubSubscriber) Calls() []subscribeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subscribeCall(nil), s.calls...)
}

// rejectingSubscriber accepts every topic except reject.
type rejectingSubscriber struct {
	reject domain.Topic
}

func (s *rejectingSubscriber) Subscribe(_ context.Context, sessionID string, topics []domain.Topic) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, topic := range topics {
		if topic == s.reject {
			res.Failed = append(res.Failed, topic)
			errs = append(errs, &domain.SubscriptionRejectedError{Topic: topic, StatusCode: 403, Reason: "subscription missing proper authorization"})
			continue
		}
		res.Subscribed = append(res.Subscribed, domain.Subscription{Topic: topic, ID: sessionID + "-" + string(topic), Status: domain.SubscriptionActive})
	}
	return res, errors.Join(errs...)
}

func testSessionConfig(srv *wsServer) Config {
	return Config{
		URL:                  srv.wsURL(),
		HandshakeTimeout:     2 * time.Second,
		MaxReconnectAttempts: 3,
		InitialBackoff:       time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
	}
}

// startSession starts a session against srv and completes the handshake.
func startSession(t *testing.T, srv *wsServer, cfg Config, sub Subscriber) (*Session, *Dispatcher, *websocket.Conn) {
	t.Helper()
	d := NewDispatcher(64)
	s := NewSession(cfg, d, sub)
	t.Cleanup(func() { _ = s.Close() })

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()

	conn := srv.accept(t)
	send(t, conn, welcomeFrame(t, "session-1", 10))
	require.NoError(t, <-errc)
	return s, d, conn
}

// drainUntil collects responses until match reports true for one of them.
func drainUntil(t *testing.T, d *Dispatcher, match func(domain.Response) bool) []domain.Response {
	t.Helper()
	var got []domain.Response
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		out, err := d.Drain(20 * time.Millisecond)
		require.NoError(t, err)
		got = append(got, out...)
		for _, r := range out {
			if match(r) {
				return got
			}
		}
	}
	t.Fatalf("expected response not drained, got %#v", got)
	return nil
}

func isReady(r domain.Response) bool {
	_, ok := r.(domain.ReadyResponse)
	return ok
}

func isChat(text string) func(domain.Response) bool {
	return func(r domain.Response) bool {
		er, ok := r.(domain.EventResponse)
		if !ok {
			return false
		}
		msg, ok := er.Event.(domain.ChatMessage)
		return ok && msg.Message.Text == text
	}
}
