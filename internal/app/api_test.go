package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/twitchsub/internal/domain"
	"github.com/pscheid92/twitchsub/internal/eventsub"
)

func TestBuild_NoSubscriptions(t *testing.T) {
	store := &memoryStore{}
	flow := &countingFlow{}

	_, err := NewBuilder("client-id", "secret").
		CredentialStore(store).
		GrantFlow(flow).
		GenerateTokenIfNone(true).
		Build(context.Background())

	assert.ErrorIs(t, err, domain.ErrNoSubscriptionsRequested)
	assert.Zero(t, store.loads)
	assert.Zero(t, flow.calls.Load())
}

func TestBuild_MissingClientID(t *testing.T) {
	_, err := NewBuilder("", "").AddSubscription(domain.TopicChatMessage).Build(context.Background())
	assert.ErrorIs(t, err, domain.ErrMissingClientID)
}

func TestBuild_GeneratesTokenWhenNoneCached(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("granted", chatScopes...)
	store := &memoryStore{}
	flow := &countingFlow{creds: domain.Credentials{AccessToken: "granted", RefreshToken: "refresh"}}

	a, err := testBuilder(srv, api, store).
		GrantFlow(flow).
		GenerateTokenIfNone(true).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, int32(1), flow.calls.Load())
	assert.Equal(t, eventsub.StateActive, a.State())
	assert.Equal(t, testSessionID, a.SessionID())
	require.Len(t, a.Subscriptions(), 1)
	assert.Equal(t, domain.TopicChatMessage, a.Subscriptions()[0].Topic)

	assert.Equal(t, "granted", store.creds.AccessToken)
	assert.Equal(t, "141981764", store.creds.UserID)

	require.Len(t, api.created, 1)
	assert.Equal(t, testSessionID, api.created[0].SessionID)
	assert.Equal(t, map[string]string{"broadcaster_user_id": "141981764", "user_id": "141981764"}, api.created[0].Condition)

	got, err := a.Drain(time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	ready, ok := got[0].(domain.ReadyResponse)
	require.True(t, ok, "got %T", got[0])
	assert.Equal(t, testSessionID, ready.SessionID)
	assert.False(t, ready.Resubscribed)
}

func TestBuild_NoTokenFailsClosed(t *testing.T) {
	srv := newEventSubServer(t)
	flow := &countingFlow{}

	_, err := testBuilder(srv, newFakeTwitch(), &memoryStore{}).GrantFlow(flow).Build(context.Background())

	assert.ErrorIs(t, err, domain.ErrTokenMissing)
	assert.Zero(t, flow.calls.Load())
	assert.Zero(t, srv.dials.Load())
}

func TestBuild_InsufficientScope(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", domain.ScopeUserReadChat)

	_, err := testBuilder(srv, api, storedCreds("cached")).Build(context.Background())

	require.ErrorIs(t, err, domain.ErrInsufficientScope)
	missing, ok := errors.AsType[*domain.InsufficientScopeError](err)
	require.True(t, ok)
	assert.Equal(t, []domain.Scope{domain.ScopeUserWriteChat}, missing.Missing)
	assert.Zero(t, srv.dials.Load())
}

func TestBuild_ReauthorizesForMissingScope(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", domain.ScopeUserReadChat)
	api.allow("wider", chatScopes...)
	flow := &countingFlow{creds: domain.Credentials{AccessToken: "wider", RefreshToken: "refresh"}}

	a, err := testBuilder(srv, api, storedCreds("cached")).
		GrantFlow(flow).
		GenerateTokenIfInsufficientScope(true).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	creds, ok := a.Credentials()
	assert.True(t, ok)
	assert.Equal(t, "wider", creds.AccessToken)
	assert.Equal(t, int32(1), flow.calls.Load())
}

func TestBuild_SubscriptionFailureAborts(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", domain.ScopeUserReadChat, domain.ScopeUserWriteChat, domain.ScopeModeratorReadFollower)
	api.reject[domain.TopicFollow] = 403

	a, err := testBuilder(srv, api, storedCreds("cached")).
		AddSubscription(domain.TopicFollow).
		Build(context.Background())

	assert.Nil(t, a)
	require.ErrorIs(t, err, domain.ErrSubscriptionRejected)
	assert.Equal(t, []string{"sub-channel.chat.message"}, api.deleted)

	select {
	case code := <-srv.closes:
		assert.Equal(t, 1000, code)
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
	}
}

func TestBuild_HandshakeFailure(t *testing.T) {
	api := newFakeTwitch()
	api.allow("cached", chatScopes...)

	_, err := NewBuilder("client-id", "secret").
		EventSubURL("ws://127.0.0.1:1/ws").
		MaxReconnectAttempts(1).
		TwitchAPI(api).
		CredentialStore(storedCreds("cached")).
		AddScopes(domain.ScopeUserWriteChat).
		AddSubscription(domain.TopicChatMessage).
		Build(context.Background())

	require.Error(t, err)
	_, ok := errors.AsType[*domain.TransportError](err)
	assert.True(t, ok, "got %v", err)
	assert.Empty(t, api.created)
}

func TestBuild_LoadsTokensFromFiles(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("from-file", chatScopes...)

	dir := t.TempDir()
	accessPath := filepath.Join(dir, "user_token.txt")
	refreshPath := filepath.Join(dir, "refresh_token.txt")
	require.NoError(t, os.WriteFile(accessPath, []byte("from-file\n"), 0o600))
	require.NoError(t, os.WriteFile(refreshPath, []byte("refresh\n"), 0o600))

	a, err := NewBuilder("client-id", "secret").
		EventSubURL(srv.wsURL()).
		TwitchAPI(api).
		AutoSaveLoadTokens(accessPath, refreshPath).
		AddScopes(domain.ScopeUserWriteChat).
		AddSubscriptions(domain.TopicChatMessage).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	creds, _ := a.Credentials()
	assert.Equal(t, "from-file", creds.AccessToken)
}

func TestAPI_Send(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", chatScopes...)
	reg := prometheus.NewRegistry()

	a, err := testBuilder(srv, api, storedCreds("cached")).
		BroadcasterUserID("1971641").
		MetricsRegisterer(reg).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ack, err := a.Send(context.Background(), domain.SendChatMessage{Text: "Join the Discord server!", ReplyParentMessageID: "parent"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", ack.MessageID)
	assert.False(t, ack.SentAt.IsZero())

	require.Len(t, api.messages, 1)
	assert.Equal(t, domain.ChatMessageRequest{
		BroadcasterID:        "1971641",
		SenderID:             "141981764",
		Text:                 "Join the Discord server!",
		ReplyParentMessageID: "parent",
	}, api.messages[0])

	count, err := testutil.GatherAndCount(reg, "twitchsub_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAPI_CloseCancels(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", chatScopes...)

	a, err := testBuilder(srv, api, storedCreds("cached")).Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Drain(time.Second)
	assert.ErrorIs(t, err, domain.ErrCancelled)

	_, err = a.Send(context.Background(), domain.SendChatMessage{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Empty(t, api.messages)
	assert.Equal(t, eventsub.StateClosed, a.State())
}

func TestAPI_CloseCancelsSendDuringRefresh(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", chatScopes...)
	tokens, requested := newStalledTokenServer(t)

	a, err := testBuilder(srv, api, storedCreds("cached")).
		AuthBaseURL(tokens.URL).
		GenerateTokenOnExpire(true).
		Build(context.Background())
	require.NoError(t, err)

	a.mu.Lock()
	a.creds.Expiry = time.Now().Add(-time.Minute)
	a.mu.Unlock()

	sent := make(chan error, 1)
	go func() {
		_, err := a.Send(context.Background(), domain.SendChatMessage{Text: "hi"})
		sent <- err
	}()

	select {
	case <-requested:
	case <-time.After(3 * time.Second):
		t.Fatal("refresh was not attempted")
	}

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()

	select {
	case err := <-sent:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("Send still blocked after Close")
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind the refresh")
	}
	assert.Empty(t, api.messages)
	assert.Equal(t, eventsub.StateClosed, a.State())
}

func TestAPI_UnsubscribeSurvivesReconnect(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", domain.ScopeUserReadChat, domain.ScopeUserWriteChat, domain.ScopeModeratorReadFollower)

	a, err := testBuilder(srv, api, storedCreds("cached")).
		AddSubscription(domain.TopicFollow).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.Len(t, a.Subscriptions(), 2)

	require.NoError(t, a.Unsubscribe(context.Background(), domain.TopicFollow))
	require.NoError(t, a.Unsubscribe(context.Background(), domain.TopicRaid))

	api.mu.Lock()
	assert.Equal(t, []string{"sub-" + string(domain.TopicFollow)}, api.deleted)
	created := len(api.created)
	api.mu.Unlock()
	require.Len(t, a.Subscriptions(), 1)
	assert.Equal(t, domain.TopicChatMessage, a.Subscriptions()[0].Topic)

	srv.drop <- struct{}{}

	ready := awaitResubscribed(t, a)
	require.Len(t, ready.Subscriptions, 1)
	assert.Equal(t, domain.TopicChatMessage, ready.Subscriptions[0].Topic)
	assert.Equal(t, int32(2), srv.dials.Load())

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.created, created+1)
	assert.Equal(t, domain.TopicChatMessage, api.created[created].Topic)
}

func TestAPI_UnsubscribeAfterClose(t *testing.T) {
	srv := newEventSubServer(t)
	api := newFakeTwitch()
	api.allow("cached", chatScopes...)

	a, err := testBuilder(srv, api, storedCreds("cached")).Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	err = a.Unsubscribe(context.Background(), domain.TopicChatMessage)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Empty(t, api.deleted)
}

func awaitResubscribed(t *testing.T, a *API) domain.ReadyResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := a.Drain(100 * time.Millisecond)
		require.NoError(t, err)
		for _, r := range got {
			if ready, ok := r.(domain.ReadyResponse); ok && ready.Resubscribed {
				return ready
			}
		}
	}
	t.Fatal("session did not reconnect")
	return domain.ReadyResponse{}
}
