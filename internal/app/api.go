package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/twitchsub/internal/auth"
	"github.com/pscheid92/twitchsub/internal/chat"
	"github.com/pscheid92/twitchsub/internal/domain"
	"github.com/pscheid92/twitchsub/internal/eventsub"
)

const abortTimeout = 5 * time.Second

// API is an authenticated EventSub session with its subscriptions in place.
type API struct {
	auth       *auth.Authenticator
	negotiator *eventsub.Negotiator
	dispatcher *eventsub.Dispatcher
	session    *eventsub.Session
	sender     *chat.Sender
	refresh    bool
	clock      clockwork.Clock
	logger     *slog.Logger

	mu    sync.Mutex
	creds domain.Credentials
}

// Drain returns every queued response, waiting up to timeout for the first
// one. It returns domain.ErrCancelled once the API is closed.
func (a *API) Drain(timeout time.Duration) ([]domain.Response, error) {
	return a.dispatcher.Drain(timeout)
}

// Send performs action on the active session. An expiring token is
// refreshed first when GenerateTokenOnExpire is set. Closing the API while
// Send is refreshing or waiting returns domain.ErrCancelled.
func (a *API) Send(ctx context.Context, action domain.Action) (domain.Ack, error) {
	ctx, cancel := a.session.Bind(ctx)
	defer cancel()

	if a.refresh {
		err := a.session.Exclusive(func() error {
			_, err := a.freshCredentials(ctx)
			return err
		})
		if err != nil {
			return domain.Ack{}, domain.CancelledBy(ctx, err)
		}
	}
	return a.sender.Send(ctx, action)
}

// Unsubscribe deletes the subscription to topic and stops tracking it, so
// later reconnects do not recreate it. A topic without a subscription is a
// no-op.
func (a *API) Unsubscribe(ctx context.Context, topic domain.Topic) error {
	ctx, cancel := a.session.Bind(ctx)
	defer cancel()

	err := a.session.Untrack(topic, func(sub domain.Subscription) error {
		return a.negotiator.Unsubscribe(ctx, sub)
	})
	if err != nil {
		return domain.CancelledBy(ctx, fmt.Errorf("failed to unsubscribe from %s: %w", topic, err))
	}
	return nil
}

// Close ends the session. In-flight and later Drain and Send calls return
// domain.ErrCancelled.
func (a *API) Close() error {
	return a.session.Close()
}

// State is the session lifecycle state.
func (a *API) State() eventsub.State {
	return a.session.State()
}

// SessionID is the EventSub session id of the current connection.
func (a *API) SessionID() string {
	return a.session.SessionID()
}

// Subscriptions returns the subscriptions a reconnect would recreate.
func (a *API) Subscriptions() []domain.Subscription {
	return a.session.Subscriptions()
}

// Credentials reports the credentials in use. ok is false once the access
// token has expired.
func (a *API) Credentials() (domain.Credentials, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds, a.creds.AccessToken != "" && !a.creds.Expired(a.clock.Now())
}

// freshCredentials refreshes an expired token, or fails with
// domain.ErrTokenExpired when refreshing is not allowed.
func (a *API) freshCredentials(ctx context.Context) (domain.Credentials, error) {
	a.mu.Lock()
	creds := a.creds
	a.mu.Unlock()

	if !a.refresh {
		if creds.Expired(a.clock.Now()) {
			return domain.Credentials{}, domain.ErrTokenExpired
		}
		return creds, nil
	}

	refreshed, err := a.auth.Refresh(ctx, creds)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to refresh credentials: %w", err)
	}

	a.mu.Lock()
	a.creds = refreshed
	a.mu.Unlock()
	return refreshed, nil
}

func (a *API) accessToken(ctx context.Context) (string, error) {
	creds, err := a.freshCredentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// abort removes the subscriptions created during a failed build and closes
// the session.
func (a *API) abort(created []domain.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	for _, sub := range created {
		if err := a.negotiator.Unsubscribe(ctx, sub); err != nil {
			a.logger.WarnContext(ctx, "Failed to remove subscription after aborted build", "topic", sub.Topic, "error", err)
		}
	}
	_ = a.session.Close()
}
