// Package chat sends outbound commands through an authenticated EventSub session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
	"github.com/pscheid92/twitchsub/internal/domain"
)

// Twitch lets a non-moderator sender post 20 messages per 30 seconds.
const (
	DefaultBurst  = 20
	DefaultWindow = 30 * time.Second
)

// Gate runs fn while the session is active and ties contexts to the
// session's lifetime. eventsub.Session implements it.
type Gate interface {
	Shared(fn func(sessionID string) error) error
	Bind(ctx context.Context) (context.Context, context.CancelFunc)
}

// CredentialsFunc reports the credentials currently in use.
type CredentialsFunc func() (domain.Credentials, bool)

// Config wires a Sender. API, Gate and Credentials are required.
type Config struct {
	API           domain.ChatAPI
	Gate          Gate
	Credentials   CredentialsFunc
	BroadcasterID string // defaults to the authenticated user
	Limiter       *rate.Limiter
	Clock         clockwork.Clock
	Logger        *slog.Logger
	Metrics       *metrics.CommandMetrics
}

// Sender posts actions to chat. Sends are never retried.
type Sender struct {
	api           domain.ChatAPI
	gate          Gate
	credentials   CredentialsFunc
	broadcasterID string
	limiter       *rate.Limiter
	clock         clockwork.Clock
	logger        *slog.Logger
	metrics       *metrics.CommandMetrics
}

// NewSender creates a Sender. A nil Limiter paces at Twitch's chat limit for
// non-moderators.
func NewSender(cfg Config) *Sender {
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(DefaultWindow/DefaultBurst), DefaultBurst)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sender{
		api:           cfg.API,
		gate:          cfg.Gate,
		credentials:   cfg.Credentials,
		broadcasterID: cfg.BroadcasterID,
		limiter:       cfg.Limiter,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Send waits for a slot in the rate budget, then performs action on the
// active session. Closing the session cancels both steps with
// domain.ErrCancelled.
func (s *Sender) Send(ctx context.Context, action domain.Action) (domain.Ack, error) {
	msg, ok := action.(domain.SendChatMessage)
	if !ok {
		return domain.Ack{}, fmt.Errorf("unsupported action %T", action)
	}
	if msg.Text == "" {
		return domain.Ack{}, errors.New("chat message text is empty")
	}

	ctx, cancel := s.gate.Bind(ctx)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		s.metrics.Observe(metrics.OutcomeCancelled)
		return domain.Ack{}, fmt.Errorf("%w: waiting for send budget: %w", domain.ErrCancelled, err)
	}

	var ack domain.Ack
	err := s.gate.Shared(func(sessionID string) error {
		creds, ok := s.credentials()
		if !ok || creds.AccessToken == "" || creds.UserID == "" {
			return domain.ErrNotAuthenticated
		}

		broadcaster := s.broadcasterID
		if broadcaster == "" {
			broadcaster = creds.UserID
		}

		var err error
		ack, err = s.api.SendChatMessage(ctx, creds.AccessToken, domain.ChatMessageRequest{
			BroadcasterID:        broadcaster,
			SenderID:             creds.UserID,
			Text:                 msg.Text,
			ReplyParentMessageID: msg.ReplyParentMessageID,
		})
		if err != nil {
			return err
		}
		s.logger.DebugContext(ctx, "Chat message sent", "session_id", sessionID, "message_id", ack.MessageID)
		return nil
	})
	err = domain.CancelledBy(ctx, err)

	s.metrics.Observe(outcomeOf(err))
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to send chat message", "error", err)
		return domain.Ack{}, err
	}

	if ack.SentAt.IsZero() {
		ack.SentAt = s.clock.Now()
	}
	return ack, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSent
	case errors.Is(err, domain.ErrRemoteRejected):
		return metrics.OutcomeRejected
	case errors.Is(err, domain.ErrNotAuthenticated):
		return metrics.OutcomeUnauthenticated
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeError
	}
}
