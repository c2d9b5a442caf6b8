package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pscheid92/twitchsub/internal/domain"
	"github.com/pscheid92/twitchsub/internal/platform/retry"
)

// TokenFunc returns a usable access token, refreshing it if needed.
type TokenFunc func(ctx context.Context) (string, error)

// Result is the outcome of a Subscribe call. Every requested topic appears
// either in Subscribed or in Failed.
type Result struct {
	Subscribed []domain.Subscription
	Failed     []domain.Topic
}

// DefaultSubscribePolicy retries transient Helix failures a few times.
var DefaultSubscribePolicy = retry.Policy{
	MaxAttempts:      3,
	InitialBackoff:   500 * time.Millisecond,
	MaxBackoff:       5 * time.Second,
	RateLimitBackoff: 5 * time.Second,
}

// NegotiatorConfig wires a Negotiator. Token is called once per Subscribe
// or Unsubscribe, so a refreshed token takes effect on the next call.
type NegotiatorConfig struct {
	API    domain.SubscriptionAPI
	Token  TokenFunc
	IDs    domain.ConditionIDs
	Policy retry.Policy
	Logger *slog.Logger
}

// Negotiator registers EventSub subscriptions for a WebSocket session.
type Negotiator struct {
	api    domain.SubscriptionAPI
	token  TokenFunc
	ids    domain.ConditionIDs
	policy retry.Policy
	logger *slog.Logger
}

// NewNegotiator creates a Negotiator. A zero Policy retries with
// DefaultSubscribePolicy.
func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultSubscribePolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Negotiator{
		api:    cfg.API,
		token:  cfg.Token,
		ids:    cfg.IDs,
		policy: cfg.Policy,
		logger: cfg.Logger,
	}
}

// Subscribe creates one subscription per topic on sessionID. Topics are
// attempted independently: the error joins every rejection and is nil only
// when all topics succeeded.
func (n *Negotiator) Subscribe(ctx context.Context, sessionID string, topics []domain.Topic) (Result, error) {
	if len(topics) == 0 {
		return Result{}, domain.ErrNoSubscriptionsRequested
	}
	topics = uniqueTopics(topics)

	token, err := n.token(ctx)
	if err != nil {
		return Result{Failed: topics}, fmt.Errorf("failed to obtain access token: %w", err)
	}

	var (
		result Result
		errs   []error
	)
	for _, topic := range topics {
		sub, err := n.subscribe(ctx, token, sessionID, topic)
		if err != nil {
			rejection := rejectionFor(topic, err)
			n.logger.WarnContext(ctx, "Subscription rejected", "topic", topic, "status", rejection.StatusCode, "error", err)
			result.Failed = append(result.Failed, topic)
			errs = append(errs, rejection)
			continue
		}
		n.logger.InfoContext(ctx, "Subscribed", "topic", topic, "subscription_id", sub.ID, "cost", sub.Cost)
		result.Subscribed = append(result.Subscribed, sub)
	}

	return result, errors.Join(errs...)
}

func (n *Negotiator) subscribe(ctx context.Context, token, sessionID string, topic domain.Topic) (domain.Subscription, error) {
	desc, ok := topic.Descriptor()
	if !ok {
		return domain.Subscription{}, &retry.PermanentError{Err: fmt.Errorf("unknown topic %q", topic)}
	}

	req := domain.SubscriptionRequest{
		Topic:     topic,
		Version:   desc.Version,
		Condition: desc.Condition(n.ids),
		SessionID: sessionID,
	}

	policy := n.policy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		n.logger.DebugContext(ctx, "Retrying subscription", "topic", topic, "attempt", attempt, "backoff", backoff, "error", err)
	}

	return retry.Do(ctx, policy, classifySubscribeError, func(ctx context.Context) (domain.Subscription, error) {
		return n.api.CreateSubscription(ctx, token, req)
	})
}

// Unsubscribe removes sub remotely. Failures are logged and returned.
func (n *Negotiator) Unsubscribe(ctx context.Context, sub domain.Subscription) error {
	token, err := n.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}
	if err := n.api.DeleteSubscription(ctx, token, sub.ID); err != nil {
		n.logger.WarnContext(ctx, "Failed to delete subscription", "topic", sub.Topic, "subscription_id", sub.ID, "error", err)
		return fmt.Errorf("failed to delete subscription %s: %w", sub.ID, err)
	}
	n.logger.InfoContext(ctx, "Unsubscribed", "topic", sub.Topic, "subscription_id", sub.ID)
	return nil
}

func classifySubscribeError(err error) retry.Action {
	apiErr, ok := errors.AsType[*domain.APIError](err)
	if !ok {
		return retry.Retry
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode >= http.StatusInternalServerError:
		return retry.Retry
	default:
		return retry.Stop
	}
}

func rejectionFor(topic domain.Topic, err error) *domain.SubscriptionRejectedError {
	rejection := &domain.SubscriptionRejectedError{Topic: topic, Reason: err.Error(), Err: err}
	if apiErr, ok := errors.AsType[*domain.APIError](err); ok {
		rejection.StatusCode = apiErr.StatusCode
		rejection.Reason = apiErr.Message
	}
	return rejection
}

func uniqueTopics(topics []domain.Topic) []domain.Topic {
	seen := make(map[domain.Topic]bool, len(topics))
	out := make([]domain.Topic, 0, len(topics))
	for _, t := range topics {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func topicsOf(subs []domain.Subscription) []domain.Topic {
	topics := make([]domain.Topic, 0, len(subs))
	for _, s := range subs {
		topics = append(topics, s.Topic)
	}
	return uniqueTopics(topics)
}
