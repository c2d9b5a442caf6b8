package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"

	"github.com/pscheid92/twitchsub/internal/domain"
)

const httpCallTimeout = 10 * time.Second

// Options configures the Helix client. Only ClientID is required. A nil
// HTTPClient becomes an *http.Client with a 10 second timeout.
type Options struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	UserAgent    string
	HTTPClient   helix.HTTPClient
}

// HelixClient implements the Twitch REST contracts over github.com/nicklaw5/helix/v2.
// The underlying client carries one user token at a time, so calls are serialised.
type HelixClient struct {
	mu     sync.Mutex
	client *helix.Client
	doer   *contextDoer
}

// NewHelixClient creates a client for the Helix API. User tokens are passed
// per call.
func NewHelixClient(ctx context.Context, opts Options) (*HelixClient, error) {
	if opts.ClientID == "" {
		return nil, domain.ErrMissingClientID
	}

	inner := opts.HTTPClient
	if inner == nil {
		inner = &http.Client{Timeout: httpCallTimeout}
	}
	doer := &contextDoer{inner: inner}

	client, err := helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		APIBaseURL:   opts.APIBaseURL,
		UserAgent:    opts.UserAgent,
		HTTPClient:   doer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	return &HelixClient{client: client, doer: doer}, nil
}

// withToken runs fn with the user token installed and ctx bound to the
// outgoing request. It returns the raw body of the last response.
func (hc *HelixClient) withToken(ctx context.Context, accessToken string, fn func(*helix.Client)) []byte {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.doer.bind(ctx)
	defer hc.doer.reset()

	hc.client.SetUserAccessToken(accessToken)
	fn(hc.client)
	return hc.doer.body
}

func (hc *HelixClient) CreateSubscription(ctx context.Context, accessToken string, req domain.SubscriptionRequest) (domain.Subscription, error) {
	var (
		resp *helix.EventSubSubscriptionsResponse
		err  error
	)
	hc.withToken(ctx, accessToken, func(c *helix.Client) {
		resp, err = c.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:      string(req.Topic),
			Version:   req.Version,
			Condition: conditionFromMap(req.Condition),
			Transport: helix.EventSubTransport{
				Method:    "websocket",
				SessionID: req.SessionID,
			},
		})
	})
	if err != nil {
		return domain.Subscription{}, &domain.TransportError{Op: "create subscription", Err: err}
	}

	if resp.StatusCode != http.StatusAccepted {
		return domain.Subscription{}, apiError(resp.ResponseCommon)
	}

	if len(resp.Data.EventSubSubscriptions) == 0 {
		return domain.Subscription{}, errors.New("no subscription returned")
	}

	sub := resp.Data.EventSubSubscriptions[0]
	return domain.Subscription{
		Topic:     domain.Topic(sub.Type),
		ID:        sub.ID,
		Version:   sub.Version,
		Status:    subscriptionStatus(sub.Status),
		Condition: conditionToMap(sub.Condition),
		Cost:      sub.Cost,
		CreatedAt: sub.CreatedAt.Time,
	}, nil
}

func (hc *HelixClient) DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	var (
		resp *helix.RemoveEventSubSubscriptionParamsResponse
		err  error
	)
	hc.withToken(ctx, accessToken, func(c *helix.Client) {
		resp, err = c.RemoveEventSubSubscription(subscriptionID)
	})
	if err != nil {
		return &domain.TransportError{Op: "delete subscription", Err: err}
	}

	// 404 means it is already gone, which is what the caller wants.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return apiError(resp.ResponseCommon)
	}

	return nil
}

func (hc *HelixClient) SendChatMessage(ctx context.Context, accessToken string, req domain.ChatMessageRequest) (domain.Ack, error) {
	var (
		resp *helix.ChatMessageResponse
		err  error
	)
	raw := hc.withToken(ctx, accessToken, func(c *helix.Client) {
		resp, err = c.SendChatMessage(&helix.SendChatMessageParams{
			BroadcasterID:        req.BroadcasterID,
			SenderID:             req.SenderID,
			Message:              req.Text,
			ReplyParentMessageID: req.ReplyParentMessageID,
		})
	})
	if err != nil {
		return domain.Ack{}, &domain.TransportError{Op: "send chat message", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return domain.Ack{}, &domain.RemoteRejectedError{StatusCode: resp.StatusCode, Code: resp.Error, Message: resp.ErrorMessage}
	}

	if len(resp.Data.Messages) == 0 {
		return domain.Ack{}, &domain.RemoteRejectedError{StatusCode: resp.StatusCode, Message: "no message returned"}
	}

	msg := resp.Data.Messages[0]
	if !msg.IsSent {
		reason := dropReason(raw)
		return domain.Ack{}, &domain.RemoteRejectedError{
			StatusCode: resp.StatusCode,
			Code:       reason.Code,
			Message:    reason.Message,
		}
	}

	return domain.Ack{MessageID: msg.MessageID}, nil
}

func (hc *HelixClient) ValidateToken(ctx context.Context, accessToken string) (domain.TokenInfo, error) {
	var (
		valid bool
		resp  *helix.ValidateTokenResponse
		err   error
	)
	hc.withToken(ctx, accessToken, func(c *helix.Client) {
		valid, resp, err = c.ValidateToken(accessToken)
	})
	if err != nil {
		return domain.TokenInfo{}, &domain.TransportError{Op: "validate token", Err: err}
	}

	if !valid {
		if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
			return domain.TokenInfo{}, apiError(resp.ResponseCommon)
		}
		return domain.TokenInfo{}, domain.ErrTokenInvalid
	}

	scopes := make([]domain.Scope, len(resp.Data.Scopes))
	for i, s := range resp.Data.Scopes {
		scopes[i] = domain.Scope(s)
	}

	return domain.TokenInfo{
		ClientID:  resp.Data.ClientID,
		UserID:    resp.Data.UserID,
		Login:     resp.Data.Login,
		Scopes:    scopes,
		ExpiresIn: secondsToDuration(resp.Data.ExpiresIn),
	}, nil
}

// helix.ChatMessage cannot decode the drop_reason object, so it is read
// from the raw body.
type chatMessagesBody struct {
	Data []struct {
		DropReason *helix.DropReason `json:"drop_reason"`
	} `json:"data"`
}

func dropReason(raw []byte) helix.DropReason {
	var body chatMessagesBody
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Data) == 0 || body.Data[0].DropReason == nil {
		return helix.DropReason{Message: "message dropped"}
	}
	return *body.Data[0].DropReason
}

func apiError(rc helix.ResponseCommon) *domain.APIError {
	msg := rc.ErrorMessage
	if msg == "" {
		msg = rc.Error
	}
	return &domain.APIError{StatusCode: rc.StatusCode, Message: msg}
}

func subscriptionStatus(s string) domain.SubscriptionStatus {
	switch s {
	case "enabled":
		return domain.SubscriptionActive
	case "", "webhook_callback_verification_pending":
		return domain.SubscriptionPending
	default:
		return domain.SubscriptionRevoked
	}
}
