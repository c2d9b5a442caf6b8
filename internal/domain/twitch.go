package domain

import (
	"context"
	"time"
)

// SubscriptionStatus is the local view of a subscription's lifecycle.
type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionRevoked SubscriptionStatus = "revoked"
)

// Subscription is an EventSub subscription bound to a WebSocket session.
type Subscription struct {
	Topic     Topic
	ID        string
	Version   string
	Status    SubscriptionStatus
	Condition map[string]string
	Cost      int
	CreatedAt time.Time
}

// SubscriptionRequest asks the remote service to deliver a topic to a session.
type SubscriptionRequest struct {
	Topic     Topic
	Version   string
	Condition map[string]string
	SessionID string
}

// SubscriptionAPI registers and removes EventSub subscriptions.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, accessToken string, req SubscriptionRequest) (Subscription, error)
	DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error
}

// ChatMessageRequest is a chat message to post on behalf of SenderID.
type ChatMessageRequest struct {
	BroadcasterID        string
	SenderID             string
	Text                 string
	ReplyParentMessageID string
}

// Ack confirms that an action was accepted by the remote service.
type Ack struct {
	MessageID string
	SentAt    time.Time
}

// ChatAPI posts chat messages.
type ChatAPI interface {
	SendChatMessage(ctx context.Context, accessToken string, req ChatMessageRequest) (Ack, error)
}
