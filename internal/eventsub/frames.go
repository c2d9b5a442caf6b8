package eventsub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pscheid92/twitchsub/internal/domain"
)

// Message types of the EventSub WebSocket protocol.
const (
	messageWelcome      = "session_welcome"
	messageKeepalive    = "session_keepalive"
	messageNotification = "notification"
	messageReconnect    = "session_reconnect"
	messageRevocation   = "revocation"
)

type frame struct {
	Metadata frameMetadata   `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type frameMetadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

type sessionPayload struct {
	Session wireSession `json:"session"`
}

type wireSession struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	ConnectedAt             time.Time `json:"connected_at"`
	KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url"`
}

type notificationPayload struct {
	Subscription wireSubscription `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

type wireSubscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Cost      int               `json:"cost"`
	Condition map[string]string `json:"condition"`
	CreatedAt time.Time         `json:"created_at"`
}

func (w wireSubscription) toDomain() domain.Subscription {
	return domain.Subscription{
		Topic:     domain.Topic(w.Type),
		ID:        w.ID,
		Version:   w.Version,
		Status:    domain.SubscriptionRevoked,
		Condition: w.Condition,
		Cost:      w.Cost,
		CreatedAt: w.CreatedAt,
	}
}

func parseFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %w", domain.ErrMalformedFrame, err)
	}
	if f.Metadata.MessageType == "" {
		return frame{}, fmt.Errorf("%w: missing message_type", domain.ErrMalformedFrame)
	}
	return f, nil
}

func parseSession(f frame) (wireSession, error) {
	var p sessionPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return wireSession{}, fmt.Errorf("%w: %s payload: %w", domain.ErrMalformedFrame, f.Metadata.MessageType, err)
	}
	if p.Session.ID == "" {
		return wireSession{}, fmt.Errorf("%w: %s without session id", domain.ErrMalformedFrame, f.Metadata.MessageType)
	}
	return p.Session, nil
}

func metadataOf(f frame) domain.Metadata {
	return domain.Metadata{
		MessageID:           f.Metadata.MessageID,
		Timestamp:           f.Metadata.MessageTimestamp,
		SubscriptionType:    f.Metadata.SubscriptionType,
		SubscriptionVersion: f.Metadata.SubscriptionVersion,
	}
}

// closeReasons maps EventSub close codes to their documented meaning.
var closeReasons = map[int]string{
	4000: "internal server error",
	4001: "client sent inbound traffic",
	4002: "client failed ping-pong",
	4003: "connection unused",
	4004: "reconnect grace time expired",
	4005: "network timeout",
	4006: "network error",
	4007: "invalid reconnect",
}

func closeReason(code int, text string) string {
	if text != "" {
		return text
	}
	if reason, ok := closeReasons[code]; ok {
		return reason
	}
	return "close code " + strconv.Itoa(code)
}
