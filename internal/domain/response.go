package domain

import "time"

// Response is one item drained from a session: an event, a lifecycle notice, or an error.
type Response interface{ isResponse() }

// Metadata is the envelope information of a notification.
type Metadata struct {
	MessageID           string
	Timestamp           time.Time
	SubscriptionID      string
	SubscriptionType    string
	SubscriptionVersion string
}

// EventResponse carries a decoded notification. MessageID may repeat on redelivery.
type EventResponse struct {
	Metadata Metadata
	Event    Event
}

// ReadyResponse is queued whenever a session becomes active with its subscriptions in place.
type ReadyResponse struct {
	SessionID     string
	Subscriptions []Subscription
	Resubscribed  bool
}

// CloseResponse reports that the server closed the transport.
type CloseResponse struct {
	Code   int
	Reason string
}

// RevocationResponse reports that the server revoked a subscription.
type RevocationResponse struct {
	Subscription Subscription
	Reason       string
}

// ErrorResponse carries a runtime failure, e.g. ErrReconnectExhausted.
type ErrorResponse struct {
	Err error
}

// UnknownResponse is a frame the session could not map to a known event.
type UnknownResponse struct {
	MessageType      string
	SubscriptionType string
	Payload          []byte
}

func (EventResponse) isResponse()      {}
func (ReadyResponse) isResponse()      {}
func (CloseResponse) isResponse()      {}
func (RevocationResponse) isResponse() {}
func (ErrorResponse) isResponse()      {}
func (UnknownResponse) isResponse()    {}
