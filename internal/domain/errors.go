package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Configuration errors. Fatal at build time.
var (
	ErrNoSubscriptionsRequested = errors.New("no subscriptions requested")
	ErrMissingClientID          = errors.New("client id is required")
)

// Authentication errors.
var (
	ErrAuthDenied        = errors.New("authorization denied by user")
	ErrAuthTimeout       = errors.New("authorization timed out")
	ErrInsufficientScope = errors.New("token is missing required scopes")
	ErrRefreshExpired    = errors.New("refresh token rejected")
	ErrTokenMissing      = errors.New("no cached token")
	ErrTokenExpired      = errors.New("access token expired")
	ErrTokenInvalid      = errors.New("access token invalid")
)

// Transport errors.
var (
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrKeepaliveTimeout   = errors.New("keepalive timed out")
	ErrConnectionReset    = errors.New("connection reset")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Send and subscription errors.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrRemoteRejected       = errors.New("remote rejected action")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrCancelled            = errors.New("session cancelled")
)

// CancelledBy marks err as ErrCancelled when ctx ended while err was
// produced.
func CancelledBy(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// InsufficientScopeError lists the scopes a token lacks.
type InsufficientScopeError struct {
	Missing []Scope
}

func (e *InsufficientScopeError) Error() string {
	names := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		names[i] = string(s)
	}
	return fmt.Sprintf("%s: %s", ErrInsufficientScope, strings.Join(names, ", "))
}

func (e *InsufficientScopeError) Is(target error) bool { return target == ErrInsufficientScope }

// SubscriptionRejectedError reports a topic the remote service refused.
type SubscriptionRejectedError struct {
	Topic      Topic
	StatusCode int
	Reason     string
	Err        error
}

func (e *SubscriptionRejectedError) Error() string {
	return fmt.Sprintf("%s: topic=%s status=%d reason=%s", ErrSubscriptionRejected, e.Topic, e.StatusCode, e.Reason)
}

func (e *SubscriptionRejectedError) Is(target error) bool { return target == ErrSubscriptionRejected }
func (e *SubscriptionRejectedError) Unwrap() error         { return e.Err }

// RemoteRejectedError is returned when the service declines an outbound action.
type RemoteRejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteRejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status=%d code=%s: %s", ErrRemoteRejected, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status=%d: %s", ErrRemoteRejected, e.StatusCode, e.Message)
}

func (e *RemoteRejectedError) Is(target error) bool { return target == ErrRemoteRejected }

// TransportError wraps a transport failure with the operation that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx answer from a Twitch REST endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api error: status=%d: %s", e.StatusCode, e.Message)
}
