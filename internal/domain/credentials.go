package domain

import (
	"context"
	"slices"
	"time"
)

// RefreshLeeway is how long before expiry a token already counts as expired.
const RefreshLeeway = 60 * time.Second

// Scope is a named permission attached to an access token.
type Scope string

const (
	ScopeUserReadChat          Scope = "user:read:chat"
	ScopeUserWriteChat         Scope = "user:write:chat"
	ScopeUserBot               Scope = "user:bot"
	ScopeChannelBot            Scope = "channel:bot"
	ScopeModeratorReadFollower Scope = "moderator:read:followers"
	ScopeChannelReadSubs       Scope = "channel:read:subscriptions"
	ScopeBitsRead              Scope = "bits:read"
	ScopeChannelReadRedemption Scope = "channel:read:redemptions"
	ScopeChannelReadAds        Scope = "channel:read:ads"
)

// Credentials is a user access token with its metadata.
// UserID and Login are filled in by token validation.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []Scope
	UserID       string
	Login        string
}

// Expired reports whether the token must be refreshed before use.
// A zero Expiry means the expiry is unknown and is not treated as expired.
func (c Credentials) Expired(now time.Time) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(RefreshLeeway).Before(c.Expiry)
}

// MissingScopes returns the requested scopes that granted does not contain.
func MissingScopes(granted, requested []Scope) []Scope {
	var missing []Scope
	for _, s := range requested {
		if !slices.Contains(granted, s) && !slices.Contains(missing, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// MergeScopes returns the sorted union of the given scope lists.
func MergeScopes(lists ...[]Scope) []Scope {
	var out []Scope
	for _, l := range lists {
		for _, s := range l {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return out
}

// CredentialStore persists credentials between runs.
// Load reports ok == false when nothing is cached; that is not an error.
type CredentialStore interface {
	Load(ctx context.Context) (Credentials, bool, error)
	Save(ctx context.Context, creds Credentials) error
}

// TokenInfo is the result of validating an access token.
type TokenInfo struct {
	ClientID  string
	UserID    string
	Login     string
	Scopes    []Scope
	ExpiresIn time.Duration
}

// TokenValidator resolves who an access token belongs to and what it grants.
// An unknown or revoked token yields ErrTokenInvalid.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken string) (TokenInfo, error)
}
