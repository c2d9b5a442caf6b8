package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/pscheid92/twitchsub/internal/domain"
)

const DefaultAuthBaseURL = "https://id.twitch.tv/oauth2"

func newOAuthConfig(clientID, clientSecret, redirectURL, baseURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:       baseURL + "/authorize",
			TokenURL:      baseURL + "/token",
			DeviceAuthURL: baseURL + "/device",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

func withScopes(conf *oauth2.Config, scopes []domain.Scope) *oauth2.Config {
	c := *conf
	c.Scopes = scopeStrings(scopes)
	return &c
}

// oauthContext routes oauth2 requests through client.
func oauthContext(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func tokenToCredentials(tok *oauth2.Token, requested []domain.Scope, clock clockwork.Clock) domain.Credentials {
	creds := domain.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       tokenScopes(tok),
	}
	if tok.ExpiresIn > 0 {
		creds.Expiry = clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if creds.Scopes == nil {
		creds.Scopes = requested
	}
	return creds
}

// tokenScopes reads the granted scopes. Twitch sends a JSON array; the
// RFC 6749 form is a space separated string.
func tokenScopes(tok *oauth2.Token) []domain.Scope {
	switch raw := tok.Extra("scope").(type) {
	case []any:
		scopes := make([]domain.Scope, 0, len(raw))
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, domain.Scope(str))
			}
		}
		return scopes
	case string:
		var scopes []domain.Scope
		for s := range strings.FieldsSeq(raw) {
			scopes = append(scopes, domain.Scope(s))
		}
		return scopes
	default:
		return nil
	}
}

func scopeStrings(scopes []domain.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
