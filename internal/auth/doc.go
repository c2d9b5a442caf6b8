// Package auth obtains, refreshes and validates Twitch user access tokens.
//
// An Authenticator combines a GrantFlow (browser redirect, pasted redirect or
// device code), the OAuth refresh grant, token validation and a credential
// cache. Ensure runs the startup pipeline: load, validate, refresh or
// re-authorize as the policy allows, check scopes, save.
package auth
