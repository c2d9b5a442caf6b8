// Package credentials caches OAuth credentials between runs.
//
// FileStore keeps the access and refresh tokens in two flat files that are
// replaced atomically under a cross-process lock. RedisStore keeps the full
// credential record in a Redis hash. Both can seal tokens at rest with an
// AES-256-GCM Sealer; plain text is the default.
package credentials
