// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (credentials.go, topic.go, event.go, response.go, etc.)
// with shared types and cross-cutting interfaces. No implementation code - just contracts.
// Event, Response and Action are closed sum types: every variant implements an unexported marker
// method, so callers switch over a fixed set.
package domain
