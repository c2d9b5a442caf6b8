// Package app assembles the session core behind a small API.
//
// A Builder authenticates, opens the EventSub WebSocket session and
// subscribes to the requested topics. The resulting API is drained for
// responses and used to send chat messages.
package app
