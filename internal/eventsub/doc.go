// Package eventsub implements the EventSub WebSocket session core: wire
// frames and event decoding, the subscription negotiator, the transport
// session state machine and the bounded event dispatcher.
package eventsub
