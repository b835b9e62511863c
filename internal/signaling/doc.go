// Package signaling is the WebSocket transport for the rendezvous service.
//
// Each connection gets a random client id, a read pump that feeds parsed
// events to the session coordinator in arrival order, and a write pump that
// drains a bounded outbound queue. Negotiation payloads addressed to a single
// peer go through Relay.
package signaling
