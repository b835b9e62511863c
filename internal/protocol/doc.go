// Package protocol defines the JSON messages exchanged with clients over the
// signaling WebSocket.
//
// Every frame carries a single envelope:
//
//	{"type": "<event name>", "data": {...}}
//
// Inbound frames are decoded strictly: unknown fields, trailing data and
// missing required fields are rejected with an error wrapping
// ErrInvalidMessage. Outbound messages are built with the constructors in
// this package so that payload shapes stay in one place.
//
// The negotiation payload carried by "signal" is opaque and passed through as
// raw JSON.
package protocol
