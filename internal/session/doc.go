// Package session turns client events into room mutations and the
// notifications those mutations produce.
//
// Coordinator.Apply is a reducer: it validates an Event against the room
// store, mutates it, and returns the list of deliveries to make. It never
// writes to a connection itself, which keeps it testable without a transport.
// Coordinator.Dispatch hands the deliveries to the connection registry.
//
// Signal events are the exception: they are forwarded straight to the
// configured Relay, which owns the unreachable-target policy.
package session
