// Package rooms owns the in-memory room registry.
//
// All membership mutations go through Store so that removing the last
// participant and deleting the room happen under the same shard lock.
package rooms
