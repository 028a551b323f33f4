// Package store keeps the latest poll status of every target and fans
// updates out to subscribers.
//
// The main components are:
//
//   - [Store]: storage and subscription operations
//   - [MemoryStore]: in-memory implementation with pub/sub
//   - [RedisMirror]: Store decorator that also writes each status to Redis
//   - [TargetStatus]: storage representation of one node's latest poll
//
// The store maintains per-node link health: the count of consecutive nack
// and timeout outcomes and the time of the last answered poll.
//
// Subscribers receive updates via channels with non-blocking sends; slow
// subscribers miss updates rather than stall the poll loop.
package store
