// Package broadcast keeps the query caches of several clients in step over
// a shared publish/subscribe channel.
//
// Each participant publishes successful query updates and removals of
// observed queries, and applies what the others publish. A participant that
// joins late asks for a snapshot and hydrates the first one it receives.
//
// Channels are interchangeable: MemoryHub connects clients inside one
// process, RedisChannel and NATSChannel connect processes through a server.
package broadcast
