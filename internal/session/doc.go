// Package session owns per-chat state and serialization. Each chat gets
// one loop goroutine consuming events in arrival order; turns for different
// chats run fully concurrently. The turn driver lives here too, consuming
// the agent's event stream and routing tool calls through approval and the
// gateway.
package session
