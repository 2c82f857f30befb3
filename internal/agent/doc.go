// Package agent defines the consumed coding-agent interface and its HTTP
// client. A turn is a server-sent event stream the bridge drives: text
// deltas accumulate into the reply, tool calls block until the bridge posts
// a result back.
package agent
