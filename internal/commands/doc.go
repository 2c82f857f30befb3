// Package commands parses chat message bodies into a closed set of control
// commands, with a free-text fallback forwarded to the agent.
package commands
