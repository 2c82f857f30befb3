// Package store persists the bridge's audit ledger: inbound and outbound
// messages, tool calls, and approval resolutions, kept in SQLite.
package store
