// Package creds keeps the bridge's two credentials valid: the Lark tenant
// access token and the coding-agent API token. Each is refreshed ahead of
// expiry by a background loop, with synchronous refresh on demand.
package creds
