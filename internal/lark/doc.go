// Package lark is the messaging channel client: REST calls for sending
// text, cards, reactions, and downloads, plus the supervised websocket
// connection that delivers inbound events. Every authorized call consults
// the credential manager and retries once when the platform reports the
// token expired.
package lark
