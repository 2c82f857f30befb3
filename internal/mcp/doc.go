// Package mcp implements a Model Context Protocol client. Each configured
// server becomes one tool provider for the gateway, reached over stdio
// (local subprocess) or HTTP.
package mcp
