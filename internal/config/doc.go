// Package config handles configuration loading for coven-lark.
//
// # Overview
//
// Configuration is loaded from TOML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_LARK_CONFIG environment variable
//  2. ./coven-lark.toml (current directory)
//  3. ~/.config/coven/lark.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[lark]
//	app_secret = "${LARK_APP_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	[approval]
//	deadline = "30s"
//
//	[agent]
//	refresh_interval = "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Validation
//
// Load() validates:
//
//   - Lark app credentials are present
//   - URLs parse and use http or https
//   - approval.on_timeout is "approve" or "reject"
//   - Duration format validity
//   - Database path is set
package config
