// Package dedupe tracks recently handled event IDs so redelivered events
// are dropped instead of processed twice.
package dedupe
