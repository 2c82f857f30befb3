// Package cards builds the interactive cards the bridge sends: streaming
// progress cards edited in place during a turn, and approval cards whose
// buttons resolve pending tool calls.
package cards
