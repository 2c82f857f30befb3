// ABOUTME: Package doc for bridge
// ABOUTME: The orchestrator tying the chat platform to the agent

// Package bridge connects inbound chat events to agent turns. It owns the
// session registry, tool provider lifecycle, approval flow, and the audit
// ledger; everything a chat message can cause flows through here.
package bridge
